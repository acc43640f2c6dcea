// Package hooks is the extension registration boundary. Extension packages
// register entry points at init time; the process bootstrap invokes each
// one with the event bus handle so it can subscribe handlers. The core
// pipeline never discovers extensions itself, it only exposes the
// subscribe/publish contract.
package hooks

import (
	"log/slog"
	"sync"

	"github.com/openrelay/graph-smtp-relay/internal/events"
)

// SetupFunc is an extension entry point. It receives the process event bus
// and subscribes whatever handlers the extension needs.
type SetupFunc func(bus *events.Bus) error

type entry struct {
	name  string
	setup SetupFunc
}

var (
	mu       sync.Mutex
	registry []entry
)

// Register adds an extension entry point under a name used for logging.
// It is intended to be called from an extension package's init function;
// order of registration is the order of installation.
func Register(name string, setup SetupFunc) {
	mu.Lock()
	defer mu.Unlock()
	registry = append(registry, entry{name: name, setup: setup})
}

// Install invokes every registered entry point with the bus handle and
// returns the names of the extensions that installed successfully. A
// failing extension is logged and skipped; it never prevents the others
// or the relay itself from starting.
func Install(bus *events.Bus) []string {
	mu.Lock()
	entries := make([]entry, len(registry))
	copy(entries, registry)
	mu.Unlock()

	installed := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := e.setup(bus); err != nil {
			slog.Error("failed to install extension",
				"extension", e.name,
				"error", err,
			)
			continue
		}
		slog.Debug("extension installed", "extension", e.name)
		installed = append(installed, e.name)
	}
	return installed
}

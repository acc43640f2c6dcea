// Package events implements the in-process publish/subscribe bus that
// external hook code uses to observe and alter the relay pipeline.
package events

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/openrelay/graph-smtp-relay/internal/email"
)

// Event names recognized by the relay pipeline.
const (
	// BeforeAuth is published with the token request parameters before the
	// authority is contacted. Observe only.
	BeforeAuth = "before_auth"

	// AfterAuth is published with token metadata (never the secret or the
	// token itself) after acquisition. Observe only.
	AfterAuth = "after_auth"

	// BeforeSend is published with the parsed message before translation.
	// Handlers may mutate headers and body in place.
	BeforeSend = "before_send"

	// Sender is published with the envelope sender address. Observe only.
	Sender = "sender"

	// Recipients is published with the to/cc/bcc partition. Observe only.
	Recipients = "recipients"

	// SkipSend asks handlers whether delivery should be suppressed. Boolean
	// results are OR-aggregated: any true skips the send.
	SkipSend = "skip_send"

	// AfterSend is published after a successful delivery. Observe only.
	AfterSend = "after_send"
)

// Context is the mutable payload carrier handed to handlers. Only the fields
// relevant to the published event are populated.
type Context struct {
	// Sender is the envelope sender address (sender, recipients, before_send).
	Sender string

	// To, Cc and Bcc are the partitioned recipient lists (recipients).
	To []string
	Cc []string
	Bcc []string

	// Message is the parsed message (before_send). Mutations are visible to
	// subsequent handlers and to the translator.
	Message *email.Email

	// AuthRequest carries token request parameters (before_auth).
	AuthRequest *AuthRequest

	// AuthResult carries token metadata (after_auth).
	AuthResult *AuthResult
}

// AuthRequest describes an upcoming client-credentials token request.
// The client secret is deliberately absent.
type AuthRequest struct {
	TokenURL string
	ClientID string
	Scope    string
}

// AuthResult describes the outcome of a token request without exposing
// the token value.
type AuthResult struct {
	TokenType string
	Scope     string
	ExpiresIn int64
	Err       error
}

// Handler is a subscriber callback. The boolean return is only meaningful
// for skip_send; other events ignore it. A returned error is captured in
// the result set and never stops the remaining handlers.
type Handler func(ctx *Context) (bool, error)

// Result is the outcome of one handler invocation.
type Result struct {
	Value bool
	Err   error
}

// Bus is the process-wide event registry. Subscriptions happen at startup;
// publishes happen concurrently from many SMTP sessions afterwards.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for the named event. Handlers run in
// subscription order.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish invokes every handler subscribed to the named event, in order,
// and returns one result per handler. A panicking handler is recovered and
// recorded as an error; it never aborts the pipeline or later handlers.
func (b *Bus) Publish(name string, ctx *Context) []Result {
	b.mu.RLock()
	handlers := b.handlers[name]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	results := make([]Result, 0, len(handlers))
	for i, h := range handlers {
		v, err := invoke(h, ctx)
		if err != nil {
			slog.Warn("event handler failed",
				"event", name,
				"handler_index", i,
				"error", err,
			)
		}
		results = append(results, Result{Value: v, Err: err})
	}
	return results
}

// invoke runs a single handler, converting a panic into an error so one
// misbehaving subscriber cannot take down a session goroutine.
func invoke(h Handler, ctx *Context) (value bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = false
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx)
}

// Any reports whether any successful handler returned true. This is the
// OR-aggregation rule used for skip_send.
func Any(results []Result) bool {
	for _, r := range results {
		if r.Err == nil && r.Value {
			return true
		}
	}
	return false
}

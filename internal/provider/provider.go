// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"
	"errors"

	"github.com/openrelay/graph-smtp-relay/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// Each provider re-delivers a message accepted over SMTP to the target
// service (Microsoft Graph, AWS SES, stdout for dry runs).
type Provider interface {
	// Send delivers a parsed message through this provider. The envelope
	// carries the SMTP transaction sender and recipients; the message
	// carries headers, bodies, and attachments.
	Send(ctx context.Context, env *email.Envelope, msg *email.Email) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// TemporaryError is implemented by provider errors that classify themselves
// as transient. The SMTP session maps temporary failures to 451 and
// everything else to 550.
type TemporaryError interface {
	error
	Temporary() bool
}

// IsTemporary reports whether err classifies itself as transient. Errors
// without a classification are treated as temporary so the peer retries
// rather than bouncing.
func IsTemporary(err error) bool {
	var te TemporaryError
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return true
}

// Package audit is a built-in extension that logs the relay's lifecycle
// events: token acquisitions and completed deliveries. Import it for its
// side effect of registering with the hooks registry.
package audit

import (
	"log/slog"

	"github.com/openrelay/graph-smtp-relay/internal/events"
	"github.com/openrelay/graph-smtp-relay/internal/hooks"
)

func init() {
	hooks.Register("audit", Setup)
}

// Setup subscribes the audit observers. All subscriptions are observe only.
func Setup(bus *events.Bus) error {
	bus.Subscribe(events.BeforeAuth, func(ctx *events.Context) (bool, error) {
		if ctx.AuthRequest != nil {
			slog.Info("requesting access token",
				"token_url", ctx.AuthRequest.TokenURL,
				"client_id", ctx.AuthRequest.ClientID,
				"scope", ctx.AuthRequest.Scope,
			)
		}
		return false, nil
	})

	bus.Subscribe(events.AfterAuth, func(ctx *events.Context) (bool, error) {
		if ctx.AuthResult == nil {
			return false, nil
		}
		if ctx.AuthResult.Err != nil {
			slog.Warn("token acquisition failed", "error", ctx.AuthResult.Err)
			return false, nil
		}
		slog.Info("access token acquired",
			"token_type", ctx.AuthResult.TokenType,
			"expires_in", ctx.AuthResult.ExpiresIn,
		)
		return false, nil
	})

	bus.Subscribe(events.AfterSend, func(ctx *events.Context) (bool, error) {
		slog.Info("message delivered", "sender", ctx.Sender)
		return false, nil
	})

	return nil
}

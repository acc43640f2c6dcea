package smtp

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/openrelay/graph-smtp-relay/internal/events"
	"github.com/openrelay/graph-smtp-relay/internal/metrics"
	"github.com/openrelay/graph-smtp-relay/internal/provider"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in EHLO responses.
	Hostname string

	// Provider is the email delivery backend.
	Provider provider.Provider

	// Bus receives the relay pipeline events for every session.
	Bus *events.Bus

	// Metrics receives session and delivery instrumentation. Optional.
	Metrics *metrics.Metrics

	// TLSConfig is the TLS configuration for STARTTLS support.
	// If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If both are empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	// MaxMessageSize caps the accepted DATA size in bytes.
	MaxMessageSize int64

	// MaxConnRate is the maximum accepted connections per second.
	// Zero disables rate limiting.
	MaxConnRate int
}

// Server is an SMTP server that accepts connections and runs a relay
// session per connection. Sessions are independent; the only shared state
// is the provider's token cache and the event bus registry.
type Server struct {
	config  ServerConfig
	auth    *Authenticator
	limiter *rate.Limiter

	// mu guards listener, which is set once serving starts.
	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}

	var limiter *rate.Limiter
	if cfg.MaxConnRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxConnRate), cfg.MaxConnRate)
	}

	return &Server{
		config:  cfg,
		auth:    NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
		limiter: limiter,
	}
}

// ListenAndServe starts the SMTP server and blocks until the context is cancelled.
// On context cancellation, it stops accepting new connections and waits up to
// 30 seconds for in-flight sessions to complete.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"provider", s.config.Provider.Name(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	// Monitor context for shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down SMTP server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown
				s.waitForSessions()
				return nil
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		if s.limiter != nil && !s.limiter.Allow() {
			slog.Warn("connection rejected by rate limiter",
				"remote", conn.RemoteAddr().String(),
			)
			if s.config.Metrics != nil {
				s.config.Metrics.ConnectionsRejected.Inc()
			}
			conn.Write([]byte("421 Too many connections, try again later\r\n"))
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.config.Metrics != nil {
				s.config.Metrics.SessionsActive.Inc()
				defer s.config.Metrics.SessionsActive.Dec()
			}
			session := NewSession(conn, SessionConfig{
				Auth:           s.auth,
				Provider:       s.config.Provider,
				Bus:            s.config.Bus,
				Metrics:        s.config.Metrics,
				Hostname:       s.config.Hostname,
				TLSConfig:      s.config.TLSConfig,
				MaxMessageSize: s.config.MaxMessageSize,
			})
			session.Handle(ctx)
		}()
	}
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

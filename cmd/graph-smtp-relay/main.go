// Package main is the entry point for the SMTP-to-Graph relay server.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/openrelay/graph-smtp-relay/internal/config"
	"github.com/openrelay/graph-smtp-relay/internal/events"
	"github.com/openrelay/graph-smtp-relay/internal/hooks"
	_ "github.com/openrelay/graph-smtp-relay/internal/hooks/audit"
	"github.com/openrelay/graph-smtp-relay/internal/metrics"
	"github.com/openrelay/graph-smtp-relay/internal/provider"
	"github.com/openrelay/graph-smtp-relay/internal/provider/graph"
	"github.com/openrelay/graph-smtp-relay/internal/provider/ses"
	"github.com/openrelay/graph-smtp-relay/internal/provider/stdout"
	"github.com/openrelay/graph-smtp-relay/internal/smtp"
	relaytls "github.com/openrelay/graph-smtp-relay/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// A .env file is optional; environment variables win either way.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	// Load or generate TLS certificates for STARTTLS
	tlsConfig, err := relaytls.LoadOrGenerate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	// One event bus per process, handed to the pipeline and to extensions.
	bus := events.NewBus()
	installed := hooks.Install(bus)

	// Select email delivery provider
	prov := selectProvider(cfg, bus)

	m := metrics.New()

	// Create SMTP server
	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Provider:       prov,
		Bus:            bus,
		Metrics:        m,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		MaxConnRate:    cfg.SMTP.MaxConnRate,
	})

	slog.Info("starting graph-smtp-relay",
		"listen", cfg.SMTP.Listen,
		"provider", prov.Name(),
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
		"extensions", installed,
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	if cfg.Metrics.Listen != "" {
		go serveMetrics(ctx, cfg.Metrics.Listen, m)
	}

	// Start the server (blocks until context is cancelled)
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("graph-smtp-relay stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// serveMetrics runs the Prometheus endpoint until the context is cancelled.
func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server error", "error", err)
	}
}

// selectProvider chooses the email delivery backend based on configuration.
// If the PROVIDER env var is set, it takes precedence.
// Otherwise, it falls back to auto-detection (Graph if configured, else stdout).
func selectProvider(cfg *config.Config, bus *events.Bus) provider.Provider {
	switch cfg.Provider {
	case "ses":
		if !cfg.SESConfigured() {
			slog.Error("SES provider selected but SES_REGION and SES_SENDER are required")
			os.Exit(1)
		}
		slog.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		p, err := ses.New(context.Background(), ses.SESProviderConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		})
		if err != nil {
			slog.Error("failed to create SES provider", "error", err)
			os.Exit(1)
		}
		return p

	case "graph":
		if !cfg.GraphConfigured() {
			slog.Error("Graph provider selected but GRAPH_TENANT_ID (or GRAPH_AUTHORITY), GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET, and GRAPH_SENDER are required")
			os.Exit(1)
		}
		slog.Info("using Microsoft Graph provider",
			"sender", cfg.Graph.Sender,
		)
		return graph.New(graphConfig(cfg), bus)

	case "stdout":
		slog.Info("using stdout provider")
		return stdout.New()

	case "":
		// Auto-detection fallback for backward compatibility
		if cfg.GraphConfigured() {
			slog.Info("using Microsoft Graph provider (auto-detected)",
				"sender", cfg.Graph.Sender,
			)
			return graph.New(graphConfig(cfg), bus)
		}
		if cfg.SESConfigured() {
			slog.Info("using AWS SES provider (auto-detected)",
				"region", cfg.SES.Region,
				"sender", cfg.SES.Sender,
			)
			p, err := ses.New(context.Background(), ses.SESProviderConfig{
				Region:          cfg.SES.Region,
				AccessKeyID:     cfg.SES.AccessKeyID,
				SecretAccessKey: cfg.SES.SecretAccessKey,
				Sender:          cfg.SES.Sender,
			})
			if err != nil {
				slog.Error("failed to create SES provider", "error", err)
				os.Exit(1)
			}
			return p
		}
		slog.Info("no provider configured, using stdout provider")
		return stdout.New()

	default:
		slog.Error("unknown provider", "provider", cfg.Provider)
		os.Exit(1)
		return nil
	}
}

// graphConfig maps application config onto the Graph provider config.
func graphConfig(cfg *config.Config) graph.GraphProviderConfig {
	return graph.GraphProviderConfig{
		TenantID:            cfg.Graph.TenantID,
		Authority:           cfg.Graph.Authority,
		ClientID:            cfg.Graph.ClientID,
		ClientSecret:        cfg.Graph.ClientSecret,
		Sender:              cfg.Graph.Sender,
		SaveToSent:          cfg.Graph.SaveToSent,
		AttachmentThreshold: cfg.Graph.AttachmentThreshold,
		UploadChunkSize:     cfg.Graph.UploadChunkSize,
	}
}

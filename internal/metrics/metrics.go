// Package metrics exposes Prometheus instrumentation for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors. Constructing it with a
// private registry keeps tests free of duplicate-registration failures.
type Metrics struct {
	registry *prometheus.Registry

	// SessionsActive tracks currently open SMTP sessions.
	SessionsActive prometheus.Gauge

	// ConnectionsRejected counts connections refused by the rate limiter.
	ConnectionsRejected prometheus.Counter

	// MessagesRelayed counts finished relay attempts by outcome:
	// delivered, skipped, rejected, failed.
	MessagesRelayed *prometheus.CounterVec

	// DeliveryDuration observes provider delivery latency in seconds.
	DeliveryDuration prometheus.Histogram
}

// New creates the relay metrics on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_smtp_sessions_active",
			Help: "Number of currently open SMTP sessions.",
		}),
		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_smtp_connections_rejected_total",
			Help: "Connections refused by the inbound rate limiter.",
		}),
		MessagesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Finished relay attempts by outcome.",
		}, []string{"outcome"}),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_delivery_duration_seconds",
			Help:    "Provider delivery latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.ConnectionsRejected,
		m.MessagesRelayed,
		m.DeliveryDuration,
	)

	return m
}

// Outcome labels for MessagesRelayed.
const (
	OutcomeDelivered = "delivered"
	OutcomeSkipped   = "skipped"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

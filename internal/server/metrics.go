package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "ecpd"

// Metrics holds the Prometheus collectors for the transport core.
type Metrics struct {
	ConnectionsTotal    prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	AuthenticatedActive prometheus.Gauge
	HandshakeFailures   *prometheus.CounterVec
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     prometheus.Histogram
	NotificationsSent   prometheus.Counter
	StaleClosed         prometheus.Counter
}

// NewMetrics registers the collectors on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted.",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Currently open WebSocket connections.",
		}),
		AuthenticatedActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "authenticated_active",
			Help:      "Currently authenticated WebSocket connections.",
		}),
		HandshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handshake_failures_total",
			Help:      "Failed auth handshakes by reason.",
		}, []string{"reason"}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Dispatched JSON-RPC requests by outcome.",
		}, []string{"outcome"}),
		RequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "JSON-RPC dispatch latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		NotificationsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_sent_total",
			Help:      "Server-initiated notifications delivered.",
		}),
		StaleClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stale_connections_closed_total",
			Help:      "Connections closed by the staleness sweep.",
		}),
	}
}

// Request outcome labels.
const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeRejected = "rejected"
)

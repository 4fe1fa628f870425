package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hearthd/hearth/internal/domain/session"
)

// Metrics holds all Prometheus metrics for the request core. Pass to
// components that need to record them.
type Metrics struct {
	ConnectionsAccepted prometheus.Counter
	ActiveConnections   prometheus.Gauge
	HandshakeFailures   prometheus.Counter
	CapacityPauses      prometheus.Counter
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     prometheus.Histogram
}

// NewMetrics creates and registers all metrics with the given registry.
// The session gauges read live counts straight off the engine at scrape
// time.
func NewMetrics(reg prometheus.Registerer, engine *session.Engine) *Metrics {
	m := &Metrics{
		ConnectionsAccepted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "hearth",
				Name:      "connections_accepted_total",
				Help:      "Total accepted connections",
			},
		),
		ActiveConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "hearth",
				Name:      "active_connections",
				Help:      "Currently open connections",
			},
		),
		HandshakeFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "hearth",
				Name:      "tls_handshake_failures_total",
				Help:      "TLS handshakes abandoned without affecting the accept loop",
			},
		),
		CapacityPauses: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "hearth",
				Name:      "capacity_pauses_total",
				Help:      "Accept-loop pauses at the max-connections cap",
			},
		),
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hearth",
				Name:      "requests_total",
				Help:      "Requests processed, by response status",
			},
			[]string{"status"},
		),
		RequestDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "hearth",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	if engine != nil {
		for _, kind := range session.Kinds {
			promauto.With(reg).NewGaugeFunc(
				prometheus.GaugeOpts{
					Namespace:   "hearth",
					Name:        "live_sessions",
					Help:        "Materialized session records",
					ConstLabels: prometheus.Labels{"kind": kind.String()},
				},
				func() float64 { return float64(engine.Count(kind)) },
			)
		}
		promauto.With(reg).NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "hearth",
				Name:      "group_evictions_total",
				Help:      "Sessions evicted by the group cap",
			},
			func() float64 { return float64(engine.EvictionCount()) },
		)
	}

	return m
}

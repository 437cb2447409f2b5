package session

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for request handling.
type Metrics struct {
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveSessions  prometheus.Gauge
	PersistErrors   prometheus.Counter
}

// NewMetrics registers the session metrics once and returns them.
//
// Metrics:
//   - agentd_session_requests_total{status}
//   - agentd_session_request_duration_seconds{status}
//   - agentd_session_active
//   - agentd_session_persist_errors_total
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Requests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentd_session_requests_total",
					Help: "Handled requests by response status",
				},
				[]string{"status"},
			),
			RequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentd_session_request_duration_seconds",
					Help:    "End-to-end request handling time",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
				},
				[]string{"status"},
			),
			ActiveSessions: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "agentd_session_active",
					Help: "Sessions currently held by the coordinator",
				},
			),
			PersistErrors: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "agentd_session_persist_errors_total",
					Help: "Plan records that could not be persisted",
				},
			),
		}
	})
	return globalMetrics
}

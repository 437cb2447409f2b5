package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for plan execution.
type Metrics struct {
	StepDuration  *prometheus.HistogramVec
	StepOutcomes  *prometheus.CounterVec
	StepRetries   *prometheus.CounterVec
	StepTimeouts  *prometheus.CounterVec
	StepsInFlight prometheus.Gauge
	Runs          *prometheus.CounterVec
}

// NewMetrics registers the engine metrics with the default registry once and
// returns them.
//
// Metrics:
//   - agentd_engine_step_duration_seconds{capability,status}
//   - agentd_engine_step_outcomes_total{capability,status,kind}
//   - agentd_engine_step_retries_total{capability}
//   - agentd_engine_step_timeouts_total{capability,scope} (scope is "step" or "request")
//   - agentd_engine_steps_in_flight
//   - agentd_engine_runs_total{strategy,success}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			StepDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentd_engine_step_duration_seconds",
					Help:    "Duration of plan steps from first run to terminal state",
					Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
				},
				[]string{"capability", "status"},
			),
			StepOutcomes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentd_engine_step_outcomes_total",
					Help: "Terminal step outcomes",
				},
				[]string{"capability", "status", "kind"},
			),
			StepRetries: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentd_engine_step_retries_total",
					Help: "Step retries after transient failures",
				},
				[]string{"capability"},
			),
			StepTimeouts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentd_engine_step_timeouts_total",
					Help: "Steps cut off by the step timeout or the request deadline",
				},
				[]string{"capability", "scope"},
			),
			StepsInFlight: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "agentd_engine_steps_in_flight",
					Help: "Capability calls currently executing",
				},
			),
			Runs: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentd_engine_runs_total",
					Help: "Plan runs by strategy and overall success",
				},
				[]string{"strategy", "success"},
			),
		}
	})
	return globalMetrics
}

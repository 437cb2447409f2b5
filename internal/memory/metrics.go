package memory

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/agentd/internal/memory"

// Metrics holds memory instruments. A nil *Metrics records nothing.
type Metrics struct {
	recorded metric.Int64Counter
	evicted  metric.Int64Counter
	promoted metric.Int64Counter
	surprise metric.Float64Histogram
}

// NewMetrics creates instruments on meter, or the global meter when nil.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{}
	var err error

	m.recorded, err = meter.Int64Counter("memory.entries.recorded.total",
		metric.WithDescription("Memory entries recorded"),
		metric.WithUnit("{entry}"))
	if err != nil {
		logger.Warn("failed to create recorded counter", zap.Error(err))
	}

	m.evicted, err = meter.Int64Counter("memory.entries.evicted.total",
		metric.WithDescription("Memory entries evicted by tier"),
		metric.WithUnit("{entry}"))
	if err != nil {
		logger.Warn("failed to create evicted counter", zap.Error(err))
	}

	m.promoted, err = meter.Int64Counter("memory.entries.promoted.total",
		metric.WithDescription("Memory entries promoted to the long tier"),
		metric.WithUnit("{entry}"))
	if err != nil {
		logger.Warn("failed to create promoted counter", zap.Error(err))
	}

	m.surprise, err = meter.Float64Histogram("memory.surprise.score",
		metric.WithDescription("Surprise score at insertion"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0))
	if err != nil {
		logger.Warn("failed to create surprise histogram", zap.Error(err))
	}
	return m
}

func (m *Metrics) recordInsert(ctx context.Context, surprise float64) {
	if m == nil {
		return
	}
	if m.recorded != nil {
		m.recorded.Add(ctx, 1)
	}
	if m.surprise != nil {
		m.surprise.Record(ctx, surprise)
	}
}

func (m *Metrics) recordEviction(ctx context.Context, tier Tier, n int) {
	if m == nil || m.evicted == nil || n == 0 {
		return
	}
	m.evicted.Add(ctx, int64(n), metric.WithAttributes(attribute.String("tier", string(tier))))
}

func (m *Metrics) recordPromotion(ctx context.Context, n int) {
	if m == nil || m.promoted == nil || n == 0 {
		return
	}
	m.promoted.Add(ctx, int64(n))
}

package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/agentd/internal/mcp"

// Tool call outcomes, recorded as the "outcome" attribute.
const (
	outcomeOK       = "ok"
	outcomeFailed   = "failed"
	outcomeInvalid  = "invalid_request"
	outcomeStorage  = "storage_error"
	outcomeCanceled = "canceled"
	outcomeInternal = "internal_error"
)

var (
	// errRequestFailed marks an agent_ask call whose response status is failed.
	// It is recorded, never returned to the client.
	errRequestFailed = errors.New("request failed")

	errPlansUnavailable = errors.New("listing plans failed")
)

// Metrics records tool call counts, latency and concurrency.
type Metrics struct {
	logger   *zap.Logger
	calls    metric.Int64Counter
	latency  metric.Float64Histogram
	inflight metric.Int64UpDownCounter
}

// NewMetrics creates tool metrics on meter. A nil meter uses the global provider.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{logger: logger}

	var err error
	m.calls, err = meter.Int64Counter(
		"agentd.mcp.tool.invocations_total",
		metric.WithDescription("MCP tool calls by tool and outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		logger.Warn("failed to create tool call counter", zap.Error(err))
	}

	m.latency, err = meter.Float64Histogram(
		"agentd.mcp.tool.duration_seconds",
		metric.WithDescription("MCP tool call latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		logger.Warn("failed to create tool latency histogram", zap.Error(err))
	}

	m.inflight, err = meter.Int64UpDownCounter(
		"agentd.mcp.tool.active_requests",
		metric.WithDescription("MCP tool calls in progress"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		logger.Warn("failed to create in-flight counter", zap.Error(err))
	}
	return m
}

// begin marks a call to tool as in flight. The returned func records the
// call with the outcome derived from err.
func (m *Metrics) begin(ctx context.Context, tool string) func(err error) {
	start := time.Now()
	toolAttr := metric.WithAttributes(attribute.String("tool", tool))
	if m.inflight != nil {
		m.inflight.Add(ctx, 1, toolAttr)
	}
	return func(err error) {
		if m.inflight != nil {
			m.inflight.Add(ctx, -1, toolAttr)
		}
		attrs := metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("outcome", outcomeOf(err)),
		)
		if m.calls != nil {
			m.calls.Add(ctx, 1, attrs)
		}
		if m.latency != nil {
			m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
		}
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, errRequestFailed):
		return outcomeFailed
	case errors.Is(err, errSessionRequired):
		return outcomeInvalid
	case errors.Is(err, errPlansUnavailable):
		return outcomeStorage
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcomeCanceled
	default:
		return outcomeInternal
	}
}

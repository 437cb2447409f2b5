package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/agentd/internal/http"

// agentStatusKey is the echo context key handlers set to the response status
// of an agent request.
const agentStatusKey = "agent.status"

// Metrics records HTTP traffic and agent response outcomes.
type Metrics struct {
	requests  metric.Int64Counter
	latency   metric.Float64Histogram
	inflight  metric.Int64UpDownCounter
	responses metric.Int64Counter
}

// NewMetrics creates HTTP metrics on meter. A nil meter uses the global provider.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{}
	warn := func(what string, err error) {
		if err != nil {
			logger.Warn("failed to create "+what, zap.Error(err))
		}
	}

	var err error
	m.requests, err = meter.Int64Counter(
		"agentd.http.requests_total",
		metric.WithDescription("HTTP requests by method, route and status code"),
		metric.WithUnit("{request}"),
	)
	warn("requests counter", err)

	// Agent requests can run for the whole request timeout.
	m.latency, err = meter.Float64Histogram(
		"agentd.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration by method, route and status code"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	warn("duration histogram", err)

	m.inflight, err = meter.Int64UpDownCounter(
		"agentd.http.active_requests",
		metric.WithDescription("HTTP requests in progress"),
		metric.WithUnit("{request}"),
	)
	warn("in-flight counter", err)

	m.responses, err = meter.Int64Counter(
		"agentd.http.agent_responses_total",
		metric.WithDescription("Agent responses served over HTTP by status"),
		metric.WithUnit("{response}"),
	)
	warn("agent response counter", err)
	return m
}

// Middleware records every request. Routes are labelled by template, so
// session IDs never become label values.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inflight != nil {
				m.inflight.Add(ctx, 1)
			}

			err := next(c)

			if m.inflight != nil {
				m.inflight.Add(ctx, -1)
			}
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", routeLabel(c.Path())),
				attribute.Int("status", c.Response().Status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if status, ok := c.Get(agentStatusKey).(string); ok && m.responses != nil {
				m.responses.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
			}
			return err
		}
	}
}

// routeLabel returns the route template, or "unmatched" when no route matched.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}

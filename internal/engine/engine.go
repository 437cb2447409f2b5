// Package engine executes plans: one step, steps in declared order, or steps
// in parallel under a bounded worker budget, with retries and timeouts.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/agentd/internal/capability"
	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/plan"
)

const instrumentationName = "github.com/fyrsmithlabs/agentd/internal/engine"

// Engine runs plans against a capability registry.
type Engine struct {
	reg     *capability.Registry
	cfg     Config
	sink    events.Sink
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *Metrics
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l.Named("engine")
		}
	}
}

// WithSink sets where step transitions are published.
func WithSink(s events.Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithTracer sets the tracer for engine spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock sets the time source for transitions.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine.
func New(reg *capability.Registry, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	e := &Engine{
		reg:     reg,
		cfg:     cfg,
		sink:    events.Nop{},
		logger:  zap.NewNop(),
		tracer:  otel.Tracer(instrumentationName),
		metrics: NewMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run executes p. Tool errors never escape: they are recorded on the steps.
// The returned result lists steps in declared order.
func (e *Engine) Run(ctx context.Context, p plan.Plan, sc plan.SessionContext) plan.ExecutionResult {
	ctx = logging.WithPlanID(ctx, p.ID)
	ctx, span := e.tracer.Start(ctx, "engine.run", trace.WithAttributes(
		attribute.String("plan.id", p.ID),
		attribute.String("plan.strategy", string(p.Strategy)),
		attribute.Int("plan.steps", len(p.Steps)),
	))
	defer span.End()

	started := e.now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	r := newRun(p)
	switch {
	case len(p.Steps) == 0:
	case p.Strategy == plan.Parallel:
		e.runParallel(ctx, r, sc)
	default:
		e.runSequential(ctx, r, sc)
	}

	steps := r.snapshot()
	res := plan.ExecutionResult{
		PlanID:         p.ID,
		Strategy:       p.Strategy,
		Steps:          steps,
		OverallSuccess: plan.ComputeOverallSuccess(steps),
		StartedAt:      started,
		EndedAt:        e.now(),
	}

	e.metrics.Runs.WithLabelValues(string(p.Strategy), strconv.FormatBool(res.OverallSuccess)).Inc()
	span.SetAttributes(attribute.Bool("plan.success", res.OverallSuccess))
	logging.For(ctx, e.logger).Info("plan executed",
		zap.String("strategy", string(p.Strategy)),
		zap.Int("steps", len(steps)),
		zap.Int("succeeded", len(res.Succeeded())),
		zap.Bool("success", res.OverallSuccess),
		zap.Duration("duration", res.Duration()),
	)
	return res
}

// runSequential runs steps in declared order, feeding each the outputs of
// the steps before it. Single-step plans take this path too.
func (e *Engine) runSequential(ctx context.Context, r *run, sc plan.SessionContext) {
	for i := range r.plan.Steps {
		if ctx.Err() != nil {
			break
		}

		inputs, missing := e.inputs(r, i)
		if missing != "" {
			e.skip(ctx, r, i, plan.KindUnmetDependency, fmt.Errorf("%w: %s", ErrUnmetDependency, missing))
			continue
		}

		e.runStep(ctx, r, i, e.invocation(r.plan, sc, inputs))

		if ctx.Err() != nil {
			break
		}
		if s := r.step(i); !s.Succeeded() && !s.Optional {
			for j := i + 1; j < len(r.plan.Steps); j++ {
				e.skip(ctx, r, j, plan.KindHalted, fmt.Errorf("%w: %s", ErrHalted, s.Capability))
			}
			break
		}
	}
	e.expireIfDone(ctx, r)
}

// runParallel dispatches every step under a weighted semaphore and waits for
// all of them or the request deadline.
func (e *Engine) runParallel(ctx context.Context, r *run, sc plan.SessionContext) {
	workers := min(len(r.plan.Steps), e.cfg.MaxConcurrency)
	sem := semaphore.NewWeighted(int64(workers))

	var wg sync.WaitGroup
	for i := range r.plan.Steps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)
			e.runStep(ctx, r, i, e.invocation(r.plan, sc, map[string]any{}))
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	e.expireIfDone(ctx, r)
}

// expireIfDone closes the run when the request deadline passed, cutting off
// every step that has not finished.
func (e *Engine) expireIfDone(ctx context.Context, r *run) {
	if ctx.Err() == nil {
		return
	}
	err := fmt.Errorf("%w: %w", ErrDeadlineExceeded, ctx.Err())
	evs, cut := r.close(e.now(), plan.KindDeadline, err)
	for _, i := range cut {
		e.metrics.StepTimeouts.WithLabelValues(r.plan.Steps[i].Capability, "request").Inc()
		e.recordOutcome(r.step(i))
	}
	if len(cut) > 0 {
		logging.For(ctx, e.logger).Warn("request deadline cut off steps",
			zap.Int("steps", len(cut)), zap.Error(err))
	}
	e.publish(ctx, evs)
}

// inputs resolves the bindings of step i against earlier outputs. missing
// names the first bound capability that did not succeed.
func (e *Engine) inputs(r *run, i int) (map[string]any, string) {
	steps := r.snapshot()
	inputs := make(map[string]any)
	outputs := make(map[string]any)
	for _, s := range steps[:i] {
		if s.Succeeded() {
			inputs[s.Capability] = s.Result.Data
			outputs[s.Capability] = s.Result.Data
			inputs[capability.PreviousKey] = s.Result.Data
		}
	}
	for _, b := range r.plan.Steps[i].Bindings {
		data, ok := outputs[b.From]
		if !ok {
			return nil, b.From
		}
		inputs[b.Name] = data
	}
	return inputs, ""
}

func (e *Engine) invocation(p plan.Plan, sc plan.SessionContext, inputs map[string]any) capability.Invocation {
	return capability.Invocation{
		Fragment:  p.Request,
		Inputs:    inputs,
		Memory:    sc.Memory,
		SessionID: p.SessionID,
		PlanID:    p.ID,
	}
}

func (e *Engine) skip(ctx context.Context, r *run, i int, kind plan.ErrorKind, err error) {
	evs, ok, terr := r.update(i, func(s *plan.ExecutionStep) error {
		s.Fail(kind, err)
		return s.Transition(plan.StatusSkipped, e.now())
	})
	if terr != nil {
		logging.For(ctx, e.logger).Error("invalid step transition", zap.Error(terr))
	}
	if ok {
		e.recordOutcome(r.step(i))
		e.publish(ctx, evs)
	}
}

func (e *Engine) publish(ctx context.Context, evs []events.StepEvent) {
	for _, ev := range evs {
		if err := e.sink.Publish(ctx, ev); err != nil {
			logging.For(ctx, e.logger).Warn("step event not published",
				zap.Int("step", ev.Step), zap.String("to", string(ev.To)), zap.Error(err))
		}
	}
}

func (e *Engine) recordOutcome(s plan.ExecutionStep) {
	e.metrics.StepOutcomes.WithLabelValues(s.Capability, string(s.Status), string(s.ErrorKind)).Inc()
	if !s.StartedAt.IsZero() && !s.EndedAt.IsZero() {
		e.metrics.StepDuration.WithLabelValues(s.Capability, string(s.Status)).
			Observe(s.EndedAt.Sub(s.StartedAt).Seconds())
	}
}

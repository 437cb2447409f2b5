package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/capability"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/plan"
)

// runStep drives step i to a terminal state, retrying transient failures.
// It returns early, leaving the step non-terminal, when ctx is done; the
// caller then closes the run.
func (e *Engine) runStep(ctx context.Context, r *run, i int, inv capability.Invocation) {
	ps := r.plan.Steps[i]
	ctx, span := e.tracer.Start(ctx, "engine.step", trace.WithAttributes(
		attribute.Int("step.index", i),
		attribute.String("step.capability", ps.Capability),
		attribute.Bool("step.optional", ps.Optional),
	))
	defer func() {
		s := r.step(i)
		span.SetAttributes(
			attribute.String("step.status", string(s.Status)),
			attribute.Int("step.attempts", s.Attempts),
		)
		if s.ErrorKind != plan.KindNone {
			span.SetAttributes(attribute.String("step.error_kind", string(s.ErrorKind)))
			span.SetStatus(codes.Error, s.ErrorMessage())
		}
		span.End()
	}()
	log := logging.For(ctx, e.logger).With(zap.Int("step", i), zap.String("capability", ps.Capability))

	c, ok := e.reg.Get(ps.Capability)
	if !ok {
		e.finish(ctx, r, i, func(s *plan.ExecutionStep) error {
			if err := s.Transition(plan.StatusRunning, e.now()); err != nil {
				return err
			}
			s.Fail(plan.KindUnknownCapability, fmt.Errorf("%w: %q", ErrUnknownCapability, ps.Capability))
			return s.Transition(plan.StatusFailed, e.now())
		})
		log.Warn("step capability not registered")
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryBackoff
	bo.MaxInterval = e.cfg.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()

	for attempt := 1; ; attempt++ {
		if !e.apply(ctx, r, i, func(s *plan.ExecutionStep) error {
			s.Attempts = attempt
			return s.Transition(plan.StatusRunning, e.now())
		}) {
			return
		}

		inv.Attempt = attempt
		res, err := e.attempt(ctx, c, inv)
		if ctx.Err() != nil {
			return
		}

		if err == nil && res.Success {
			if res.Capability == "" {
				res.Capability = ps.Capability
			}
			e.finish(ctx, r, i, func(s *plan.ExecutionStep) error {
				s.Result = res
				return s.Transition(plan.StatusSucceeded, e.now())
			})
			log.Debug("step succeeded", zap.Int("attempts", attempt))
			return
		}
		if err == nil {
			err = res.Err
			if err == nil {
				err = ErrCapabilityFailed
			}
		}

		if errors.Is(err, ErrStepTimeout) || errors.Is(err, context.DeadlineExceeded) {
			if errors.Is(err, ErrStepTimeout) {
				e.metrics.StepTimeouts.WithLabelValues(ps.Capability, "step").Inc()
			}
			e.finish(ctx, r, i, failWith(plan.KindDeadline, err, e.now))
			log.Warn("step timed out", zap.Int("attempt", attempt), zap.Error(err))
			return
		}

		retryable := c.IsRetryable(err)
		if !retryable || attempt > e.cfg.MaxRetries {
			kind := plan.KindFatal
			if retryable {
				kind = plan.KindTransient
			}
			e.finish(ctx, r, i, failWith(kind, err, e.now))
			log.Warn("step failed", zap.Int("attempts", attempt), zap.String("kind", string(kind)), zap.Error(err))
			return
		}

		if !e.apply(ctx, r, i, func(s *plan.ExecutionStep) error {
			s.Fail(plan.KindTransient, err)
			if err := s.Transition(plan.StatusFailed, e.now()); err != nil {
				return err
			}
			return s.Transition(plan.StatusRetried, e.now())
		}) {
			return
		}
		e.metrics.StepRetries.WithLabelValues(ps.Capability).Inc()

		wait := bo.NextBackOff()
		log.Debug("retrying step", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func failWith(kind plan.ErrorKind, err error, now func() time.Time) func(*plan.ExecutionStep) error {
	return func(s *plan.ExecutionStep) error {
		s.Fail(kind, err)
		return s.Transition(plan.StatusFailed, now())
	}
}

// apply runs fn against step i and publishes the resulting transitions.
// It reports false when the run was already closed.
func (e *Engine) apply(ctx context.Context, r *run, i int, fn func(*plan.ExecutionStep) error) bool {
	evs, ok, err := r.update(i, fn)
	if err != nil {
		logging.For(ctx, e.logger).Error("invalid step transition", zap.Int("step", i), zap.Error(err))
	}
	e.publish(ctx, evs)
	return ok
}

// finish applies a terminal update and records its outcome.
func (e *Engine) finish(ctx context.Context, r *run, i int, fn func(*plan.ExecutionStep) error) {
	if e.apply(ctx, r, i, fn) {
		e.recordOutcome(r.step(i))
	}
}

type outcome struct {
	res capability.Result
	err error
}

// attempt makes one Execute call under the step timeout. The call runs in
// its own goroutine so a capability that ignores ctx cannot hold the engine;
// whatever it returns after the deadline is dropped.
func (e *Engine) attempt(ctx context.Context, c capability.Capability, inv capability.Invocation) (capability.Result, error) {
	actx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()

	ch := make(chan outcome, 1)
	e.metrics.StepsInFlight.Inc()
	go func() {
		defer e.metrics.StepsInFlight.Dec()
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("%w: %v", ErrCapabilityPanic, p)}
			}
		}()
		res, err := c.Execute(actx, inv)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return capability.Result{}, fmt.Errorf("%w: %w", ErrDeadlineExceeded, ctx.Err())
		}
		return capability.Result{}, fmt.Errorf("%w after %s", ErrStepTimeout, e.cfg.StepTimeout)
	}
}

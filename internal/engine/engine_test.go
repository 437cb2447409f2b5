package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agentd/internal/capability"
	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/plan"
	"github.com/fyrsmithlabs/agentd/internal/telemetry"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.MaxBackoff = 4 * time.Millisecond
	cfg.StepTimeout = time.Second
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

func newEngine(t *testing.T, reg *capability.Registry, cfg Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(reg, cfg, opts...)
	require.NoError(t, err)
	return e
}

func constant(name string, data any) *capability.Func {
	return capability.NewFunc(name, nil, func(context.Context, capability.Invocation) (any, error) {
		return data, nil
	})
}

func failing(name string, err error) *capability.Func {
	return capability.NewFunc(name, nil, func(context.Context, capability.Invocation) (any, error) {
		return nil, err
	})
}

// blocking ignores its context until the test ends.
func blocking(t *testing.T, name string) *capability.Func {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	return capability.NewFunc(name, nil, func(context.Context, capability.Invocation) (any, error) {
		<-release
		return "late", nil
	})
}

func mkPlan(strategy plan.Strategy, steps ...plan.Step) plan.Plan {
	return plan.Plan{
		ID:        "plan-1",
		SessionID: "sess-1",
		Request:   "do the thing",
		Strategy:  strategy,
		Steps:     steps,
	}
}

func step(name string) plan.Step { return plan.Step{Capability: name} }

func statuses(s plan.ExecutionStep) []plan.StepStatus {
	out := []plan.StepStatus{plan.StatusPending}
	for _, tr := range s.Transitions {
		out = append(out, tr.To)
	}
	return out
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 0
	_, err := New(capability.NewRegistry(), cfg)
	assert.Error(t, err)
}

func TestRun_EmptyPlan(t *testing.T) {
	e := newEngine(t, capability.NewRegistry(), testConfig())
	res := e.Run(context.Background(), mkPlan(plan.Single), plan.SessionContext{})
	assert.False(t, res.OverallSuccess)
	assert.Empty(t, res.Steps)
}

func TestRun_Single(t *testing.T) {
	reg := capability.NewRegistry()
	reg.MustRegister(constant("echo", "hello"))
	e := newEngine(t, reg, testConfig())

	res := e.Run(context.Background(), mkPlan(plan.Single, step("echo")), plan.SessionContext{})
	require.Len(t, res.Steps, 1)
	assert.True(t, res.OverallSuccess)
	assert.Equal(t, "hello", res.Steps[0].Result.Data)
	assert.Equal(t, "echo", res.Steps[0].Result.Capability)
	assert.Equal(t, 1, res.Steps[0].Attempts)
	assert.Equal(t, []plan.StepStatus{plan.StatusPending, plan.StatusRunning, plan.StatusSucceeded}, statuses(res.Steps[0]))
	assert.False(t, res.Steps[0].StartedAt.IsZero())
	assert.False(t, res.Steps[0].EndedAt.IsZero())
}

func TestRun_SequentialInputs(t *testing.T) {
	var seen capability.Invocation
	reg := capability.NewRegistry()
	reg.MustRegister(constant("search", "results"))
	reg.MustRegister(constant("weather", "sunny"))
	summarize := capability.NewFunc("summarize", nil, func(_ context.Context, inv capability.Invocation) (any, error) {
		seen = inv
		return "summary", nil
	})
	reg.MustRegister(summarize)
	e := newEngine(t, reg, testConfig())

	p := mkPlan(plan.Sequential,
		step("search"),
		step("weather"),
		plan.Step{Capability: "summarize", Bindings: []plan.Binding{{Name: "docs", From: "search"}}},
	)
	res := e.Run(context.Background(), p, plan.SessionContext{Memory: []string{"Q: earlier"}})

	require.True(t, res.OverallSuccess)
	assert.Equal(t, "results", seen.Inputs["docs"])
	assert.Equal(t, "results", seen.Inputs["search"])
	assert.Equal(t, "sunny", seen.Inputs["weather"])
	assert.Equal(t, "sunny", seen.Inputs[capability.PreviousKey])
	assert.Equal(t, []string{"Q: earlier"}, seen.Memory)
	assert.Equal(t, "do the thing", seen.Fragment)
	assert.Equal(t, "plan-1", seen.PlanID)
	assert.Equal(t, "sess-1", seen.SessionID)
	assert.Equal(t, 1, seen.Attempt)
}

func TestRun_SequentialHaltsOnRequiredFailure(t *testing.T) {
	reg := capability.NewRegistry()
	reg.MustRegister(constant("a", "A"))
	reg.MustRegister(failing("b", errors.New("bad input")))
	reg.MustRegister(constant("c", "C"))
	e := newEngine(t, reg, testConfig())

	res := e.Run(context.Background(), mkPlan(plan.Sequential, step("a"), step("b"), step("c")), plan.SessionContext{})

	assert.False(t, res.OverallSuccess)
	assert.Equal(t, plan.StatusSucceeded, res.Steps[0].Status)
	assert.Equal(t, plan.StatusFailed, res.Steps[1].Status)
	assert.Equal(t, plan.KindFatal, res.Steps[1].ErrorKind)
	assert.Equal(t, plan.StatusSkipped, res.Steps[2].Status)
	assert.Equal(t, plan.KindHalted, res.Steps[2].ErrorKind)
	assert.ErrorIs(t, res.Steps[2].Error, ErrHalted)
	assert.Equal(t, 0, res.Steps[2].Attempts)
}

func TestRun_SequentialOptionalFailureLeavesGap(t *testing.T) {
	reg := capability.NewRegistry()
	reg.MustRegister(failing("weather", errors.New("no station")))
	reg.MustRegister(constant("search", "S"))
	reg.MustRegister(constant("report", "R"))
	e := newEngine(t, reg, testConfig())

	p := mkPlan(plan.Sequential,
		plan.Step{Capability: "weather", Optional: true},
		step("search"),
		plan.Step{Capability: "report", Bindings: []plan.Binding{{Name: "weather", From: "weather"}}, Optional: true},
	)
	res := e.Run(context.Background(), p, plan.SessionContext{})

	assert.True(t, res.OverallSuccess)
	assert.Equal(t, plan.StatusFailed, res.Steps[0].Status)
	assert.Equal(t, plan.StatusSucceeded, res.Steps[1].Status)
	assert.Equal(t, plan.StatusSkipped, res.Steps[2].Status)
	assert.Equal(t, plan.KindUnmetDependency, res.Steps[2].ErrorKind)
	assert.ErrorIs(t, res.Steps[2].Error, ErrUnmetDependency)
}

func TestRun_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	flaky := capability.NewFunc("flaky-retry", nil, func(context.Context, capability.Invocation) (any, error) {
		if calls.Add(1) < 3 {
			return nil, capability.Transient(errors.New("upstream 503"))
		}
		return "finally", nil
	})
	reg := capability.NewRegistry()
	reg.MustRegister(flaky)
	rec := &events.Recorder{}
	e := newEngine(t, reg, testConfig(), WithSink(rec))

	retries := NewMetrics().StepRetries.WithLabelValues("flaky-retry")
	before := testutil.ToFloat64(retries)

	res := e.Run(context.Background(), mkPlan(plan.Single, step("flaky-retry")), plan.SessionContext{})

	require.True(t, res.OverallSuccess)
	s := res.Steps[0]
	assert.Equal(t, 3, s.Attempts)
	assert.Equal(t, []plan.StepStatus{
		plan.StatusPending,
		plan.StatusRunning, plan.StatusFailed, plan.StatusRetried,
		plan.StatusRunning, plan.StatusFailed, plan.StatusRetried,
		plan.StatusRunning, plan.StatusSucceeded,
	}, statuses(s))
	assert.Equal(t, float64(2), testutil.ToFloat64(retries)-before)

	evs := rec.ForStep(0)
	require.Len(t, evs, len(s.Transitions))
	for i, ev := range evs {
		assert.Equal(t, s.Transitions[i].To, ev.To)
		assert.Equal(t, "plan-1", ev.PlanID)
		assert.Equal(t, "sess-1", ev.SessionID)
	}
	assert.Equal(t, plan.KindTransient, evs[1].ErrorKind)
}

func TestRun_TransientBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	reg := capability.NewRegistry()
	reg.MustRegister(capability.NewFunc("down", nil, func(context.Context, capability.Invocation) (any, error) {
		calls.Add(1)
		return nil, capability.Transient(errors.New("rate limited"))
	}))
	cfg := testConfig()
	cfg.MaxRetries = 2
	e := newEngine(t, reg, cfg)

	res := e.Run(context.Background(), mkPlan(plan.Single, step("down")), plan.SessionContext{})

	s := res.Steps[0]
	assert.Equal(t, plan.StatusFailed, s.Status)
	assert.Equal(t, plan.KindTransient, s.ErrorKind)
	assert.Equal(t, 3, s.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.False(t, s.Result.Success)
	assert.Error(t, s.Result.Err)
}

func TestRun_FatalNotRetried(t *testing.T) {
	var calls atomic.Int32
	reg := capability.NewRegistry()
	reg.MustRegister(capability.NewFunc("strict", nil, func(context.Context, capability.Invocation) (any, error) {
		calls.Add(1)
		return nil, errors.New("invalid argument")
	}))
	e := newEngine(t, reg, testConfig())

	res := e.Run(context.Background(), mkPlan(plan.Single, step("strict")), plan.SessionContext{})
	assert.Equal(t, plan.KindFatal, res.Steps[0].ErrorKind)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []plan.StepStatus{plan.StatusPending, plan.StatusRunning, plan.StatusFailed}, statuses(res.Steps[0]))
}

func TestRun_UnsuccessfulResultWithoutError(t *testing.T) {
	reg := capability.NewRegistry()
	reg.MustRegister(&resultOnly{name: "quiet"})
	e := newEngine(t, reg, testConfig())

	res := e.Run(context.Background(), mkPlan(plan.Single, step("quiet")), plan.SessionContext{})
	assert.ErrorIs(t, res.Steps[0].Error, ErrCapabilityFailed)
	assert.Equal(t, plan.KindFatal, res.Steps[0].ErrorKind)
}

type resultOnly struct{ name string }

func (r *resultOnly) Name() string { return r.name }
func (r *resultOnly) CanHandle(string) bool { return true }
func (r *resultOnly) IsRetryable(error) bool { return false }
func (r *resultOnly) Dependencies() []string { return nil }
func (r *resultOnly) Execute(context.Context, capability.Invocation) (capability.Result, error) {
	return capability.Result{Success: false, Capability: r.name}, nil
}

func TestRun_PanicIsFatal(t *testing.T) {
	reg := capability.NewRegistry()
	reg.MustRegister(capability.NewFunc("boom", nil, func(context.Context, capability.Invocation) (any, error) {
		panic("nil map")
	}))
	e := newEngine(t, reg, testConfig())

	res := e.Run(context.Background(), mkPlan(plan.Single, step("boom")), plan.SessionContext{})
	assert.ErrorIs(t, res.Steps[0].Error, ErrCapabilityPanic)
	assert.Equal(t, plan.KindFatal, res.Steps[0].ErrorKind)
}

func TestRun_UnknownCapability(t *testing.T) {
	e := newEngine(t, capability.NewRegistry(), testConfig())

	res := e.Run(context.Background(), mkPlan(plan.Single, step("ghost")), plan.SessionContext{})
	assert.Equal(t, plan.StatusFailed, res.Steps[0].Status)
	assert.Equal(t, plan.KindUnknownCapability, res.Steps[0].ErrorKind)
	assert.ErrorIs(t, res.Steps[0].Error, ErrUnknownCapability)
}

// Cancellation is advisory: the capability below never looks at ctx, and the
// engine gives up on it without waiting.
func TestRun_StepTimeoutIsNotRetried(t *testing.T) {
	reg := capability.NewRegistry()
	slow := blocking(t, "slow")
	slow.Retryable = func(error) bool { return true }
	reg.MustRegister(slow)
	cfg := testConfig()
	cfg.StepTimeout = 20 * time.Millisecond
	e := newEngine(t, reg, cfg)

	start := time.Now()
	res := e.Run(context.Background(), mkPlan(plan.Single, step("slow")), plan.SessionContext{})

	assert.Less(t, time.Since(start), time.Second)
	s := res.Steps[0]
	assert.Equal(t, plan.StatusFailed, s.Status)
	assert.Equal(t, plan.KindDeadline, s.ErrorKind)
	assert.ErrorIs(t, s.Error, ErrStepTimeout)
	assert.Equal(t, 1, s.Attempts)
}

func TestRun_RequestDeadlineSequential(t *testing.T) {
	reg := capability.NewRegistry()
	reg.MustRegister(blocking(t, "stuck"))
	reg.MustRegister(constant("after", "A"))
	cfg := testConfig()
	cfg.RequestTimeout = 30 * time.Millisecond
	rec := &events.Recorder{}
	e := newEngine(t, reg, cfg, WithSink(rec))

	start := time.Now()
	res := e.Run(context.Background(), mkPlan(plan.Sequential, step("stuck"), step("after")), plan.SessionContext{})

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, plan.StatusFailed, res.Steps[0].Status)
	assert.Equal(t, plan.KindDeadline, res.Steps[0].ErrorKind)
	assert.ErrorIs(t, res.Steps[0].Error, ErrDeadlineExceeded)
	assert.Equal(t, plan.StatusSkipped, res.Steps[1].Status)
	assert.Equal(t, plan.KindDeadline, res.Steps[1].ErrorKind)

	last := rec.ForStep(0)
	require.NotEmpty(t, last)
	assert.Equal(t, plan.StatusFailed, last[len(last)-1].To)
}

func TestRun_RequestDeadlineParallelKeepsPartialResults(t *testing.T) {
	reg := capability.NewRegistry()
	reg.MustRegister(constant("fast", "F"))
	reg.MustRegister(blocking(t, "stuck"))
	cfg := testConfig()
	cfg.RequestTimeout = 40 * time.Millisecond
	e := newEngine(t, reg, cfg)

	start := time.Now()
	res := e.Run(context.Background(), mkPlan(plan.Parallel, step("fast"), step("stuck")), plan.SessionContext{})

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, res.OverallSuccess)
	assert.True(t, res.AnySucceeded())
	assert.Equal(t, plan.StatusSucceeded, res.Steps[0].Status)
	assert.Equal(t, plan.StatusFailed, res.Steps[1].Status)
	assert.Equal(t, plan.KindDeadline, res.Steps[1].ErrorKind)
}

func TestRun_ParentDeadlineWins(t *testing.T) {
	reg := capability.NewRegistry()
	reg.MustRegister(blocking(t, "stuck"))
	e := newEngine(t, reg, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	res := e.Run(ctx, mkPlan(plan.Single, step("stuck")), plan.SessionContext{})

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, plan.KindDeadline, res.Steps[0].ErrorKind)
}

func TestRun_ParallelRespectsConcurrencyBudget(t *testing.T) {
	var inFlight, peak atomic.Int32
	reg := capability.NewRegistry()
	var steps []plan.Step
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("worker-%d", i)
		reg.MustRegister(capability.NewFunc(name, nil, func(context.Context, capability.Invocation) (any, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return name, nil
		}))
		steps = append(steps, step(name))
	}
	cfg := testConfig()
	cfg.MaxConcurrency = 2
	e := newEngine(t, reg, cfg)

	res := e.Run(context.Background(), mkPlan(plan.Parallel, steps...), plan.SessionContext{})
	assert.True(t, res.OverallSuccess)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRun_ParallelDeclaredOrderUnderShuffledLatency(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 10; round++ {
		reg := capability.NewRegistry()
		var steps []plan.Step
		for i := 0; i < 5; i++ {
			name := fmt.Sprintf("cap-%d", i)
			delay := time.Duration(rng.Intn(15)) * time.Millisecond
			reg.MustRegister(capability.NewFunc(name, nil, func(context.Context, capability.Invocation) (any, error) {
				time.Sleep(delay)
				return name, nil
			}))
			steps = append(steps, step(name))
		}
		e := newEngine(t, reg, testConfig())

		res := e.Run(context.Background(), mkPlan(plan.Parallel, steps...), plan.SessionContext{})
		require.Len(t, res.Steps, 5)
		for i, s := range res.Steps {
			assert.Equal(t, i, s.Index)
			assert.Equal(t, fmt.Sprintf("cap-%d", i), s.Capability)
			assert.Equal(t, s.Capability, s.Result.Data)
		}
	}
}

func TestRun_EventsFollowTransitionGuard(t *testing.T) {
	reg := capability.NewRegistry()
	reg.MustRegister(constant("a", "A"))
	reg.MustRegister(failing("b", capability.Transient(errors.New("flaky"))))
	rec := &events.Recorder{}
	e := newEngine(t, reg, testConfig(), WithSink(rec))

	e.Run(context.Background(), mkPlan(plan.Parallel, step("a"), step("b")), plan.SessionContext{})

	byStep := map[int][]events.StepEvent{}
	for _, ev := range rec.Events() {
		byStep[ev.Step] = append(byStep[ev.Step], ev)
	}
	for idx, evs := range byStep {
		prev := plan.StatusPending
		for _, ev := range evs {
			assert.Equal(t, prev, ev.From, "step %d", idx)
			assert.True(t, plan.CanTransition(ev.From, ev.To), "step %d: %s -> %s", idx, ev.From, ev.To)
			prev = ev.To
		}
	}
}

func TestRun_Spans(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	reg := capability.NewRegistry()
	reg.MustRegister(constant("a", "A"))
	reg.MustRegister(failing("b", errors.New("nope")))
	e := newEngine(t, reg, testConfig(), WithTracer(tt.Tracer("engine-test")))

	e.Run(context.Background(), mkPlan(plan.Sequential, step("a"), step("b")), plan.SessionContext{})

	tt.AssertSpanExists(t, "engine.run")
	assert.Len(t, tt.SpansNamed("engine.step"), 2)

	var kinds []any
	for _, s := range tt.SpansNamed("engine.step") {
		for _, kv := range s.Attributes() {
			if kv.Key == "step.error_kind" {
				kinds = append(kinds, kv.Value.AsString())
			}
		}
	}
	assert.Equal(t, []any{"fatal"}, kinds)
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(configEngine(0, 0))
	assert.Equal(t, DefaultConfig().StepTimeout, cfg.StepTimeout)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.NoError(t, cfg.Validate())

	cfg = ConfigFrom(configEngine(5, 3))
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 3, cfg.MaxConcurrency)
}

func configEngine(retries, concurrency int) config.EngineConfig {
	return config.EngineConfig{MaxRetries: retries, MaxConcurrency: concurrency}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/agentd/internal/analyzer"
	"github.com/fyrsmithlabs/agentd/internal/capability"
	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/embeddings"
	"github.com/fyrsmithlabs/agentd/internal/engine"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/memory"
	"github.com/fyrsmithlabs/agentd/internal/plan"
	"github.com/fyrsmithlabs/agentd/internal/planstore"
	"github.com/fyrsmithlabs/agentd/internal/strategy"
	"github.com/fyrsmithlabs/agentd/internal/synth"
	"github.com/fyrsmithlabs/agentd/internal/telemetry"
)

// fixedAnalyzer returns the same seed for every request.
type fixedAnalyzer struct {
	seed plan.Seed
	err  error

	mu   sync.Mutex
	seen []plan.SessionContext
}

func (a *fixedAnalyzer) Analyze(_ context.Context, _ plan.Request, sc plan.SessionContext) (plan.Seed, error) {
	a.mu.Lock()
	a.seen = append(a.seen, sc)
	a.mu.Unlock()
	return a.seed, a.err
}

type fixture struct {
	reg    *capability.Registry
	mem    *memory.Store
	plans  planstore.Store
	engine engine.Config
	logger *logging.TestLogger
}

func newFixture() *fixture {
	cfg := engine.DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	cfg.StepTimeout = time.Second
	cfg.RequestTimeout = 5 * time.Second
	return &fixture{
		reg:    capability.NewRegistry(),
		mem:    memory.NewStore(memory.DefaultConfig(), embeddings.NewHash(0)),
		plans:  planstore.NewMemory(),
		engine: cfg,
		logger: logging.NewTestLogger(),
	}
}

func (f *fixture) coordinator(t *testing.T, a Analyzer, opts ...Option) *Coordinator {
	t.Helper()
	eng, err := engine.New(f.reg, f.engine)
	require.NoError(t, err)
	c, err := New(Deps{
		Analyzer: a,
		Planner:  strategy.New(f.reg),
		Engine:   eng,
		Synth:    synth.New(config.SynthConfig{Mode: synth.ModeConcat}),
		Memory:   f.mem,
		Plans:    f.plans,
	}, DefaultConfig(), append([]Option{WithLogger(f.logger.Zap())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func constant(name string, data any) *capability.Func {
	return capability.NewFunc(name, nil, func(context.Context, capability.Invocation) (any, error) {
		return data, nil
	})
}

func ask(sessionID, text string) plan.Request {
	return plan.Request{SessionID: sessionID, Text: text}
}

func TestNew_RequiresStages(t *testing.T) {
	_, err := New(Deps{}, DefaultConfig())
	require.ErrorIs(t, err, ErrMissingDependency)
	assert.Contains(t, err.Error(), "analyzer")
	assert.Contains(t, err.Error(), "memory")
}

// A simple single-capability request succeeds and leaves one short-term memory.
func TestHandle_SimpleSuccessRecordsMemory(t *testing.T) {
	f := newFixture()
	f.reg.MustRegister(constant("echo", "hello back"))
	c := f.coordinator(t, &fixedAnalyzer{seed: plan.Seed{
		Complexity: plan.Simple, Confidence: 0.9, Capabilities: []string{"echo"},
	}})

	resp := c.Handle(context.Background(), ask("s1", "say hello"))

	require.True(t, resp.Success)
	assert.Equal(t, synth.StatusSuccess, resp.Status)
	assert.Equal(t, plan.Single, resp.Strategy)
	assert.Equal(t, "hello back", resp.Content)
	assert.NotEmpty(t, resp.RequestID)

	entries := f.mem.Entries("s1")
	require.Len(t, entries, 1)
	assert.Equal(t, memory.TierShort, entries[0].Tier)
	assert.Equal(t, "Q: say hello\nA: hello back", entries[0].Content)
}

// A fatal research failure skips the dependent summary and the response is
// partial because an earlier step produced output.
func TestHandle_SequentialFatalFailureIsPartial(t *testing.T) {
	f := newFixture()
	f.reg.MustRegister(constant("outline", "1. intro"))
	f.reg.MustRegister(capability.NewFunc("research", nil, func(context.Context, capability.Invocation) (any, error) {
		return nil, errors.New("source unreachable")
	}))
	summarize := constant("summarize", "summary")
	summarize.DependsOn = []string{"research"}
	f.reg.MustRegister(summarize)

	c := f.coordinator(t, &fixedAnalyzer{seed: plan.Seed{
		Complexity: plan.Complex, Confidence: 0.7, Capabilities: []string{"outline", "research", "summarize"},
	}})

	resp := c.Handle(context.Background(), ask("s1", "research and summarize go generics"))

	assert.Equal(t, plan.Sequential, resp.Strategy)
	assert.Equal(t, synth.StatusPartial, resp.Status)
	assert.True(t, resp.Partial)
	assert.Equal(t, "1. intro", resp.Answer())
	require.Len(t, resp.Notes, 2)
	assert.Contains(t, resp.Notes[0], "research: failed (fatal)")
	assert.Contains(t, resp.Notes[1], "summarize: skipped")

	hist := c.History("s1")
	require.Len(t, hist, 1)
	steps := hist[0].Result.Steps
	assert.Equal(t, plan.StatusSkipped, steps[2].Status)
	assert.Len(t, f.mem.Entries("s1"), 1)
}

// With nothing succeeding the response is a structured failure and memory
// stays untouched.
func TestHandle_TotalFailureRecordsNothing(t *testing.T) {
	f := newFixture()
	f.reg.MustRegister(capability.NewFunc("research", nil, func(context.Context, capability.Invocation) (any, error) {
		return nil, errors.New("source unreachable")
	}))
	summarize := constant("summarize", "summary")
	summarize.DependsOn = []string{"research"}
	f.reg.MustRegister(summarize)

	c := f.coordinator(t, &fixedAnalyzer{seed: plan.Seed{
		Complexity: plan.Complex, Confidence: 0.7, Capabilities: []string{"research", "summarize"},
	}})

	resp := c.Handle(context.Background(), ask("s1", "research and summarize"))

	assert.Equal(t, plan.Sequential, resp.Strategy)
	assert.Equal(t, synth.StatusFailed, resp.Status)
	require.NotNil(t, resp.Failure)
	assert.Equal(t, synth.FailureTotalPlan, resp.Failure.Kind)
	assert.Empty(t, resp.Content)
	assert.Empty(t, f.mem.Entries("s1"))
	assert.Equal(t, 1, c.Insights("s1").Counters.Failed)
}

// Three independent capabilities run in parallel; the one still running at
// the request deadline fails and the other two are still combined.
func TestHandle_ParallelDeadlineKeepsOtherOutputs(t *testing.T) {
	f := newFixture()
	f.engine.RequestTimeout = 80 * time.Millisecond
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	f.reg.MustRegister(constant("weather", "sunny"))
	f.reg.MustRegister(capability.NewFunc("traffic", nil, func(context.Context, capability.Invocation) (any, error) {
		<-release
		return "late", nil
	}))
	f.reg.MustRegister(constant("news", "quiet day"))

	c := f.coordinator(t, &fixedAnalyzer{seed: plan.Seed{
		Complexity: plan.Moderate, Confidence: 0.8, Capabilities: []string{"weather", "traffic", "news"},
	}})

	start := time.Now()
	resp := c.Handle(context.Background(), ask("s1", "weather, traffic and news"))
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, plan.Parallel, resp.Strategy)
	assert.Equal(t, synth.StatusPartial, resp.Status)
	require.Len(t, resp.Sections, 2)
	assert.Equal(t, "weather", resp.Sections[0].Capability)
	assert.Equal(t, "news", resp.Sections[1].Capability)
	assert.Contains(t, resp.Content, "sunny")
	assert.Contains(t, resp.Content, "quiet day")

	steps := c.History("s1")[0].Result.Steps
	assert.Equal(t, plan.StatusFailed, steps[1].Status)
	assert.Equal(t, plan.KindDeadline, steps[1].ErrorKind)
}

func TestHandle_InvalidRequest(t *testing.T) {
	f := newFixture()
	c := f.coordinator(t, &fixedAnalyzer{})

	tests := []struct {
		name string
		req  plan.Request
	}{
		{"empty text", ask("s1", "   ")},
		{"empty session", ask("", "hello")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := c.Handle(context.Background(), tt.req)
			assert.Equal(t, synth.StatusFailed, resp.Status)
			require.NotNil(t, resp.Failure)
			assert.Equal(t, synth.FailureInvalidRequest, resp.Failure.Kind)
		})
	}
	assert.Empty(t, c.Sessions())
}

func TestHandle_AnalyzerErrorIsFailedResponse(t *testing.T) {
	f := newFixture()
	c := f.coordinator(t, &fixedAnalyzer{err: analyzer.ErrNoCapabilities})

	resp := c.Handle(context.Background(), ask("s1", "anything"))

	assert.Equal(t, synth.StatusFailed, resp.Status)
	assert.Equal(t, synth.FailureTotalPlan, resp.Failure.Kind)
	assert.Contains(t, resp.Failure.Message, "no capabilities")
	f.logger.AssertLogged(t, zapcore.WarnLevel, "analysis failed")
}

func TestHandle_MemoryReachesLaterRequests(t *testing.T) {
	f := newFixture()
	var seen atomic.Value
	f.reg.MustRegister(capability.NewFunc("recall", nil, func(_ context.Context, inv capability.Invocation) (any, error) {
		seen.Store(inv.Memory)
		return "noted: " + inv.Fragment, nil
	}))
	a := &fixedAnalyzer{seed: plan.Seed{Complexity: plan.Simple, Confidence: 0.9, Capabilities: []string{"recall"}}}
	c := f.coordinator(t, a)

	c.Handle(context.Background(), ask("s1", "my favourite colour is green"))
	resp := c.Handle(context.Background(), ask("s1", "what is my favourite colour"))

	require.True(t, resp.Success)
	mem, _ := seen.Load().([]string)
	require.NotEmpty(t, mem)
	assert.Contains(t, mem[0], "green")
	assert.Len(t, a.seen[1].MemoryIDs, len(a.seen[1].Memory))
	assert.Len(t, f.mem.Entries("s1"), 2)

	// Sessions do not share memory.
	c.Handle(context.Background(), ask("s2", "what is my favourite colour"))
	mem, _ = seen.Load().([]string)
	assert.Empty(t, mem)
}

func TestHandle_PersistsPlanRecords(t *testing.T) {
	f := newFixture()
	f.reg.MustRegister(constant("echo", "ok"))
	c := f.coordinator(t, &fixedAnalyzer{seed: plan.Seed{Complexity: plan.Simple, Confidence: 0.9, Capabilities: []string{"echo"}}})

	first := c.Handle(context.Background(), ask("s1", "one"))
	second := c.Handle(context.Background(), ask("s1", "two"))

	recs, err := c.Plans(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	ids := []string{recs[0].PlanID, recs[1].PlanID}
	assert.ElementsMatch(t, []string{first.PlanID, second.PlanID}, ids)
	assert.Equal(t, []string{"echo"}, recs[0].Capabilities)
	assert.True(t, recs[0].OverallSuccess)
}

func TestPlans_FallsBackToHistory(t *testing.T) {
	f := newFixture()
	f.reg.MustRegister(constant("echo", "ok"))
	eng, err := engine.New(f.reg, f.engine)
	require.NoError(t, err)
	c, err := New(Deps{
		Analyzer: &fixedAnalyzer{seed: plan.Seed{Complexity: plan.Simple, Confidence: 0.9, Capabilities: []string{"echo"}}},
		Planner:  strategy.New(f.reg),
		Engine:   eng,
		Synth:    synth.New(config.SynthConfig{}),
		Memory:   f.mem,
	}, DefaultConfig())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		c.Handle(context.Background(), ask("s1", fmt.Sprintf("q%d", i)))
	}
	recs, err := c.Plans(context.Background(), "s1", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "q2", recs[0].Request)
	assert.Equal(t, "q1", recs[1].Request)
	assert.NoError(t, c.Close())
}

func TestHistory_BoundedRing(t *testing.T) {
	f := newFixture()
	f.reg.MustRegister(constant("echo", "ok"))
	eng, err := engine.New(f.reg, f.engine)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.HistorySize = 3
	c, err := New(Deps{
		Analyzer: &fixedAnalyzer{seed: plan.Seed{Complexity: plan.Simple, Confidence: 0.9, Capabilities: []string{"echo"}}},
		Planner:  strategy.New(f.reg),
		Engine:   eng,
		Synth:    synth.New(config.SynthConfig{}),
		Memory:   f.mem,
	}, cfg)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		c.Handle(context.Background(), ask("s1", fmt.Sprintf("q%d", i)))
	}
	hist := c.History("s1")
	require.Len(t, hist, 3)
	assert.Equal(t, "q2", hist[0].Plan.Request)
	assert.Equal(t, "q4", hist[2].Plan.Request)
	assert.Equal(t, 5, c.Insights("s1").Counters.Requests)
}

func TestHandle_SameSessionSerialized(t *testing.T) {
	f := newFixture()
	var inFlight, peak atomic.Int32
	f.reg.MustRegister(capability.NewFunc("slow", nil, func(context.Context, capability.Invocation) (any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return "done", nil
	}))
	c := f.coordinator(t, &fixedAnalyzer{seed: plan.Seed{Complexity: plan.Simple, Confidence: 0.9, Capabilities: []string{"slow"}}})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Handle(context.Background(), ask("s1", fmt.Sprintf("q%d", i)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	assert.Len(t, c.History("s1"), 5)
}

func TestHandle_DifferentSessionsRunConcurrently(t *testing.T) {
	f := newFixture()
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	f.reg.MustRegister(capability.NewFunc("wait", nil, func(context.Context, capability.Invocation) (any, error) {
		entered <- struct{}{}
		<-release
		return "ok", nil
	}))
	c := f.coordinator(t, &fixedAnalyzer{seed: plan.Seed{Complexity: plan.Simple, Confidence: 0.9, Capabilities: []string{"wait"}}})

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			c.Handle(context.Background(), ask(id, "go"))
		}(id)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatal("sessions did not run concurrently")
		}
	}
	close(release)
	wg.Wait()
	assert.Equal(t, []string{"a", "b"}, c.Sessions())
}

func TestClear(t *testing.T) {
	f := newFixture()
	f.reg.MustRegister(constant("echo", "ok"))
	c := f.coordinator(t, &fixedAnalyzer{seed: plan.Seed{Complexity: plan.Simple, Confidence: 0.9, Capabilities: []string{"echo"}}})

	c.Handle(context.Background(), ask("s1", "remember this"))
	c.Handle(context.Background(), ask("s2", "and this"))
	require.True(t, c.Insights("s1").Exists)

	c.Clear(context.Background(), "s1")

	in := c.Insights("s1")
	assert.False(t, in.Exists)
	assert.Zero(t, in.Memory.ShortTermCount)
	assert.Empty(t, c.History("s1"))
	recs, err := c.Plans(context.Background(), "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, []string{"s2"}, c.Sessions())
	f.logger.AssertField(t, "session cleared", "session.id", "s1")
}

// A request queued behind Clear must not run on the dropped session while a
// newer request for the same ID runs on its replacement.
func TestClear_QueuedRequestMovesToCurrentSession(t *testing.T) {
	for iter := 0; iter < 5; iter++ {
		f := newFixture()
		var calls, inFlight, peak atomic.Int32
		entered := make(chan struct{})
		release := make(chan struct{})
		f.reg.MustRegister(capability.NewFunc("work", nil, func(context.Context, capability.Invocation) (any, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			if calls.Add(1) == 1 {
				close(entered)
				<-release
			} else {
				time.Sleep(20 * time.Millisecond)
			}
			return "done", nil
		}))
		c := f.coordinator(t, &fixedAnalyzer{seed: plan.Seed{Complexity: plan.Simple, Confidence: 0.9, Capabilities: []string{"work"}}})
		ctx := context.Background()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Handle(ctx, ask("s1", "first"))
		}()
		<-entered

		cleared := make(chan struct{})
		go func() {
			c.Clear(ctx, "s1")
			close(cleared)
		}()
		time.Sleep(10 * time.Millisecond)

		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Handle(ctx, ask("s1", "second"))
		}()
		time.Sleep(10 * time.Millisecond)

		close(release)
		<-cleared
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Handle(ctx, ask("s1", "third"))
		}()
		wg.Wait()

		assert.Equal(t, int32(1), peak.Load(), "iteration %d", iter)
		hist := c.History("s1")
		assert.NotEmpty(t, hist, "iteration %d", iter)
		assert.Len(t, f.mem.Entries("s1"), len(hist), "iteration %d", iter)
	}
}

// A session that becomes active after Sweep picked it keeps its state.
func TestSweep_SkipsSessionActiveAgain(t *testing.T) {
	f := newFixture()
	f.reg.MustRegister(constant("echo", "ok"))
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c := f.coordinator(t, &fixedAnalyzer{seed: plan.Seed{Complexity: plan.Simple, Confidence: 0.9, Capabilities: []string{"echo"}}},
		WithClock(clock))
	ctx := context.Background()

	c.Handle(ctx, ask("s1", "hi"))
	mu.Lock()
	now = now.Add(49 * time.Hour)
	mu.Unlock()

	cutoff := clock().Add(-c.cfg.IdleTimeout)
	s, ok := c.lookup("s1")
	require.True(t, ok)
	require.True(t, s.idleSince(cutoff))

	c.Handle(ctx, ask("s1", "back again"))

	assert.False(t, c.clearIfIdle(ctx, s, cutoff))
	assert.Equal(t, []string{"s1"}, c.Sessions())
	assert.Len(t, f.mem.Entries("s1"), 2)
	assert.Len(t, c.History("s1"), 2)
}

func TestSweep_ClearsIdleSessions(t *testing.T) {
	f := newFixture()
	f.reg.MustRegister(constant("echo", "ok"))
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	c := f.coordinator(t, &fixedAnalyzer{seed: plan.Seed{Complexity: plan.Simple, Confidence: 0.9, Capabilities: []string{"echo"}}},
		WithClock(clock))

	c.Handle(context.Background(), ask("old", "hi"))
	advance(47 * time.Hour)
	c.Handle(context.Background(), ask("fresh", "hi"))
	advance(2 * time.Hour)

	assert.Equal(t, 1, c.Sweep(context.Background()))
	assert.Equal(t, []string{"fresh"}, c.Sessions())
}

func TestHandle_SpanAndLogs(t *testing.T) {
	f := newFixture()
	f.reg.MustRegister(constant("echo", "ok"))
	tt := telemetry.NewTestTelemetry()
	c := f.coordinator(t, &fixedAnalyzer{seed: plan.Seed{Complexity: plan.Simple, Confidence: 0.9, Capabilities: []string{"echo"}}},
		WithTracer(tt.Tracer("test")))

	resp := c.Handle(context.Background(), ask("s1", "hi"))

	tt.AssertSpanExists(t, "session.handle")
	status, ok := tt.SpanAttribute("session.handle", "response.status")
	require.True(t, ok)
	assert.Equal(t, "success", status)
	f.logger.AssertField(t, "request handled", "session.id", "s1")
	f.logger.AssertField(t, "request handled", "plan.id", resp.PlanID)
}

// The full pipeline with the heuristic analyzer picks capabilities from the
// request text and answers without an LLM.
func TestHandle_WithHeuristicAnalyzer(t *testing.T) {
	f := newFixture()
	f.reg.MustRegister(capability.NewFunc("translate", []string{"translate"}, func(_ context.Context, inv capability.Invocation) (any, error) {
		return "hola", nil
	}))
	f.reg.MustRegister(capability.NewFunc("summarize", []string{"summarize", "summary"}, func(_ context.Context, inv capability.Invocation) (any, error) {
		return "short", nil
	}))
	a := analyzer.New(f.reg, config.AnalyzerConfig{MinConfidence: 0.3, DefaultCapability: "summarize"})
	c := f.coordinator(t, a)

	resp := c.Handle(context.Background(), ask("s1", "translate hello"))
	require.True(t, resp.Success)
	assert.Equal(t, "hola", resp.Content)

	resp = c.Handle(context.Background(), ask("s1", "tell me something"))
	require.Equal(t, synth.StatusSuccess, resp.Status)
	assert.True(t, strings.HasPrefix(resp.Content, "short"))
}

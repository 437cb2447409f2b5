package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/memory"
	"github.com/fyrsmithlabs/agentd/internal/plan"
	"github.com/fyrsmithlabs/agentd/internal/planstore"
	"github.com/fyrsmithlabs/agentd/internal/synth"
)

const instrumentationName = "github.com/fyrsmithlabs/agentd/internal/session"

var (
	// ErrMissingDependency is returned by New when a required stage is nil.
	ErrMissingDependency = errors.New("missing coordinator dependency")

	// ErrUnknownSession is returned for operations on sessions never seen.
	ErrUnknownSession = errors.New("unknown session")
)

// Analyzer classifies a request.
type Analyzer interface {
	Analyze(ctx context.Context, req plan.Request, sc plan.SessionContext) (plan.Seed, error)
}

// Planner turns a seed into a plan.
type Planner interface {
	Plan(seed plan.Seed, req plan.Request) plan.Plan
}

// Runner executes a plan.
type Runner interface {
	Run(ctx context.Context, p plan.Plan, sc plan.SessionContext) plan.ExecutionResult
}

// Combiner builds a response from a run.
type Combiner interface {
	Combine(ctx context.Context, p plan.Plan, res plan.ExecutionResult, mem []memory.Entry) synth.Response
}

// Deps are the pipeline stages. Plans is optional.
type Deps struct {
	Analyzer Analyzer
	Planner  Planner
	Engine   Runner
	Synth    Combiner
	Memory   *memory.Store
	Plans    planstore.Store
}

// Coordinator is the request entry point.
type Coordinator struct {
	deps    Deps
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *Metrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id string

	// run serializes Handle for this session.
	run sync.Mutex

	// mu guards the fields below.
	mu           sync.Mutex
	createdAt    time.Time
	lastActiveAt time.Time
	history      *ring
	counters     Counters
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l.Named("session")
		}
	}
}

// WithTracer sets the tracer for session spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator.
func New(deps Deps, cfg Config, opts ...Option) (*Coordinator, error) {
	var missing []string
	if deps.Analyzer == nil {
		missing = append(missing, "analyzer")
	}
	if deps.Planner == nil {
		missing = append(missing, "planner")
	}
	if deps.Engine == nil {
		missing = append(missing, "engine")
	}
	if deps.Synth == nil {
		missing = append(missing, "synth")
	}
	if deps.Memory == nil {
		missing = append(missing, "memory")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingDependency, strings.Join(missing, ", "))
	}

	c := &Coordinator{
		deps:     deps,
		cfg:      cfg,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(instrumentationName),
		metrics:  NewMetrics(),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Handle answers one request. It never returns an error: invalid requests
// and failed plans come back as failed responses.
func (c *Coordinator) Handle(ctx context.Context, req plan.Request) synth.Response {
	started := c.now()
	req.Text = strings.TrimSpace(req.Text)
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Hint = strings.TrimSpace(req.Hint)
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = started
	}

	ctx = logging.WithSessionID(ctx, req.SessionID)
	ctx = logging.WithRequestID(ctx, req.ID)
	ctx, span := c.tracer.Start(ctx, "session.handle", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("request.id", req.ID),
	))
	defer span.End()
	log := logging.For(ctx, c.logger)

	resp := c.handle(ctx, req)

	span.SetAttributes(
		attribute.String("response.status", string(resp.Status)),
		attribute.String("plan.id", resp.PlanID),
	)
	if resp.Status == synth.StatusFailed {
		span.SetStatus(codes.Error, string(resp.Failure.Kind))
	}
	c.metrics.Requests.WithLabelValues(string(resp.Status)).Inc()
	c.metrics.RequestDuration.WithLabelValues(string(resp.Status)).Observe(c.now().Sub(started).Seconds())
	log.Info("request handled",
		zap.String("status", string(resp.Status)),
		zap.String("plan.id", resp.PlanID),
		zap.String("strategy", string(resp.Strategy)),
		zap.Int("notes", len(resp.Notes)),
		zap.Duration("duration", c.now().Sub(started)),
	)
	return resp
}

func (c *Coordinator) handle(ctx context.Context, req plan.Request) synth.Response {
	log := logging.For(ctx, c.logger)

	switch {
	case req.SessionID == "":
		return synth.InvalidRequest(req, "session id is empty")
	case req.Text == "":
		return synth.InvalidRequest(req, "request text is empty")
	}

	s := c.acquire(req.SessionID)
	defer s.run.Unlock()
	s.touch(c.now())

	mem, err := c.deps.Memory.Retrieve(ctx, req.SessionID, req.Text, memory.Query{
		MaxEntries:  c.cfg.RetrieveMaxEntries,
		TokenBudget: c.cfg.RetrieveTokenBudget,
	})
	if err != nil {
		log.Warn("memory retrieval failed", zap.Error(err))
		mem = nil
	}
	sc := plan.SessionContext{SessionID: req.SessionID}
	for _, e := range mem {
		sc.Memory = append(sc.Memory, e.Content)
		sc.MemoryIDs = append(sc.MemoryIDs, e.ID)
	}

	seed, err := c.deps.Analyzer.Analyze(ctx, req, sc)
	if err != nil {
		log.Warn("analysis failed", zap.Error(err))
		resp := synth.Response{
			SessionID: req.SessionID,
			RequestID: req.ID,
			Status:    synth.StatusFailed,
			Failure:   &synth.Failure{Kind: synth.FailureTotalPlan, Message: err.Error()},
		}
		s.finish(HistoryItem{Status: resp.Status, At: c.now()}, false)
		return resp
	}

	p := c.deps.Planner.Plan(seed, req)
	ctx = logging.WithPlanID(ctx, p.ID)
	res := c.deps.Engine.Run(ctx, p, sc)
	resp := c.deps.Synth.Combine(ctx, p, res, mem)

	if resp.Status != synth.StatusFailed {
		answer := resp.Answer()
		if answer == "" {
			answer = resp.Content
		}
		if _, err := c.deps.Memory.Record(ctx, req.SessionID, "Q: "+req.Text+"\nA: "+answer); err != nil {
			log.Warn("memory record failed", zap.Error(err))
		}
	}

	s.finish(HistoryItem{Plan: p, Result: res, Status: resp.Status, At: c.now()}, true)

	if c.deps.Plans != nil {
		if err := c.deps.Plans.Save(ctx, plan.NewRecord(p, res)); err != nil {
			c.metrics.PersistErrors.Inc()
			log.Warn("plan record not persisted", zap.Error(err))
		}
	}
	return resp
}

// session returns the session for id, creating it on first use.
func (c *Coordinator) session(id string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		now := c.now()
		s = &session{id: id, createdAt: now, lastActiveAt: now, history: newRing(c.cfg.HistorySize)}
		c.sessions[id] = s
		c.metrics.ActiveSessions.Set(float64(len(c.sessions)))
	}
	return s
}

// acquire returns the current session for id with its run lock held. A
// session cleared while the caller waited for the lock is skipped, so two
// requests never run against the same memory under different locks.
func (c *Coordinator) acquire(id string) *session {
	for {
		s := c.session(id)
		s.run.Lock()
		if cur, ok := c.lookup(id); ok && cur == s {
			return s
		}
		s.run.Unlock()
	}
}

func (c *Coordinator) lookup(id string) (*session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

func (s *session) touch(at time.Time) {
	s.mu.Lock()
	s.lastActiveAt = at
	s.mu.Unlock()
}

func (s *session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveAt.Before(cutoff)
}

func (s *session) finish(it HistoryItem, keep bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.add(it.Status)
	s.lastActiveAt = it.At
	if keep {
		s.history.push(it)
	}
}

// History returns the session's handled plans, oldest first.
func (c *Coordinator) History(sessionID string) []HistoryItem {
	s, ok := c.lookup(sessionID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.list()
}

// Insights summarizes a session. Unknown sessions report Exists=false.
func (c *Coordinator) Insights(sessionID string) Insights {
	in := Insights{
		SessionID:      sessionID,
		Memory:         c.deps.Memory.Stats(sessionID),
		ActiveSessions: c.deps.Memory.ActiveSessions(),
	}
	if s, ok := c.lookup(sessionID); ok {
		s.mu.Lock()
		in.Exists = true
		in.CreatedAt = s.createdAt
		in.LastActiveAt = s.lastActiveAt
		in.Counters = s.counters
		s.mu.Unlock()
	}
	return in
}

// Plans returns up to limit persisted records for the session, newest first.
// Without a plan store it falls back to the in-memory history.
func (c *Coordinator) Plans(ctx context.Context, sessionID string, limit int) ([]plan.Record, error) {
	if c.deps.Plans != nil {
		return c.deps.Plans.ListBySession(ctx, sessionID, limit)
	}
	hist := c.History(sessionID)
	var out []plan.Record
	for i := len(hist) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, plan.NewRecord(hist[i].Plan, hist[i].Result))
	}
	return out, nil
}

// Clear drops the session, its memory and its persisted plans. It waits for
// an in-flight request of that session to finish.
func (c *Coordinator) Clear(ctx context.Context, sessionID string) {
	s := c.acquire(sessionID)
	defer s.run.Unlock()
	c.clearLocked(ctx, s)
}

// clearLocked removes s and its stored state. The caller holds s.run.
func (c *Coordinator) clearLocked(ctx context.Context, s *session) {
	c.mu.Lock()
	if c.sessions[s.id] == s {
		delete(c.sessions, s.id)
	}
	c.metrics.ActiveSessions.Set(float64(len(c.sessions)))
	c.mu.Unlock()

	c.deps.Memory.Clear(ctx, s.id)
	if c.deps.Plans != nil {
		if err := c.deps.Plans.DeleteSession(ctx, s.id); err != nil {
			logging.For(ctx, c.logger).Warn("plan records not deleted",
				zap.String("session.id", s.id), zap.Error(err))
		}
	}
	logging.For(ctx, c.logger).Info("session cleared", zap.String("session.id", s.id))
}

// Sessions returns the known session IDs, sorted.
func (c *Coordinator) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sweep expires memory past retention and clears sessions idle longer than
// the idle timeout. It returns the number of sessions cleared.
func (c *Coordinator) Sweep(ctx context.Context) int {
	expired := c.deps.Memory.Sweep(ctx)

	cutoff := c.now().Add(-c.cfg.IdleTimeout)
	var candidates []*session
	c.mu.Lock()
	for _, s := range c.sessions {
		if s.idleSince(cutoff) {
			candidates = append(candidates, s)
		}
	}
	c.mu.Unlock()

	cleared := 0
	for _, s := range candidates {
		if c.clearIfIdle(ctx, s, cutoff) {
			cleared++
		}
	}
	if expired > 0 || cleared > 0 {
		logging.For(ctx, c.logger).Info("session sweep",
			zap.Int("memory_entries_expired", expired), zap.Int("sessions_cleared", cleared))
	}
	return cleared
}

// clearIfIdle clears s when it is still current and still idle once its run
// lock is held. A request that ran in between keeps the session alive.
func (c *Coordinator) clearIfIdle(ctx context.Context, s *session, cutoff time.Time) bool {
	s.run.Lock()
	defer s.run.Unlock()
	if cur, ok := c.lookup(s.id); !ok || cur != s || !s.idleSince(cutoff) {
		return false
	}
	c.clearLocked(ctx, s)
	return true
}

// Close releases the plan store.
func (c *Coordinator) Close() error {
	if c.deps.Plans == nil {
		return nil
	}
	return c.deps.Plans.Close()
}

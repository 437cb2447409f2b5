package engine

import (
	"sync"
	"time"

	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/plan"
)

// run is the shared state of one plan execution. Workers and the deadline
// path mutate steps only through update, and nothing changes after close.
type run struct {
	mu     sync.Mutex
	plan   plan.Plan
	steps  []plan.ExecutionStep
	closed bool
}

func newRun(p plan.Plan) *run {
	return &run{plan: p, steps: plan.NewExecutionSteps(p)}
}

// update applies fn to step i unless the run is closed, returning the events
// for every transition fn recorded and whether fn ran.
func (r *run) update(i int, fn func(s *plan.ExecutionStep) error) ([]events.StepEvent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, nil
	}
	s := &r.steps[i]
	before := len(s.Transitions)
	err := fn(s)
	return r.eventsSince(s, before), true, err
}

// close stops further updates. Every step still in flight or pending is cut
// off with kind and err: started steps fail, unstarted steps are skipped.
func (r *run) close(at time.Time, kind plan.ErrorKind, err error) ([]events.StepEvent, []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil
	}
	r.closed = true

	var evs []events.StepEvent
	var cut []int
	for i := range r.steps {
		s := &r.steps[i]
		if s.Status.IsTerminal() {
			continue
		}
		before := len(s.Transitions)
		switch s.Status {
		case plan.StatusPending:
			_ = s.Transition(plan.StatusSkipped, at)
		case plan.StatusRetried:
			_ = s.Transition(plan.StatusRunning, at)
			_ = s.Transition(plan.StatusFailed, at)
		case plan.StatusRunning:
			_ = s.Transition(plan.StatusFailed, at)
		}
		s.Fail(kind, err)
		evs = append(evs, r.eventsSince(s, before)...)
		cut = append(cut, i)
	}
	return evs, cut
}

// snapshot copies the step state.
func (r *run) snapshot() []plan.ExecutionStep {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]plan.ExecutionStep, len(r.steps))
	for i, s := range r.steps {
		s.Transitions = append([]plan.Transition(nil), s.Transitions...)
		out[i] = s
	}
	return out
}

// step returns a copy of step i.
func (r *run) step(i int) plan.ExecutionStep {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.steps[i]
}

func (r *run) eventsSince(s *plan.ExecutionStep, before int) []events.StepEvent {
	var evs []events.StepEvent
	for _, t := range s.Transitions[before:] {
		ev := events.StepEvent{
			SessionID:  r.plan.SessionID,
			PlanID:     r.plan.ID,
			Step:       s.Index,
			Capability: s.Capability,
			From:       t.From,
			To:         t.To,
			Attempt:    s.Attempts,
			At:         t.At,
		}
		if t.To == plan.StatusFailed || t.To == plan.StatusSkipped {
			ev.ErrorKind = s.ErrorKind
			ev.Error = s.ErrorMessage()
		}
		evs = append(evs, ev)
	}
	return evs
}

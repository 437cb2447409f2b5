package plan

import "time"

// ExecutionResult is the outcome of running a plan. Steps are in declared order.
type ExecutionResult struct {
	PlanID         string
	Strategy       Strategy
	Steps          []ExecutionStep
	OverallSuccess bool
	StartedAt      time.Time
	EndedAt        time.Time
}

// Succeeded returns the steps that succeeded, in declared order.
func (r ExecutionResult) Succeeded() []ExecutionStep {
	var out []ExecutionStep
	for _, s := range r.Steps {
		if s.Status == StatusSucceeded {
			out = append(out, s)
		}
	}
	return out
}

// Failed returns every step that did not succeed, in declared order.
func (r ExecutionResult) Failed() []ExecutionStep {
	var out []ExecutionStep
	for _, s := range r.Steps {
		if s.Status != StatusSucceeded {
			out = append(out, s)
		}
	}
	return out
}

// AnySucceeded reports whether at least one step succeeded.
func (r ExecutionResult) AnySucceeded() bool {
	for _, s := range r.Steps {
		if s.Status == StatusSucceeded {
			return true
		}
	}
	return false
}

// Duration is EndedAt - StartedAt.
func (r ExecutionResult) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// ComputeOverallSuccess reports whether every non-optional step succeeded.
// An empty plan never succeeds.
func ComputeOverallSuccess(steps []ExecutionStep) bool {
	if len(steps) == 0 {
		return false
	}
	for _, s := range steps {
		if !s.Optional && s.Status != StatusSucceeded {
			return false
		}
	}
	return true
}

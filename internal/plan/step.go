package plan

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/agentd/internal/capability"
)

// StepStatus is the lifecycle state of one step in one run.
type StepStatus string

const (
	StatusPending   StepStatus = "pending"
	StatusRunning   StepStatus = "running"
	StatusSucceeded StepStatus = "succeeded"
	StatusFailed    StepStatus = "failed"
	StatusRetried   StepStatus = "retried"
	StatusSkipped   StepStatus = "skipped"
)

var validTransitions = map[StepStatus][]StepStatus{
	StatusPending:   {StatusRunning, StatusSkipped},
	StatusRunning:   {StatusSucceeded, StatusFailed},
	StatusFailed:    {StatusRetried},
	StatusRetried:   {StatusRunning},
	StatusSucceeded: {},
	StatusSkipped:   {},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to StepStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is expected. Failed is
// terminal once the engine decides not to retry.
func (s StepStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// ErrorKind classifies why a step did not succeed.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindTransient         ErrorKind = "transient"
	KindFatal             ErrorKind = "fatal"
	KindDeadline          ErrorKind = "deadline"
	KindUnmetDependency   ErrorKind = "unmet_dependency"
	KindHalted            ErrorKind = "halted"
	KindUnknownCapability ErrorKind = "unknown_capability"
)

// Transition is one recorded status change.
type Transition struct {
	From StepStatus `json:"from"`
	To   StepStatus `json:"to"`
	At   time.Time  `json:"at"`
}

// ExecutionStep is the mutable run state of plan step Index.
type ExecutionStep struct {
	Index       int
	Capability  string
	Optional    bool
	Status      StepStatus
	StartedAt   time.Time
	EndedAt     time.Time
	Attempts    int
	Result      capability.Result
	Error       error
	ErrorKind   ErrorKind
	Transitions []Transition
}

// NewExecutionSteps returns pending run state for every step of p.
func NewExecutionSteps(p Plan) []ExecutionStep {
	steps := make([]ExecutionStep, len(p.Steps))
	for i, s := range p.Steps {
		steps[i] = ExecutionStep{
			Index:      i,
			Capability: s.Capability,
			Optional:   s.Optional,
			Status:     StatusPending,
		}
	}
	return steps
}

// Transition moves the step to status to, recording the change.
func (s *ExecutionStep) Transition(to StepStatus, at time.Time) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s (step %d %s)", ErrInvalidTransition, s.Status, to, s.Index, s.Capability)
	}
	s.Transitions = append(s.Transitions, Transition{From: s.Status, To: to, At: at})
	s.Status = to
	switch to {
	case StatusRunning:
		if s.StartedAt.IsZero() {
			s.StartedAt = at
		}
	case StatusSucceeded, StatusSkipped:
		s.EndedAt = at
	case StatusFailed:
		s.EndedAt = at
	}
	return nil
}

// Fail records err and kind. The caller transitions the status.
func (s *ExecutionStep) Fail(kind ErrorKind, err error) {
	s.ErrorKind = kind
	s.Error = err
	s.Result = capability.Result{Success: false, Err: err, Capability: s.Capability}
}

// Succeeded reports whether the step ended in success.
func (s ExecutionStep) Succeeded() bool {
	return s.Status == StatusSucceeded
}

// ErrorMessage returns the step error text, or "".
func (s ExecutionStep) ErrorMessage() string {
	if s.Error == nil {
		return ""
	}
	return s.Error.Error()
}

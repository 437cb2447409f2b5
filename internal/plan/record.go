package plan

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/agentd/internal/capability"
)

// StepRecord is the persisted form of an ExecutionStep. Output data is not kept.
type StepRecord struct {
	Index       int          `json:"index"`
	Capability  string       `json:"capability"`
	Bindings    []Binding    `json:"bindings,omitempty"`
	Optional    bool         `json:"optional,omitempty"`
	Status      StepStatus   `json:"status"`
	Attempts    int          `json:"attempts"`
	ErrorKind   ErrorKind    `json:"error_kind,omitempty"`
	Error       string       `json:"error,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	EndedAt     time.Time    `json:"ended_at"`
	Transitions []Transition `json:"transitions,omitempty"`
}

// Record is the persisted form of a plan and its execution.
type Record struct {
	PlanID         string       `json:"plan_id"`
	SessionID      string       `json:"session_id"`
	RequestID      string       `json:"request_id"`
	Request        string       `json:"request"`
	Complexity     Complexity   `json:"complexity"`
	Confidence     float64      `json:"confidence"`
	Strategy       Strategy     `json:"strategy"`
	Capabilities   []string     `json:"capabilities"`
	Steps          []StepRecord `json:"steps"`
	OverallSuccess bool         `json:"overall_success"`
	StartedAt      time.Time    `json:"started_at"`
	EndedAt        time.Time    `json:"ended_at"`
	CreatedAt      time.Time    `json:"created_at"`
}

// NewRecord captures p and its execution result.
func NewRecord(p Plan, res ExecutionResult) Record {
	steps := make([]StepRecord, len(res.Steps))
	for i, s := range res.Steps {
		var bindings []Binding
		if s.Index >= 0 && s.Index < len(p.Steps) {
			bindings = append(bindings, p.Steps[s.Index].Bindings...)
		}
		steps[i] = StepRecord{
			Index:       s.Index,
			Capability:  s.Capability,
			Bindings:    bindings,
			Optional:    s.Optional,
			Status:      s.Status,
			Attempts:    s.Attempts,
			ErrorKind:   s.ErrorKind,
			Error:       s.ErrorMessage(),
			StartedAt:   s.StartedAt,
			EndedAt:     s.EndedAt,
			Transitions: append([]Transition(nil), s.Transitions...),
		}
	}
	return Record{
		PlanID:         p.ID,
		SessionID:      p.SessionID,
		RequestID:      p.RequestID,
		Request:        p.Request,
		Complexity:     p.Complexity,
		Confidence:     p.Confidence,
		Strategy:       p.Strategy,
		Capabilities:   p.Capabilities(),
		Steps:          steps,
		OverallSuccess: res.OverallSuccess,
		StartedAt:      res.StartedAt,
		EndedAt:        res.EndedAt,
		CreatedAt:      p.CreatedAt,
	}
}

// Result rebuilds the ExecutionResult with the same statuses and order.
// Errors come back as plain errors carrying the original message.
func (r Record) Result() ExecutionResult {
	steps := make([]ExecutionStep, len(r.Steps))
	for i, s := range r.Steps {
		var err error
		if s.Error != "" {
			err = errors.New(s.Error)
		}
		steps[i] = ExecutionStep{
			Index:       s.Index,
			Capability:  s.Capability,
			Optional:    s.Optional,
			Status:      s.Status,
			StartedAt:   s.StartedAt,
			EndedAt:     s.EndedAt,
			Attempts:    s.Attempts,
			Error:       err,
			ErrorKind:   s.ErrorKind,
			Transitions: append([]Transition(nil), s.Transitions...),
			Result: capability.Result{
				Success:    s.Status == StatusSucceeded,
				Err:        err,
				Capability: s.Capability,
			},
		}
	}
	return ExecutionResult{
		PlanID:         r.PlanID,
		Strategy:       r.Strategy,
		Steps:          steps,
		OverallSuccess: r.OverallSuccess,
		StartedAt:      r.StartedAt,
		EndedAt:        r.EndedAt,
	}
}

// Plan rebuilds the plan header and steps, bindings included.
func (r Record) Plan() Plan {
	steps := make([]Step, len(r.Steps))
	for i, s := range r.Steps {
		steps[i] = Step{
			Capability: s.Capability,
			Bindings:   append([]Binding(nil), s.Bindings...),
			Optional:   s.Optional,
		}
	}
	return Plan{
		ID:         r.PlanID,
		SessionID:  r.SessionID,
		RequestID:  r.RequestID,
		Request:    r.Request,
		Complexity: r.Complexity,
		Confidence: r.Confidence,
		Strategy:   r.Strategy,
		Steps:      steps,
		CreatedAt:  r.CreatedAt,
	}
}

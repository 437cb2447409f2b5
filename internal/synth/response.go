package synth

import (
	"github.com/fyrsmithlabs/agentd/internal/plan"
)

// Status summarizes a response.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// FailureKind says why a response carries no content.
type FailureKind string

const (
	FailureTotalPlan      FailureKind = "total_plan_failure"
	FailureInvalidRequest FailureKind = "invalid_request"
)

// Response is the answer to one request.
type Response struct {
	SessionID  string          `json:"session_id"`
	RequestID  string          `json:"request_id,omitempty"`
	PlanID     string          `json:"plan_id,omitempty"`
	Status     Status          `json:"status"`
	Success    bool            `json:"success"`
	Partial    bool            `json:"partial"`
	Content    string          `json:"content"`
	Sections   []Section       `json:"sections,omitempty"`
	Notes      []string        `json:"notes,omitempty"`
	Failure    *Failure        `json:"failure,omitempty"`
	Complexity plan.Complexity `json:"complexity"`
	Strategy   plan.Strategy   `json:"strategy,omitempty"`
	MemoryIDs  []string        `json:"memory_ids,omitempty"`

	answer string
}

// Answer returns Content without the related-context block.
func (r Response) Answer() string {
	return r.answer
}

// Section is the rendered output of one succeeded step.
type Section struct {
	Index      int    `json:"index"`
	Capability string `json:"capability"`
	Content    string `json:"content"`
}

// Failure describes a response without content.
type Failure struct {
	Kind    FailureKind   `json:"kind"`
	Message string        `json:"message"`
	Steps   []StepFailure `json:"steps,omitempty"`
}

// StepFailure is one step that did not succeed.
type StepFailure struct {
	Index      int             `json:"index"`
	Capability string          `json:"capability"`
	Status     plan.StepStatus `json:"status"`
	Kind       plan.ErrorKind  `json:"kind,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// InvalidRequest builds the failed response for a request rejected before
// analysis.
func InvalidRequest(req plan.Request, message string) Response {
	return Response{
		SessionID: req.SessionID,
		RequestID: req.ID,
		Status:    StatusFailed,
		Failure:   &Failure{Kind: FailureInvalidRequest, Message: message},
	}
}

// Package capability defines the contract every tool implements and the
// static registry the analyzer and engine dispatch through.
package capability

import "context"

// Capability is a named tool.
//
// Execute must honour ctx, but the engine does not rely on it: an attempt
// that outlives its deadline is abandoned and its late result discarded.
type Capability interface {
	Name() string
	CanHandle(fragment string) bool
	Execute(ctx context.Context, inv Invocation) (Result, error)
	IsRetryable(err error) bool
	Dependencies() []string
}

// Describer is implemented by capabilities that carry a human description.
type Describer interface {
	Description() string
}

// Invocation is the input to one Execute call.
type Invocation struct {
	// Fragment is the request text the capability was selected for.
	Fragment string
	// Inputs holds outputs of earlier steps keyed by binding or capability
	// name, plus "previous" for the last successful output.
	Inputs    map[string]any
	Memory    []string
	SessionID string
	PlanID    string
	Attempt   int
}

// PreviousKey is the Inputs key for the last successful output.
const PreviousKey = "previous"

// Result is the outcome of one capability call.
type Result struct {
	Success    bool
	Data       any
	Err        error
	Capability string
}

// OK returns a successful result.
func OK(name string, data any) Result {
	return Result{Success: true, Data: data, Capability: name}
}

// Locator is implemented by capabilities that can say where in a text they
// were mentioned. The analyzer uses it to order ties.
type Locator interface {
	MentionIndex(text string) int
}

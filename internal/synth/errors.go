package synth

import "errors"

// ErrTotalPlanFailure is reported when no step of a plan succeeded.
var ErrTotalPlanFailure = errors.New("no step of the plan succeeded")

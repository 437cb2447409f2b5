package plan

import "errors"

var (
	// ErrInvalidTransition is returned when a step status change is not allowed.
	ErrInvalidTransition = errors.New("invalid step transition")

	// ErrUnknownComplexity is returned by ParseComplexity.
	ErrUnknownComplexity = errors.New("unknown complexity")

	// ErrUnknownStrategy is returned by ParseStrategy.
	ErrUnknownStrategy = errors.New("unknown strategy")
)

package memory

import "errors"

var (
	ErrEmptySession = errors.New("session id is required")
	ErrEmptyContent = errors.New("content is empty")

	// ErrBudgetExceeded is logged when eviction or demotion runs. It is
	// never returned to callers.
	ErrBudgetExceeded = errors.New("memory budget exceeded")
)

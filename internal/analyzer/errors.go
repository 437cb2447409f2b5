package analyzer

import "errors"

var (
	// ErrEmptyRequest is returned for empty or whitespace-only request text.
	ErrEmptyRequest = errors.New("request text is empty")

	// ErrNoCapabilities is returned when the registry has nothing to dispatch to.
	ErrNoCapabilities = errors.New("no capabilities registered")

	// ErrAnalysisUncertain marks a seed built by the fallback path. It is
	// logged, never returned.
	ErrAnalysisUncertain = errors.New("analysis uncertain")
)

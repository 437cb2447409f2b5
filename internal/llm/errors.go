package llm

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned by New when no provider is configured.
	ErrNotConfigured = errors.New("llm provider not configured")

	// ErrEmptyPrompt is returned for blank prompts.
	ErrEmptyPrompt = errors.New("prompt is empty")

	// ErrEmptyCompletion is returned when the model answers with nothing.
	ErrEmptyCompletion = errors.New("empty completion")

	// ErrScriptExhausted is returned by Scripted when no reply is left.
	ErrScriptExhausted = errors.New("scripted provider has no more replies")
)

// transientError marks provider failures worth retrying: rate limits,
// server errors and timeouts. Callers detect it through Transient().
type transientError struct {
	err error
}

func (e *transientError) Error() string   { return fmt.Sprintf("transient: %v", e.err) }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Transient() bool { return true }

// MarkTransient wraps err so IsTransient reports true.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err carries a Transient() bool marker set to true.
func IsTransient(err error) bool {
	var t interface{ Transient() bool }
	return errors.As(err, &t) && t.Transient()
}

package engine

import "errors"

var (
	// ErrStepTimeout is recorded when one attempt outlives the step timeout.
	ErrStepTimeout = errors.New("step timed out")

	// ErrDeadlineExceeded is recorded on steps cut off by the request deadline.
	ErrDeadlineExceeded = errors.New("request deadline exceeded")

	// ErrUnknownCapability is recorded when a planned capability is no longer registered.
	ErrUnknownCapability = errors.New("capability not registered")

	// ErrUnmetDependency is recorded when a bound input never succeeded.
	ErrUnmetDependency = errors.New("input dependency did not succeed")

	// ErrHalted is recorded on steps skipped after an earlier required step failed.
	ErrHalted = errors.New("halted after earlier failure")

	// ErrCapabilityFailed is used when a capability reports failure without an error.
	ErrCapabilityFailed = errors.New("capability reported failure")

	// ErrCapabilityPanic wraps a recovered panic from Execute.
	ErrCapabilityPanic = errors.New("capability panicked")
)

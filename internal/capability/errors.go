package capability

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/agentd/internal/llm"
)

var (
	ErrEmptyName     = errors.New("capability name is empty")
	ErrNilCapability = errors.New("capability is nil")
	ErrDuplicate     = errors.New("capability already registered")
	ErrNotFound      = errors.New("capability not registered")
	ErrNoProvider    = errors.New("capability requires an llm provider")
	ErrBadTemplate   = errors.New("invalid prompt template")
)

// Transient marks err as retryable. It shares the llm marker, so provider
// failures and capability failures are classified the same way.
func Transient(err error) error {
	return llm.MarkTransient(err)
}

// Transientf is Transient(fmt.Errorf(format, args...)).
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// IsTransient reports whether err's chain carries the transient marker. It
// is the default IsRetryable.
func IsTransient(err error) bool {
	return llm.IsTransient(err)
}

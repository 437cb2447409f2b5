package engine

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/agentd/internal/config"
)

// Config tunes plan execution.
type Config struct {
	MaxRetries     int
	RetryBackoff   time.Duration
	MaxBackoff     time.Duration
	StepTimeout    time.Duration
	RequestTimeout time.Duration
	MaxConcurrency int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		RetryBackoff:   100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		StepTimeout:    30 * time.Second,
		RequestTimeout: 2 * time.Minute,
		MaxConcurrency: 8,
	}
}

// ConfigFrom maps the engine config section, keeping defaults for unset values.
func ConfigFrom(c config.EngineConfig) Config {
	cfg := DefaultConfig()
	if c.MaxRetries >= 0 {
		cfg.MaxRetries = c.MaxRetries
	}
	if c.RetryBackoff > 0 {
		cfg.RetryBackoff = c.RetryBackoff
	}
	if c.MaxBackoff > 0 {
		cfg.MaxBackoff = c.MaxBackoff
	}
	if c.StepTimeout > 0 {
		cfg.StepTimeout = c.StepTimeout
	}
	if c.RequestTimeout > 0 {
		cfg.RequestTimeout = c.RequestTimeout
	}
	if c.MaxConcurrency > 0 {
		cfg.MaxConcurrency = c.MaxConcurrency
	}
	return cfg
}

// Validate checks the config.
func (c Config) Validate() error {
	var errs []error
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max retries cannot be negative"))
	}
	if c.RetryBackoff <= 0 || c.MaxBackoff < c.RetryBackoff {
		errs = append(errs, errors.New("retry backoff must be positive and not above max backoff"))
	}
	if c.StepTimeout <= 0 || c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.MaxConcurrency < 1 {
		errs = append(errs, errors.New("max concurrency must be at least 1"))
	}
	return errors.Join(errs...)
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/agentd/internal/config"
)

const (
	defaultBaseBackoff = 500 * time.Millisecond
	defaultMaxBackoff  = 8 * time.Second
)

var statusCodePattern = regexp.MustCompile(`status code:? (\d{3})`)

// LangChain completes prompts with any langchaingo model. New wires it to an
// OpenAI-compatible endpoint.
type LangChain struct {
	model       llms.Model
	limiter     *rate.Limiter
	timeout     time.Duration
	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration
	defaults    Params
	logger      *zap.Logger
}

// Option configures LangChain.
type Option func(*LangChain)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *LangChain) {
		if l != nil {
			c.logger = l.Named("llm")
		}
	}
}

// WithBackoff sets the retry backoff bounds.
func WithBackoff(base, ceiling time.Duration) Option {
	return func(c *LangChain) {
		c.backoffBase, c.backoffMax = base, ceiling
	}
}

// WithLimiter replaces the rate limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *LangChain) { c.limiter = l }
}

// New builds a provider from config. It returns ErrNotConfigured when the
// llm section is disabled.
func New(cfg config.LLMConfig, opts ...Option) (*LangChain, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}

	token := cfg.APIKey.Value()
	if token == "" {
		// langchaingo requires a token; local OpenAI-compatible servers ignore it.
		token = "placeholder"
	}
	model, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(token),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	return NewFromModel(model, cfg, opts...), nil
}

// NewFromModel wraps an existing langchaingo model.
func NewFromModel(model llms.Model, cfg config.LLMConfig, opts ...Option) *LangChain {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	c := &LangChain{
		model:       model,
		limiter:     rate.NewLimiter(limit, burst),
		timeout:     cfg.Timeout,
		maxRetries:  cfg.MaxRetries,
		backoffBase: defaultBaseBackoff,
		backoffMax:  defaultMaxBackoff,
		defaults:    Params{Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens},
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends prompt to the model, retrying transient failures with
// exponential backoff. Zero-valued params fall back to the configured defaults.
func (c *LangChain) Complete(ctx context.Context, prompt string, p Params) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}
	if p.Temperature == 0 {
		p.Temperature = c.defaults.Temperature
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = c.defaults.MaxTokens
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.backoffBase
	bo.MaxInterval = c.backoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.1
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := bo.NextBackOff()
			c.logger.Debug("retrying completion",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(lastErr))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}

		out, err := c.call(ctx, prompt, p)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsTransient(err) || ctx.Err() != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *LangChain) call(ctx context.Context, prompt string, p Params) (string, error) {
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	opts := []llms.CallOption{llms.WithTemperature(p.Temperature)}
	if p.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(p.MaxTokens))
	}
	if len(p.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(p.Stop))
	}

	out, err := llms.GenerateFromSinglePrompt(callCtx, c.model, prompt, opts...)
	if err != nil {
		return "", classify(ctx, err)
	}
	if strings.TrimSpace(out) == "" {
		return "", ErrEmptyCompletion
	}
	return out, nil
}

// classify marks rate limits, server errors and per-call timeouts transient.
// A cancelled or expired parent context is returned as is.
func classify(parent context.Context, err error) error {
	if parent.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return MarkTransient(fmt.Errorf("completion timed out: %w", err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return MarkTransient(err)
	}
	if m := statusCodePattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		if code == 429 || code >= 500 {
			return MarkTransient(err)
		}
		return err
	}
	if strings.Contains(strings.ToLower(err.Error()), "rate limit") {
		return MarkTransient(err)
	}
	return err
}

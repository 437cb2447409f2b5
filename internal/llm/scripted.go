package llm

import (
	"context"
	"sync"
)

// Reply is one scripted response.
type Reply struct {
	Text string
	Err  error
}

// Scripted is a deterministic Provider. Replies are served in order; with
// Responder set, it answers every prompt instead.
type Scripted struct {
	mu        sync.Mutex
	replies   []Reply
	prompts   []string
	Responder func(prompt string) (string, error)
}

// NewScripted returns a provider that serves replies in order.
func NewScripted(replies ...Reply) *Scripted {
	return &Scripted{replies: replies}
}

// Echo returns a provider that answers every prompt with fn(prompt).
func Echo(fn func(prompt string) string) *Scripted {
	return &Scripted{Responder: func(p string) (string, error) { return fn(p), nil }}
}

func (s *Scripted) Complete(ctx context.Context, prompt string, _ Params) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)

	if s.Responder != nil {
		return s.Responder(prompt)
	}
	if len(s.replies) == 0 {
		return "", ErrScriptExhausted
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r.Text, r.Err
}

// Prompts returns every prompt received so far.
func (s *Scripted) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

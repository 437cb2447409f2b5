package plan

import (
	"fmt"
	"strings"
	"time"
)

// Request is a single user request. It is not modified after receipt.
type Request struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	SessionID  string    `json:"session_id"`
	Hint       string    `json:"hint,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Complexity classifies how much work a request needs.
type Complexity int

const (
	Simple Complexity = iota
	Moderate
	Complex
)

func (c Complexity) String() string {
	switch c {
	case Simple:
		return "simple"
	case Moderate:
		return "moderate"
	case Complex:
		return "complex"
	default:
		return fmt.Sprintf("complexity(%d)", int(c))
	}
}

// ParseComplexity parses the lowercase name of a complexity.
func ParseComplexity(s string) (Complexity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "simple":
		return Simple, nil
	case "moderate":
		return Moderate, nil
	case "complex":
		return Complex, nil
	}
	return Simple, fmt.Errorf("%w: %q", ErrUnknownComplexity, s)
}

func (c Complexity) MarshalText() ([]byte, error) {
	if c < Simple || c > Complex {
		return nil, fmt.Errorf("%w: %d", ErrUnknownComplexity, int(c))
	}
	return []byte(c.String()), nil
}

func (c *Complexity) UnmarshalText(b []byte) error {
	parsed, err := ParseComplexity(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Strategy is how a plan's steps are executed.
type Strategy string

const (
	Single     Strategy = "single"
	Sequential Strategy = "sequential"
	Parallel   Strategy = "parallel"
)

// Cost orders strategies for tie-breaks: single < parallel < sequential.
func (s Strategy) Cost() int {
	switch s {
	case Single:
		return 0
	case Parallel:
		return 1
	case Sequential:
		return 2
	default:
		return 3
	}
}

// ParseStrategy parses a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case Single, Sequential, Parallel:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Seed is the analyzer's classification of a request.
type Seed struct {
	Complexity   Complexity `json:"complexity"`
	Confidence   float64    `json:"confidence"`
	Capabilities []string   `json:"capabilities"`
	Source       string     `json:"source"`
}

// Seed sources.
const (
	SourceHeuristic = "heuristic"
	SourceLLM       = "llm"
	SourceFallback  = "fallback"
)

// Binding feeds the output of an earlier step into a step's inputs.
type Binding struct {
	Name string `json:"name"`
	From string `json:"from"`
}

// Step is one capability invocation in a plan.
type Step struct {
	Capability string    `json:"capability"`
	Bindings   []Binding `json:"bindings,omitempty"`
	Optional   bool      `json:"optional,omitempty"`
}

// Plan is an immutable execution plan. Run state lives in ExecutionStep.
type Plan struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	RequestID  string     `json:"request_id"`
	Request    string     `json:"request"`
	Complexity Complexity `json:"complexity"`
	Confidence float64    `json:"confidence"`
	Strategy   Strategy   `json:"strategy"`
	Steps      []Step     `json:"steps"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Capabilities returns the step capability names in declared order.
func (p Plan) Capabilities() []string {
	names := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		names[i] = s.Capability
	}
	return names
}

// SessionContext is what the coordinator hands to the analyzer and engine
// for one request.
type SessionContext struct {
	SessionID string
	Memory    []string
	MemoryIDs []string
}

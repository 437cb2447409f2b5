// Package strategy chooses how a plan's steps run and builds the plan.
package strategy

import (
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/agentd/internal/capability"
	"github.com/fyrsmithlabs/agentd/internal/plan"
)

// DefaultParallelMinConfidence is the confidence below which multi-step
// plans run sequentially.
const DefaultParallelMinConfidence = 0.5

// Decide is the pure strategy table. Ties resolve toward the cheaper strategy
// by plan.Strategy.Cost.
func Decide(complexity plan.Complexity, confidence float64, count int, independent bool, parallelMin float64) plan.Strategy {
	if count <= 1 {
		return plan.Single
	}
	if complexity == plan.Complex || confidence < parallelMin || !independent {
		return plan.Sequential
	}
	return plan.Parallel
}

// Selector picks strategies and builds plans against a registry.
type Selector struct {
	reg         *capability.Registry
	parallelMin float64
	now         func() time.Time
}

// Option configures a Selector.
type Option func(*Selector)

// WithParallelMinConfidence overrides DefaultParallelMinConfidence.
func WithParallelMinConfidence(v float64) Option {
	return func(s *Selector) { s.parallelMin = v }
}

// WithClock sets the time source for Plan.CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Selector) { s.now = now }
}

// New creates a selector.
func New(reg *capability.Registry, opts ...Option) *Selector {
	s := &Selector{reg: reg, parallelMin: DefaultParallelMinConfidence, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns the strategy for seed.
func (s *Selector) Select(seed plan.Seed) plan.Strategy {
	return Decide(seed.Complexity, seed.Confidence, len(seed.Capabilities),
		s.reg.Independent(seed.Capabilities), s.parallelMin)
}

// Plan builds the immutable plan for seed. Steps follow seed order; a step
// is bound to each declared dependency that appears earlier in the plan.
func (s *Selector) Plan(seed plan.Seed, req plan.Request) plan.Plan {
	steps := make([]plan.Step, 0, len(seed.Capabilities))
	earlier := make(map[string]bool, len(seed.Capabilities))
	for _, name := range seed.Capabilities {
		step := plan.Step{Capability: name, Optional: s.reg.IsOptional(name)}
		for _, dep := range s.reg.Dependencies(name) {
			if earlier[dep] {
				step.Bindings = append(step.Bindings, plan.Binding{Name: dep, From: dep})
			}
		}
		steps = append(steps, step)
		earlier[name] = true
	}

	return plan.Plan{
		ID:         uuid.NewString(),
		SessionID:  req.SessionID,
		RequestID:  req.ID,
		Request:    req.Text,
		Complexity: seed.Complexity,
		Confidence: seed.Confidence,
		Strategy:   s.Select(seed),
		Steps:      steps,
		CreatedAt:  s.now(),
	}
}

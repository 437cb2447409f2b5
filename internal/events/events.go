// Package events publishes step lifecycle transitions.
//
// Events go to subjects of the form:
//
//	<prefix>.<session_id>.<plan_id>.<step_index>.<status>
//
// so a subscriber can follow one plan with "agentd.plans.<session>.<plan>.>".
package events

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/plan"
)

// StepEvent records one step transition after it happened.
type StepEvent struct {
	SessionID  string          `json:"session_id"`
	PlanID     string          `json:"plan_id"`
	Step       int             `json:"step"`
	Capability string          `json:"capability"`
	From       plan.StepStatus `json:"from"`
	To         plan.StepStatus `json:"to"`
	Attempt    int             `json:"attempt"`
	ErrorKind  plan.ErrorKind  `json:"error_kind,omitempty"`
	Error      string          `json:"error,omitempty"`
	At         time.Time       `json:"at"`
}

// Sink receives step events. Publish must not block on slow consumers.
type Sink interface {
	Publish(ctx context.Context, ev StepEvent) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, StepEvent) error { return nil }

// Log writes events at debug level.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a sink logging through l.
func NewLog(l *zap.Logger) *Log {
	if l == nil {
		l = zap.NewNop()
	}
	return &Log{logger: l.Named("events")}
}

func (s *Log) Publish(_ context.Context, ev StepEvent) error {
	s.logger.Debug("step transition",
		zap.String("session.id", ev.SessionID),
		zap.String("plan.id", ev.PlanID),
		zap.Int("step", ev.Step),
		zap.String("capability", ev.Capability),
		zap.String("from", string(ev.From)),
		zap.String("to", string(ev.To)),
		zap.Int("attempt", ev.Attempt),
	)
	return nil
}

// Multi fans events out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, ev StepEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

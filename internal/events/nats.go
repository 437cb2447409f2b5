package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "agentd.plans"

// NATS publishes step events as JSON.
type NATS struct {
	conn   *nats.Conn
	prefix string
	owned  bool
}

// NewNATS wraps an existing connection. The caller keeps ownership.
func NewNATS(nc *nats.Conn, prefix string) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{conn: nc, prefix: strings.TrimSuffix(prefix, ".")}
}

// Connect dials url and returns a sink that closes the connection on Close.
func Connect(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("agentd"))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	s := NewNATS(nc, prefix)
	s.owned = true
	return s, nil
}

// Subject returns the subject ev is published to.
func (s *NATS) Subject(ev StepEvent) string {
	return fmt.Sprintf("%s.%s.%s.%d.%s",
		s.prefix, token(ev.SessionID), token(ev.PlanID), ev.Step, token(string(ev.To)))
}

func (s *NATS) Publish(_ context.Context, ev StepEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal step event: %w", err)
	}
	if err := s.conn.Publish(s.Subject(ev), data); err != nil {
		return fmt.Errorf("publish step event: %w", err)
	}
	return nil
}

// Close drains the connection if this sink opened it.
func (s *NATS) Close() error {
	if !s.owned {
		return nil
	}
	return s.conn.Drain()
}

// token makes v safe as a single subject token.
func token(v string) string {
	if v == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, v)
}

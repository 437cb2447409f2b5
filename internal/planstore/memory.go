package planstore

import (
	"context"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/agentd/internal/plan"
)

// Memory keeps records in process memory.
type Memory struct {
	mu      sync.RWMutex
	records map[string]stored
	seq     int64
	closed  bool
}

type stored struct {
	rec plan.Record
	seq int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]stored)}
}

func (m *Memory) Save(_ context.Context, rec plan.Record) error {
	if rec.PlanID == "" {
		return ErrEmptyPlanID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.seq++
	m.records[rec.PlanID] = stored{rec: clone(rec), seq: m.seq}
	return nil
}

func (m *Memory) Load(_ context.Context, planID string) (plan.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return plan.Record{}, ErrClosed
	}
	s, ok := m.records[planID]
	if !ok {
		return plan.Record{}, ErrNotFound
	}
	return clone(s.rec), nil
}

func (m *Memory) ListBySession(_ context.Context, sessionID string, limit int) ([]plan.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var matched []stored
	for _, s := range m.records {
		if s.rec.SessionID == sessionID {
			matched = append(matched, s)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
			return a.rec.CreatedAt.After(b.rec.CreatedAt)
		}
		return a.seq > b.seq
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]plan.Record, len(matched))
	for i, s := range matched {
		out[i] = clone(s.rec)
	}
	return out, nil
}

func (m *Memory) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for id, s := range m.records {
		if s.rec.SessionID == sessionID {
			delete(m.records, id)
		}
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.records = nil
	return nil
}

func clone(rec plan.Record) plan.Record {
	rec.Capabilities = append([]string(nil), rec.Capabilities...)
	steps := make([]plan.StepRecord, len(rec.Steps))
	for i, s := range rec.Steps {
		s.Bindings = append([]plan.Binding(nil), s.Bindings...)
		s.Transitions = append([]plan.Transition(nil), s.Transitions...)
		steps[i] = s
	}
	rec.Steps = steps
	return rec
}

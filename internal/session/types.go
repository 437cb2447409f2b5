package session

import (
	"time"

	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/memory"
	"github.com/fyrsmithlabs/agentd/internal/plan"
	"github.com/fyrsmithlabs/agentd/internal/synth"
)

// Config tunes the coordinator.
type Config struct {
	HistorySize         int
	IdleTimeout         time.Duration
	RetrieveMaxEntries  int
	RetrieveTokenBudget int
}

// DefaultConfig returns coordinator defaults.
func DefaultConfig() Config {
	return Config{
		HistorySize:         50,
		IdleTimeout:         48 * time.Hour,
		RetrieveMaxEntries:  5,
		RetrieveTokenBudget: 1000,
	}
}

// ConfigFrom maps the session and memory config sections.
func ConfigFrom(s config.SessionConfig, m config.MemoryConfig) Config {
	cfg := DefaultConfig()
	if s.HistorySize > 0 {
		cfg.HistorySize = s.HistorySize
	}
	if s.IdleTimeout > 0 {
		cfg.IdleTimeout = s.IdleTimeout
	}
	if m.RetrieveMaxEntries > 0 {
		cfg.RetrieveMaxEntries = m.RetrieveMaxEntries
	}
	if m.RetrieveTokenBudget > 0 {
		cfg.RetrieveTokenBudget = m.RetrieveTokenBudget
	}
	return cfg
}

// HistoryItem is one handled request in a session's history.
type HistoryItem struct {
	Plan   plan.Plan            `json:"plan"`
	Result plan.ExecutionResult `json:"-"`
	Status synth.Status         `json:"status"`
	At     time.Time            `json:"at"`
}

// Counters tracks request outcomes for a session.
type Counters struct {
	Requests  int `json:"requests"`
	Succeeded int `json:"succeeded"`
	Partial   int `json:"partial"`
	Failed    int `json:"failed"`
}

func (c *Counters) add(s synth.Status) {
	c.Requests++
	switch s {
	case synth.StatusSuccess:
		c.Succeeded++
	case synth.StatusPartial:
		c.Partial++
	default:
		c.Failed++
	}
}

// Insights summarizes a session.
type Insights struct {
	SessionID      string       `json:"session_id"`
	Exists         bool         `json:"exists"`
	CreatedAt      time.Time    `json:"created_at,omitempty"`
	LastActiveAt   time.Time    `json:"last_active_at,omitempty"`
	Counters       Counters     `json:"counters"`
	Memory         memory.Stats `json:"memory"`
	ActiveSessions int          `json:"active_sessions"`
}

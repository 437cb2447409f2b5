// Package planstore persists plan records: what was planned for a request and
// how each step ended.
package planstore

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/plan"
)

var (
	// ErrNotFound is returned by Load for unknown plan IDs.
	ErrNotFound = errors.New("plan record not found")

	// ErrEmptyPlanID is returned when saving a record without a plan ID.
	ErrEmptyPlanID = errors.New("plan id is empty")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("plan store closed")
)

// Store persists plan records.
type Store interface {
	// Save inserts or replaces the record for rec.PlanID.
	Save(ctx context.Context, rec plan.Record) error
	// Load returns the record for planID or ErrNotFound.
	Load(ctx context.Context, planID string) (plan.Record, error)
	// ListBySession returns up to limit records, newest first. limit <= 0
	// returns all of them.
	ListBySession(ctx context.Context, sessionID string, limit int) ([]plan.Record, error)
	// DeleteSession removes every record of sessionID.
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}

// New opens the SQLite store at cfg.Path, or an in-memory store when no
// path is configured.
func New(cfg config.PlanStoreConfig) (Store, error) {
	if cfg.Path == "" {
		return NewMemory(), nil
	}
	return OpenSQLite(cfg.Path)
}

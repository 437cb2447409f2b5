package planstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/agentd/internal/plan"
)

// SQLite stores records in a single SQLite file. Steps and capabilities are
// kept as JSON columns.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and migrates it.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("planstore: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("planstore: open database: %w", err)
	}
	// A single connection serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("planstore: pragma %q: %w", p, err)
		}
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("planstore: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS plan_records (
		plan_id         TEXT PRIMARY KEY,
		session_id      TEXT NOT NULL,
		request_id      TEXT NOT NULL,
		request         TEXT NOT NULL,
		complexity      TEXT NOT NULL,
		confidence      REAL NOT NULL,
		strategy        TEXT NOT NULL,
		capabilities    TEXT NOT NULL,
		steps           TEXT NOT NULL,
		overall_success INTEGER NOT NULL,
		started_at      INTEGER NOT NULL,
		ended_at        INTEGER NOT NULL,
		created_at      INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_plan_records_session
		ON plan_records(session_id, created_at DESC);
	`)
	return err
}

func (s *SQLite) Save(ctx context.Context, rec plan.Record) error {
	if rec.PlanID == "" {
		return ErrEmptyPlanID
	}
	caps, err := json.Marshal(nonNil(rec.Capabilities))
	if err != nil {
		return fmt.Errorf("planstore: encode capabilities: %w", err)
	}
	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return fmt.Errorf("planstore: encode steps: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plan_records (
			plan_id, session_id, request_id, request, complexity, confidence, strategy,
			capabilities, steps, overall_success, started_at, ended_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(plan_id) DO UPDATE SET
			session_id = excluded.session_id,
			request_id = excluded.request_id,
			request = excluded.request,
			complexity = excluded.complexity,
			confidence = excluded.confidence,
			strategy = excluded.strategy,
			capabilities = excluded.capabilities,
			steps = excluded.steps,
			overall_success = excluded.overall_success,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			created_at = excluded.created_at`,
		rec.PlanID, rec.SessionID, rec.RequestID, rec.Request,
		rec.Complexity.String(), rec.Confidence, string(rec.Strategy),
		string(caps), string(steps), rec.OverallSuccess,
		unixNano(rec.StartedAt), unixNano(rec.EndedAt), unixNano(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("planstore: save %s: %w", rec.PlanID, err)
	}
	return nil
}

const selectColumns = `plan_id, session_id, request_id, request, complexity, confidence, strategy,
	capabilities, steps, overall_success, started_at, ended_at, created_at`

func (s *SQLite) Load(ctx context.Context, planID string) (plan.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM plan_records WHERE plan_id = ?`, planID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return plan.Record{}, ErrNotFound
	}
	if err != nil {
		return plan.Record{}, fmt.Errorf("planstore: load %s: %w", planID, err)
	}
	return rec, nil
}

func (s *SQLite) ListBySession(ctx context.Context, sessionID string, limit int) ([]plan.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM plan_records
		WHERE session_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("planstore: list %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []plan.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("planstore: list %s: %w", sessionID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM plan_records WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("planstore: delete %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (plan.Record, error) {
	var (
		rec                     plan.Record
		complexity, strategy    string
		caps, steps             string
		started, ended, created int64
	)
	if err := sc.Scan(
		&rec.PlanID, &rec.SessionID, &rec.RequestID, &rec.Request,
		&complexity, &rec.Confidence, &strategy,
		&caps, &steps, &rec.OverallSuccess,
		&started, &ended, &created,
	); err != nil {
		return plan.Record{}, err
	}

	var err error
	if rec.Complexity, err = plan.ParseComplexity(complexity); err != nil {
		return plan.Record{}, err
	}
	if rec.Strategy, err = plan.ParseStrategy(strategy); err != nil {
		return plan.Record{}, err
	}
	if err := json.Unmarshal([]byte(caps), &rec.Capabilities); err != nil {
		return plan.Record{}, fmt.Errorf("decode capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &rec.Steps); err != nil {
		return plan.Record{}, fmt.Errorf("decode steps: %w", err)
	}
	rec.StartedAt = fromUnixNano(started)
	rec.EndedAt = fromUnixNano(ended)
	rec.CreatedAt = fromUnixNano(created)
	return rec, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

package orchestrator

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

	"quantdesk/pkg/types"
)

// ErrRunNotFound means no run row matches the id.
var ErrRunNotFound = errors.New("orchestrator: run not found")

const runSchema = `
CREATE TABLE IF NOT EXISTS orchestration_runs (
	run_id               TEXT PRIMARY KEY,
	status               TEXT NOT NULL,
	num_signals          INTEGER NOT NULL,
	num_orders_submitted INTEGER NOT NULL,
	num_orders_accepted  INTEGER NOT NULL,
	num_orders_rejected  INTEGER NOT NULL,
	num_skipped          INTEGER NOT NULL,
	mappings             TEXT NOT NULL,
	duration_seconds     REAL NOT NULL,
	started_at           TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON orchestration_runs(started_at);
`

// RunStore persists run records in the orchestrator's own SQLite file. The
// order ledger belongs to the gateway; this file holds nothing but run
// history.
type RunStore struct {
	db *sql.DB
}

// OpenRunStore opens (and creates if needed) the run database at path.
func OpenRunStore(path string) (*RunStore, error) {
	if path == "" {
		return nil, errors.New("run store path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create run store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(runSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &RunStore{db: db}, nil
}

// Close releases the underlying DB handle.
func (s *RunStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save persists one run record.
func (s *RunStore) Save(ctx context.Context, r types.RunResult) error {
	mappings, err := json.Marshal(r.Mappings)
	if err != nil {
		return fmt.Errorf("marshal mappings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orchestration_runs (run_id, status, num_signals, num_orders_submitted,
			num_orders_accepted, num_orders_rejected, num_skipped, mappings,
			duration_seconds, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RunID, r.Status, r.NumSignals, r.NumOrdersSubmitted,
		r.NumOrdersAccepted, r.NumOrdersRejected, r.NumSkipped, string(mappings),
		r.DurationSeconds, r.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// Get returns one run record.
func (s *RunStore) Get(ctx context.Context, runID string) (*types.RunResult, error) {
	row := s.db.QueryRowContext(ctx, selectRun+`WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return r, err
}

// List returns the most recent runs, newest first.
func (s *RunStore) List(ctx context.Context, limit int) ([]types.RunResult, error) {
	rows, err := s.db.QueryContext(ctx, selectRun+`ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []types.RunResult
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

const selectRun = `
	SELECT run_id, status, num_signals, num_orders_submitted, num_orders_accepted,
	       num_orders_rejected, num_skipped, mappings, duration_seconds, started_at
	FROM orchestration_runs
`

type rowScanner interface{ Scan(dest ...any) error }

func scanRun(row rowScanner) (*types.RunResult, error) {
	var r types.RunResult
	var mappings string
	err := row.Scan(&r.RunID, &r.Status, &r.NumSignals, &r.NumOrdersSubmitted,
		&r.NumOrdersAccepted, &r.NumOrdersRejected, &r.NumSkipped, &mappings,
		&r.DurationSeconds, &r.StartedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if err := json.Unmarshal([]byte(mappings), &r.Mappings); err != nil {
		return nil, fmt.Errorf("parse mappings: %w", err)
	}
	return &r, nil
}

package signal

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

var (
	// ErrNoActiveModel means a strategy has no active registry row.
	ErrNoActiveModel = errors.New("registry: no active model")
	// ErrModelNotFound means no registry row matches the id.
	ErrModelNotFound = errors.New("registry: model not found")
)

const registrySchema = `
CREATE TABLE IF NOT EXISTS model_registry (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy_name       TEXT NOT NULL,
	version             TEXT NOT NULL,
	model_path          TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'inactive',
	performance_metrics TEXT NOT NULL DEFAULT '{}',
	config              TEXT NOT NULL DEFAULT '{}',
	created_at          TIMESTAMP NOT NULL,
	activated_at        TIMESTAMP,
	deactivated_at      TIMESTAMP,
	UNIQUE(strategy_name, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_registry_one_active
	ON model_registry(strategy_name) WHERE status = 'active';
`

// Registry is the signal service's model registry on its own SQLite file.
// The partial unique index enforces at most one active model per strategy at
// the storage layer; Activate additionally swaps active rows in one
// transaction so readers never observe zero or two actives.
type Registry struct {
	db *sql.DB
}

// OpenRegistry opens (and creates if needed) the registry database at path.
func OpenRegistry(path string) (*Registry, error) {
	if path == "" {
		return nil, errors.New("registry path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create registry directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(registrySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close releases the underlying DB handle.
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Register adds a new model version in inactive status.
func (r *Registry) Register(ctx context.Context, m types.ModelMetadata) (int64, error) {
	metrics, err := json.Marshal(orEmpty(m.PerformanceMetrics))
	if err != nil {
		return 0, fmt.Errorf("marshal metrics: %w", err)
	}
	cfg, err := json.Marshal(orEmptyStr(m.Config))
	if err != nil {
		return 0, fmt.Errorf("marshal config: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO model_registry (strategy_name, version, model_path, status,
			performance_metrics, config, created_at)
		VALUES (?, ?, ?, 'inactive', ?, ?, ?)
	`, m.StrategyName, m.Version, m.ModelPath, string(metrics), string(cfg), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("register model: %w", err)
	}
	return res.LastInsertId()
}

// Activate makes one model the strategy's active model, deactivating any
// previous active row in the same transaction.
func (r *Registry) Activate(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var strategy string
	err = tx.QueryRowContext(ctx,
		`SELECT strategy_name FROM model_registry WHERE id = ?`, id).Scan(&strategy)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrModelNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup model: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE model_registry SET status = 'inactive', deactivated_at = ?
		WHERE strategy_name = ? AND status = 'active'
	`, now, strategy); err != nil {
		return fmt.Errorf("deactivate current: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE model_registry SET status = 'active', activated_at = ?, deactivated_at = NULL
		WHERE id = ?
	`, now, id); err != nil {
		return fmt.Errorf("activate model: %w", err)
	}
	return tx.Commit()
}

// MarkFailed flags a model version that could not be loaded.
func (r *Registry) MarkFailed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE model_registry SET status = 'failed', deactivated_at = ?
		WHERE id = ?
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// GetActive returns the strategy's active model row.
func (r *Registry) GetActive(ctx context.Context, strategy string) (*types.ModelMetadata, error) {
	row := r.db.QueryRowContext(ctx, selectModel+`WHERE strategy_name = ? AND status = 'active'`, strategy)
	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveModel
	}
	return m, err
}

// List returns all registry rows for a strategy, newest first.
func (r *Registry) List(ctx context.Context, strategy string) ([]types.ModelMetadata, error) {
	rows, err := r.db.QueryContext(ctx,
		selectModel+`WHERE strategy_name = ? ORDER BY created_at DESC`, strategy)
	if err != nil {
		return nil, fmt.Errorf("query models: %w", err)
	}
	defer rows.Close()

	var models []types.ModelMetadata
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, *m)
	}
	return models, rows.Err()
}

const selectModel = `
	SELECT id, strategy_name, version, model_path, status,
	       performance_metrics, config, created_at, activated_at, deactivated_at
	FROM model_registry
`

type rowScanner interface{ Scan(dest ...any) error }

func scanModel(row rowScanner) (*types.ModelMetadata, error) {
	var m types.ModelMetadata
	var metrics, cfg string
	var activated, deactivated sql.NullTime
	err := row.Scan(&m.ID, &m.StrategyName, &m.Version, &m.ModelPath, &m.Status,
		&metrics, &cfg, &m.CreatedAt, &activated, &deactivated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan model: %w", err)
	}
	if err := json.Unmarshal([]byte(metrics), &m.PerformanceMetrics); err != nil {
		return nil, fmt.Errorf("parse metrics: %w", err)
	}
	if err := json.Unmarshal([]byte(cfg), &m.Config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if activated.Valid {
		m.ActivatedAt = &activated.Time
	}
	if deactivated.Valid {
		m.DeactivatedAt = &deactivated.Time
	}
	return &m, nil
}

func orEmpty(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func orEmptyStr(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/lossprevention/lp-vlm/internal/models"
)

// ErrRunNotFound is returned by GetRun for unknown run IDs
var ErrRunNotFound = errors.New("run not found")

// RunStore keeps the history of pipeline runs in PostgreSQL
type RunStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRunStore opens the database, configures the pool and creates the schema
func NewRunStore(ctx context.Context, postgresURL string, logger *zap.Logger) (*RunStore, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	rs := &RunStore{db: db, logger: logger.Named("runstore")}
	if err := rs.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return rs, nil
}

func (rs *RunStore) initSchema(ctx context.Context) error {
	tableSchema := `
	CREATE SCHEMA IF NOT EXISTS lpvlm;

	CREATE TABLE IF NOT EXISTS lpvlm.runs (
		run_id VARCHAR(64) PRIMARY KEY,
		video_name TEXT NOT NULL,
		use_case VARCHAR(255),
		od_state VARCHAR(20) NOT NULL,
		od_message TEXT,
		vlm_state VARCHAR(20) NOT NULL,
		vlm_message TEXT,
		agent_state VARCHAR(20) NOT NULL,
		agent_message TEXT,
		result JSONB NOT NULL,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	-- one row per reported item, per stage
	CREATE TABLE IF NOT EXISTS lpvlm.items (
		run_id VARCHAR(64) NOT NULL REFERENCES lpvlm.runs(run_id) ON DELETE CASCADE,
		stage VARCHAR(32) NOT NULL,
		position INT NOT NULL,
		item_name TEXT NOT NULL,
		match BOOLEAN NOT NULL,
		attributes JSONB,
		PRIMARY KEY (run_id, stage, position)
	);
	`
	if _, err := rs.db.ExecContext(ctx, tableSchema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON lpvlm.runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_use_case ON lpvlm.runs(use_case)`,
		`CREATE INDEX IF NOT EXISTS idx_items_name ON lpvlm.items(item_name)`,
	}
	for _, stmt := range indexStatements {
		if _, err := rs.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w (statement: %s)", err, stmt)
		}
	}
	return nil
}

// itemRow is one row of lpvlm.items
type itemRow struct {
	stage      models.Stage
	position   int
	name       string
	match      bool
	attributes []byte
}

// itemRows flattens the per-stage results of run
func itemRows(run *models.RunResult) ([]itemRow, error) {
	var rows []itemRow
	for i, it := range run.ODResults {
		rows = append(rows, itemRow{stage: models.StageObjectDetection, position: i, name: it.ItemName, match: it.Match})
	}
	add := func(stage models.Stage, items []models.ItemResult) error {
		for i, it := range items {
			var attrs []byte
			if len(it.Attributes) > 0 {
				b, err := json.Marshal(it.Attributes)
				if err != nil {
					return fmt.Errorf("failed to marshal attributes of %s: %w", it.ItemName, err)
				}
				attrs = b
			}
			rows = append(rows, itemRow{stage: stage, position: i, name: it.ItemName, match: it.Match, attributes: attrs})
		}
		return nil
	}
	if err := add(models.StageVLMEnhancement, run.VLMResults); err != nil {
		return nil, err
	}
	if err := add(models.StageAgent, run.AgentResults); err != nil {
		return nil, err
	}
	return rows, nil
}

// SaveRun upserts the run and replaces its items in one transaction
func (rs *RunStore) SaveRun(ctx context.Context, run *models.RunResult) error {
	result, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	rows, err := itemRows(run)
	if err != nil {
		return err
	}

	tx, err := rs.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO lpvlm.runs (run_id, video_name, use_case, od_state, od_message, vlm_state, vlm_message,
			agent_state, agent_message, result, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (run_id) DO UPDATE SET
			use_case = EXCLUDED.use_case,
			od_state = EXCLUDED.od_state,
			od_message = EXCLUDED.od_message,
			vlm_state = EXCLUDED.vlm_state,
			vlm_message = EXCLUDED.vlm_message,
			agent_state = EXCLUDED.agent_state,
			agent_message = EXCLUDED.agent_message,
			result = EXCLUDED.result,
			completed_at = EXCLUDED.completed_at
	`
	_, err = tx.ExecContext(ctx, query,
		run.RunID,
		run.VideoName,
		run.UseCase,
		string(run.OD.State),
		run.OD.Message,
		string(run.VLM.State),
		run.VLM.Message,
		string(run.Agent.State),
		run.Agent.Message,
		result,
		run.StartedAt,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store run %s: %w", run.RunID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM lpvlm.items WHERE run_id = $1`, run.RunID); err != nil {
		return fmt.Errorf("failed to clear items of run %s: %w", run.RunID, err)
	}

	itemQuery := `
		INSERT INTO lpvlm.items (run_id, stage, position, item_name, match, attributes)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, row := range rows {
		_, err := tx.ExecContext(ctx, itemQuery, run.RunID, string(row.stage), row.position, row.name, row.match, nullJSON(row.attributes))
		if err != nil {
			return fmt.Errorf("failed to store item %s of run %s: %w", row.name, run.RunID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", run.RunID, err)
	}
	rs.logger.Debug("run stored", zap.String("run_id", run.RunID), zap.Int("items", len(rows)))
	return nil
}

// GetRun loads one run
func (rs *RunStore) GetRun(ctx context.Context, runID string) (*models.RunResult, error) {
	var raw []byte
	err := rs.db.QueryRowContext(ctx, `SELECT result FROM lpvlm.runs WHERE run_id = $1`, runID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return decodeRun(raw)
}

// ListRuns returns the most recent runs first
func (rs *RunStore) ListRuns(ctx context.Context, limit int) ([]*models.RunResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := rs.db.QueryContext(ctx, `SELECT result FROM lpvlm.runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.RunResult
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run, err := decodeRun(raw)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Close closes the database pool
func (rs *RunStore) Close() error {
	return rs.db.Close()
}

func decodeRun(raw []byte) (*models.RunResult, error) {
	var run models.RunResult
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, fmt.Errorf("failed to decode stored run: %w", err)
	}
	return &run, nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

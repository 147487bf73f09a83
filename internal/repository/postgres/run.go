package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/rageval/internal/repository"
)

const schema = `
	CREATE TABLE IF NOT EXISTS eval_runs (
		id            UUID PRIMARY KEY,
		label         TEXT NOT NULL,
		dataset       TEXT NOT NULL,
		artifact_path TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		prompt_count  INTEGER NOT NULL DEFAULT 0,
		evaluated     INTEGER NOT NULL DEFAULT 0,
		failed        INTEGER NOT NULL DEFAULT 0,
		aggregate     JSONB,
		started_at    TIMESTAMPTZ NOT NULL,
		completed_at  TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS eval_records (
		run_id      UUID NOT NULL REFERENCES eval_runs(id) ON DELETE CASCADE,
		idx         INTEGER NOT NULL,
		prompt      TEXT NOT NULL,
		error_stage TEXT NOT NULL DEFAULT '',
		body        JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (run_id, idx)
	);
`

// RunRepo implements repository.RunRepository
type RunRepo struct {
	db DBTX
}

var _ repository.RunRepository = (*RunRepo)(nil)

// NewRunRepo creates a new run repository
func NewRunRepo(db *DB) *RunRepo {
	return &RunRepo{db: db.Pool}
}

// EnsureSchema creates the run tables if they do not exist
func (r *RunRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create eval schema: %w", err)
	}
	return nil
}

// CreateRun inserts a run in the running state
func (r *RunRepo) CreateRun(ctx context.Context, run *repository.EvalRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = repository.RunStatusRunning
	}

	query := `
		INSERT INTO eval_runs (id, label, dataset, artifact_path, status, prompt_count, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		run.ID, run.Label, run.Dataset, run.ArtifactPath, run.Status, run.PromptCount, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create eval run: %w", err)
	}
	return nil
}

// AddRecord stores one prompt result. Re-adding an index replaces it.
func (r *RunRepo) AddRecord(ctx context.Context, rec *repository.EvalRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO eval_records (run_id, idx, prompt, error_stage, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, idx) DO UPDATE
		SET prompt = EXCLUDED.prompt, error_stage = EXCLUDED.error_stage, body = EXCLUDED.body
	`
	_, err := r.db.Exec(ctx, query,
		rec.RunID, rec.Index, rec.Prompt, rec.ErrorStage, []byte(rec.Body), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add eval record: %w", err)
	}
	return nil
}

// CompleteRun stores the final counts, status and aggregate
func (r *RunRepo) CompleteRun(ctx context.Context, run *repository.EvalRun) error {
	var aggregateJSON []byte
	if run.Aggregate != nil {
		var err error
		aggregateJSON, err = json.Marshal(run.Aggregate)
		if err != nil {
			return fmt.Errorf("failed to marshal aggregate: %w", err)
		}
	}
	if run.CompletedAt == nil {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}

	query := `
		UPDATE eval_runs
		SET status = $2, evaluated = $3, failed = $4, aggregate = $5, completed_at = $6, artifact_path = $7
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query,
		run.ID, run.Status, run.Evaluated, run.Failed, aggregateJSON, run.CompletedAt, run.ArtifactPath)
	if err != nil {
		return fmt.Errorf("failed to complete eval run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetRun retrieves a run by ID
func (r *RunRepo) GetRun(ctx context.Context, id uuid.UUID) (*repository.EvalRun, error) {
	query := `
		SELECT id, label, dataset, artifact_path, status, prompt_count, evaluated, failed, aggregate, started_at, completed_at
		FROM eval_runs
		WHERE id = $1
	`
	var run repository.EvalRun
	var aggregateJSON []byte

	err := r.db.QueryRow(ctx, query, id).Scan(
		&run.ID, &run.Label, &run.Dataset, &run.ArtifactPath, &run.Status,
		&run.PromptCount, &run.Evaluated, &run.Failed, &aggregateJSON,
		&run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get eval run: %w", err)
	}

	if len(aggregateJSON) > 0 {
		if err := json.Unmarshal(aggregateJSON, &run.Aggregate); err != nil {
			return nil, fmt.Errorf("failed to unmarshal aggregate: %w", err)
		}
	}

	return &run, nil
}

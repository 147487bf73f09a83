// Package repository defines domain models and data access interfaces for evaluation runs.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Run statuses
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusCancelled = "cancelled"
	RunStatusFailed    = "failed"
)

// EvalRun is one pass of the evaluation harness over a gold dataset.
type EvalRun struct {
	ID           uuid.UUID
	Label        string
	Dataset      string
	ArtifactPath string
	Status       string
	PromptCount  int
	Evaluated    int
	Failed       int
	Aggregate    map[string]float64
	StartedAt    time.Time
	CompletedAt  *time.Time
}

// EvalRecord is the stored form of one prompt's result.
type EvalRecord struct {
	RunID      uuid.UUID
	Index      int
	Prompt     string
	ErrorStage string
	Body       json.RawMessage
	CreatedAt  time.Time
}

// RunRepository defines operations for evaluation run persistence
type RunRepository interface {
	CreateRun(ctx context.Context, run *EvalRun) error
	AddRecord(ctx context.Context, rec *EvalRecord) error
	CompleteRun(ctx context.Context, run *EvalRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*EvalRun, error)
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/t77yq/trainflow/internal/model"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// BaselineStore persists model metric baselines
type BaselineStore interface {
	// CreateBaseline stores a new baseline
	CreateBaseline(ctx context.Context, baseline *model.Baseline) error

	// GetBaseline retrieves a baseline by ID
	GetBaseline(ctx context.Context, id string) (*model.Baseline, error)

	// ListBaselines retrieves all baselines for a model; an empty model
	// name lists every baseline
	ListBaselines(ctx context.Context, modelName string) ([]*model.Baseline, error)

	// UpdateBaseline updates an existing baseline
	UpdateBaseline(ctx context.Context, baseline *model.Baseline) error

	// DeleteBaseline removes a baseline by ID
	DeleteBaseline(ctx context.Context, id string) error
}

// ValidationStore persists validation run history
type ValidationStore interface {
	// StoreValidation appends a validation history row
	StoreValidation(ctx context.Context, record *model.ValidationRecord) error

	// ListValidations retrieves validation history with pagination
	ListValidations(ctx context.Context, modelName string, offset, limit int) ([]*model.ValidationRecord, error)
}

// ExecutionStore persists DAG and backfill execution records so that
// execution state is visible across orchestrator instances
type ExecutionStore interface {
	// SaveExecution inserts or updates a DAG execution record
	SaveExecution(ctx context.Context, exec *model.DAGExecution) error

	// GetExecution retrieves a DAG execution record by ID
	GetExecution(ctx context.Context, executionID string) (*model.DAGExecution, error)

	// SaveBackfill inserts or updates a backfill execution record
	SaveBackfill(ctx context.Context, exec *model.BackfillExecution) error

	// ListBackfills retrieves backfill records, newest first
	ListBackfills(ctx context.Context, offset, limit int) ([]*model.BackfillExecution, error)

	// DeleteExecutionsBefore removes execution records started before
	// the given time (retention policy)
	DeleteExecutionsBefore(ctx context.Context, before time.Time) error
}

// ResultCache caches job results keyed by (workflow, job, config hash)
type ResultCache interface {
	// GetResult returns the cached result for the key, or ErrNotFound
	GetResult(ctx context.Context, workflowID, jobID, configHash string) (json.RawMessage, error)

	// PutResult stores a job result under the key, overwriting any
	// prior entry
	PutResult(ctx context.Context, workflowID, jobID, configHash string, result json.RawMessage) error
}

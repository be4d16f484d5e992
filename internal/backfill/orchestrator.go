package backfill

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/trainflow/internal/dag"
	"github.com/t77yq/trainflow/internal/hydrate"
	"github.com/t77yq/trainflow/internal/model"
	"github.com/t77yq/trainflow/internal/storage"
)

// Orchestrator replays a job template across a date range, submitting one
// DAG execution per generated date
type Orchestrator struct {
	logger *zap.Logger
	dag    *dag.Orchestrator
	store  storage.ExecutionStore // optional
}

// NewOrchestrator creates a backfill orchestrator. store may be nil.
func NewOrchestrator(dagOrch *dag.Orchestrator, store storage.ExecutionStore, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		logger: logger.Named("backfill-orchestrator"),
		dag:    dagOrch,
		store:  store,
	}
}

// Execute runs the backfill and blocks until every per-date execution has
// settled. Executions are grouped into batches of cfg.Parallelism; the
// orchestrator joins an entire batch before starting the next one, which
// bounds peak concurrent load while still overlapping work within a batch.
//
// A failing date does not stop other dates unless cfg.StopOnFailure is
// set; the aggregate status is failed iff any per-date execution failed.
func (o *Orchestrator) Execute(ctx context.Context, name string, template []model.JobConfig, cfg model.BackfillConfig) (*model.BackfillExecution, error) {
	if cfg.Parallelism < 1 {
		return nil, fmt.Errorf("parallelism must be positive, got %d", cfg.Parallelism)
	}

	dates, err := hydrate.DateRange(cfg.StartDate, cfg.EndDate, cfg.Interval)
	if err != nil {
		return nil, err
	}

	// Surface template definition errors synchronously, before any
	// execution is created.
	if err := dag.Validate(hydrate.Hydrate(template, dates[0], cfg.Interval)); err != nil {
		return nil, fmt.Errorf("invalid job template: %w", err)
	}

	bf := &model.BackfillExecution{
		ID:              uuid.New().String(),
		Name:            name,
		TemplateID:      cfg.TemplateID,
		Status:          model.ExecutionStatusRunning,
		StartedAt:       time.Now(),
		TotalExecutions: len(dates),
	}
	o.persist(bf)

	o.logger.Info("Backfill started",
		zap.String("backfill_id", bf.ID),
		zap.String("template_id", cfg.TemplateID),
		zap.Int("dates", len(dates)),
		zap.Int("parallelism", cfg.Parallelism))

	workflowID := "backfill-" + cfg.TemplateID
	opts := dag.Options{EnableCache: cfg.EnableCache}

	executionIDs := make([]string, len(dates))
	statuses := make([]model.ExecutionStatus, len(dates))

	for start := 0; start < len(dates); start += cfg.Parallelism {
		if ctx.Err() != nil {
			bf.Status = model.ExecutionStatusCancelled
			break
		}

		end := start + cfg.Parallelism
		if end > len(dates) {
			end = len(dates)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int, date time.Time) {
				defer wg.Done()
				statuses[i], executionIDs[i] = o.runDate(ctx, workflowID, template, date, cfg.Interval, opts)
			}(i, dates[i])
		}
		wg.Wait()

		batchFailed := false
		for i := start; i < end; i++ {
			if statuses[i] == model.ExecutionStatusFailed {
				batchFailed = true
			}
		}
		if batchFailed && cfg.StopOnFailure {
			o.logger.Warn("Backfill stopping early on failure",
				zap.String("backfill_id", bf.ID),
				zap.Int("dates_submitted", end))
			break
		}
	}

	for i, status := range statuses {
		switch status {
		case model.ExecutionStatusCompleted:
			bf.CompletedExecutions++
		case model.ExecutionStatusFailed:
			bf.FailedExecutions++
		}
		if executionIDs[i] != "" {
			bf.ExecutionIDs = append(bf.ExecutionIDs, executionIDs[i])
		}
	}

	now := time.Now()
	bf.CompletedAt = &now
	if bf.Status != model.ExecutionStatusCancelled {
		if bf.FailedExecutions > 0 {
			bf.Status = model.ExecutionStatusFailed
		} else {
			bf.Status = model.ExecutionStatusCompleted
		}
	}
	o.persist(bf)

	o.logger.Info("Backfill finished",
		zap.String("backfill_id", bf.ID),
		zap.String("status", string(bf.Status)),
		zap.Int("completed", bf.CompletedExecutions),
		zap.Int("failed", bf.FailedExecutions))

	return bf, nil
}

// runDate hydrates the template for one date, submits it, and waits for
// the execution to settle.
func (o *Orchestrator) runDate(ctx context.Context, workflowID string, template []model.JobConfig, date time.Time, interval model.Interval, opts dag.Options) (model.ExecutionStatus, string) {
	jobs := hydrate.Hydrate(template, date, interval)

	executionID, err := o.dag.Execute(ctx, workflowID, jobs, opts)
	if err != nil {
		o.logger.Error("Failed to submit per-date execution",
			zap.String("workflow_id", workflowID),
			zap.Time("date", date),
			zap.Error(err))
		return model.ExecutionStatusFailed, ""
	}

	exec, err := o.dag.Wait(ctx, executionID)
	if err != nil {
		o.logger.Error("Failed waiting for per-date execution",
			zap.String("execution_id", executionID),
			zap.Error(err))
		return model.ExecutionStatusFailed, executionID
	}
	return exec.Status, executionID
}

func (o *Orchestrator) persist(bf *model.BackfillExecution) {
	if o.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.SaveBackfill(ctx, bf); err != nil {
		o.logger.Error("Failed to persist backfill",
			zap.String("backfill_id", bf.ID),
			zap.Error(err))
	}
}

package dag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/trainflow/internal/model"
	"github.com/t77yq/trainflow/internal/storage"
)

// Options control one DAG execution
type Options struct {
	// Parallelism bounds concurrent jobs within a dependency level.
	// Zero means unbounded within the level.
	Parallelism int

	// EnableCache serves job results from a prior identical execution
	// keyed by (workflowID, jobID, config hash).
	EnableCache bool
}

// Orchestrator executes job DAGs level by level, honoring dependsOn edges
type Orchestrator struct {
	logger *zap.Logger
	runner JobRunner
	store  storage.ExecutionStore // optional, for cross-instance visibility
	cache  storage.ResultCache    // optional, used when Options.EnableCache

	mu         sync.RWMutex
	executions map[string]*execState
}

type execState struct {
	mu        sync.Mutex
	exec      *model.DAGExecution
	jobs      map[string]model.JobConfig
	levels    [][]string
	done      chan struct{}
	cancel    context.CancelFunc
	cancelled bool
}

// NewOrchestrator creates a DAG orchestrator. store and cache may be nil.
func NewOrchestrator(runner JobRunner, store storage.ExecutionStore, cache storage.ResultCache, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		logger:     logger.Named("dag-orchestrator"),
		runner:     runner,
		store:      store,
		cache:      cache,
		executions: make(map[string]*execState),
	}
}

// Execute validates the job set and starts an asynchronous execution.
// Definition errors (cycles, dangling or duplicate ids) are returned
// synchronously and no execution is created. On success the execution id
// is returned immediately; callers poll GetExecution or block on Wait.
func (o *Orchestrator) Execute(ctx context.Context, workflowID string, jobs []model.JobConfig, opts Options) (string, error) {
	levels, err := buildLevels(jobs)
	if err != nil {
		return "", err
	}

	jobsByID := make(map[string]model.JobConfig, len(jobs))
	statuses := make(map[string]model.JobStatus, len(jobs))
	for _, job := range jobs {
		jobsByID[job.ID] = job
		statuses[job.ID] = model.JobStatusPending
	}

	runCtx, cancel := context.WithCancel(context.Background())
	state := &execState{
		exec: &model.DAGExecution{
			ExecutionID: uuid.New().String(),
			WorkflowID:  workflowID,
			Status:      model.ExecutionStatusRunning,
			StartedAt:   time.Now(),
			Progress:    model.ExecutionProgress{Total: len(jobs)},
			JobStatuses: statuses,
		},
		jobs:   jobsByID,
		levels: levels,
		done:   make(chan struct{}),
		cancel: cancel,
	}

	o.mu.Lock()
	o.executions[state.exec.ExecutionID] = state
	o.mu.Unlock()

	o.persist(state)

	o.logger.Info("Execution started",
		zap.String("execution_id", state.exec.ExecutionID),
		zap.String("workflow_id", workflowID),
		zap.Int("jobs", len(jobs)),
		zap.Int("levels", len(levels)))

	go o.run(runCtx, state, opts)

	return state.exec.ExecutionID, nil
}

// GetExecution returns a snapshot of a tracked execution. Falls back to
// the shared store for executions owned by other orchestrator instances.
func (o *Orchestrator) GetExecution(ctx context.Context, executionID string) (*model.DAGExecution, error) {
	o.mu.RLock()
	state, ok := o.executions[executionID]
	o.mu.RUnlock()

	if ok {
		state.mu.Lock()
		defer state.mu.Unlock()
		return snapshotExecution(state.exec), nil
	}

	if o.store != nil {
		exec, err := o.store.GetExecution(ctx, executionID)
		if err == nil {
			return exec, nil
		}
		if err != storage.ErrNotFound {
			return nil, err
		}
	}
	return nil, ErrExecutionNotFound
}

// Wait blocks until the execution reaches a terminal state or the context
// is cancelled, then returns the final snapshot.
func (o *Orchestrator) Wait(ctx context.Context, executionID string) (*model.DAGExecution, error) {
	o.mu.RLock()
	state, ok := o.executions[executionID]
	o.mu.RUnlock()
	if !ok {
		return nil, ErrExecutionNotFound
	}

	select {
	case <-state.done:
		return o.GetExecution(ctx, executionID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops scheduling of further levels. Jobs already dispatched run
// to completion; the terminal status becomes cancelled once in-flight
// work drains.
func (o *Orchestrator) Cancel(executionID string) error {
	o.mu.RLock()
	state, ok := o.executions[executionID]
	o.mu.RUnlock()
	if !ok {
		return ErrExecutionNotFound
	}

	state.mu.Lock()
	alreadyTerminal := state.exec.Status.Terminal()
	if !alreadyTerminal {
		state.cancelled = true
	}
	state.mu.Unlock()

	if alreadyTerminal {
		return nil
	}

	o.logger.Info("Execution cancelled", zap.String("execution_id", executionID))
	return nil
}

// run drives the execution level by level. All jobs within a level run
// concurrently (bounded by opts.Parallelism); the orchestrator joins the
// whole level before advancing. This is the sole synchronization point.
func (o *Orchestrator) run(ctx context.Context, state *execState, opts Options) {
	failed := make(map[string]bool)

	for _, level := range state.levels {
		state.mu.Lock()
		cancelled := state.cancelled
		state.mu.Unlock()
		if cancelled {
			break
		}

		var runnable []model.JobConfig
		for _, jobID := range level {
			job := state.jobs[jobID]
			if depFailed(job, failed) {
				// Skipped-as-failed: the handler is never invoked.
				o.finishJob(state, job.ID, model.JobStatusFailed)
				failed[job.ID] = true
				o.logger.Warn("Job skipped, dependency failed",
					zap.String("execution_id", state.exec.ExecutionID),
					zap.String("job_id", job.ID))
				continue
			}
			runnable = append(runnable, job)
		}

		var sem chan struct{}
		if opts.Parallelism > 0 {
			sem = make(chan struct{}, opts.Parallelism)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, job := range runnable {
			wg.Add(1)
			go func(job model.JobConfig) {
				defer wg.Done()
				if sem != nil {
					sem <- struct{}{}
					defer func() { <-sem }()
				}

				ok := o.runJob(ctx, state, job, opts)
				if !ok {
					mu.Lock()
					failed[job.ID] = true
					mu.Unlock()
				}
			}(job)
		}
		wg.Wait()
	}

	state.mu.Lock()
	now := time.Now()
	state.exec.CompletedAt = &now
	switch {
	case state.cancelled:
		state.exec.Status = model.ExecutionStatusCancelled
	case state.exec.Progress.Failed > 0:
		state.exec.Status = model.ExecutionStatusFailed
	default:
		state.exec.Status = model.ExecutionStatusCompleted
	}
	finalStatus := state.exec.Status
	state.mu.Unlock()

	state.cancel()
	o.persist(state)
	close(state.done)

	o.logger.Info("Execution finished",
		zap.String("execution_id", state.exec.ExecutionID),
		zap.String("status", string(finalStatus)))
}

// runJob executes a single job, consulting the result cache first when
// enabled. Returns false if the job failed.
func (o *Orchestrator) runJob(ctx context.Context, state *execState, job model.JobConfig, opts Options) bool {
	if opts.EnableCache && o.cache != nil {
		hash := configHash(job)
		if _, err := o.cache.GetResult(ctx, state.exec.WorkflowID, job.ID, hash); err == nil {
			// Cache hit still counts toward completed.
			o.finishJob(state, job.ID, model.JobStatusCompleted)
			o.logger.Debug("Job served from cache",
				zap.String("execution_id", state.exec.ExecutionID),
				zap.String("job_id", job.ID))
			return true
		}
	}

	state.mu.Lock()
	state.exec.Progress.Running++
	state.exec.JobStatuses[job.ID] = model.JobStatusRunning
	state.mu.Unlock()

	result, err := o.runner.RunJob(ctx, state.exec.ExecutionID, job)

	state.mu.Lock()
	state.exec.Progress.Running--
	state.mu.Unlock()

	if err != nil {
		o.finishJob(state, job.ID, model.JobStatusFailed)
		o.logger.Warn("Job failed",
			zap.String("execution_id", state.exec.ExecutionID),
			zap.String("job_id", job.ID),
			zap.Error(err))
		return false
	}

	if opts.EnableCache && o.cache != nil {
		if err := o.cache.PutResult(ctx, state.exec.WorkflowID, job.ID, configHash(job), result); err != nil {
			o.logger.Error("Failed to cache job result",
				zap.String("job_id", job.ID),
				zap.Error(err))
		}
	}

	o.finishJob(state, job.ID, model.JobStatusCompleted)
	return true
}

// finishJob records a terminal job status and updates progress counts
func (o *Orchestrator) finishJob(state *execState, jobID string, status model.JobStatus) {
	state.mu.Lock()
	defer state.mu.Unlock()

	state.exec.JobStatuses[jobID] = status
	if status == model.JobStatusFailed {
		state.exec.Progress.Failed++
	} else {
		state.exec.Progress.Completed++
	}
}

// persist writes the execution record through the shared store, if any
func (o *Orchestrator) persist(state *execState) {
	if o.store == nil {
		return
	}

	state.mu.Lock()
	snapshot := snapshotExecution(state.exec)
	state.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.SaveExecution(ctx, snapshot); err != nil {
		o.logger.Error("Failed to persist execution",
			zap.String("execution_id", snapshot.ExecutionID),
			zap.Error(err))
	}
}

// Validate checks a job set for definition errors (cycles, dangling or
// duplicate ids) without starting an execution.
func Validate(jobs []model.JobConfig) error {
	_, err := buildLevels(jobs)
	return err
}

// buildLevels partitions jobs into dependency levels via repeated removal
// of jobs whose dependencies are already resolved (Kahn's algorithm).
// A non-empty remainder means a cycle.
func buildLevels(jobs []model.JobConfig) ([][]string, error) {
	if len(jobs) == 0 {
		return nil, ErrNoJobs
	}

	ids := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if ids[job.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateJobID, job.ID)
		}
		ids[job.ID] = true
	}

	indegree := make(map[string]int, len(jobs))
	dependents := make(map[string][]string)
	for _, job := range jobs {
		indegree[job.ID] = len(job.DependsOn)
		for _, dep := range job.DependsOn {
			if !ids[dep] {
				return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, job.ID, dep)
			}
			dependents[dep] = append(dependents[dep], job.ID)
		}
	}

	var levels [][]string
	placed := 0
	current := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if indegree[job.ID] == 0 {
			current = append(current, job.ID)
		}
	}

	for len(current) > 0 {
		levels = append(levels, current)
		placed += len(current)

		var next []string
		for _, id := range current {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}

	if placed != len(jobs) {
		return nil, ErrCircularDependency
	}
	return levels, nil
}

func depFailed(job model.JobConfig, failed map[string]bool) bool {
	for _, dep := range job.DependsOn {
		if failed[dep] {
			return true
		}
	}
	return false
}

// configHash produces a stable digest of a job's hydrated config.
// encoding/json sorts map keys, so equal configs hash equally.
func configHash(job model.JobConfig) string {
	data, err := json.Marshal(job.Config)
	if err != nil {
		data = []byte(job.ID)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func snapshotExecution(exec *model.DAGExecution) *model.DAGExecution {
	out := *exec
	out.JobStatuses = make(map[string]model.JobStatus, len(exec.JobStatuses))
	for id, status := range exec.JobStatuses {
		out.JobStatuses[id] = status
	}
	if exec.CompletedAt != nil {
		t := *exec.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

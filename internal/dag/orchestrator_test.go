package dag

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/trainflow/internal/model"
	"github.com/t77yq/trainflow/internal/storage"
)

// memoryCache is a test double for storage.ResultCache
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]json.RawMessage)}
}

func (c *memoryCache) GetResult(ctx context.Context, workflowID, jobID, configHash string) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.entries[workflowID+"/"+jobID+"/"+configHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return result, nil
}

func (c *memoryCache) PutResult(ctx context.Context, workflowID, jobID, configHash string, result json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[workflowID+"/"+jobID+"/"+configHash] = result
	return nil
}

func noopHandler(delay time.Duration) JobHandlerFunc {
	return func(ctx context.Context, job model.JobConfig) (json.RawMessage, error) {
		if delay > 0 {
			time.Sleep(delay)
		}
		return json.RawMessage(`{"ok":true}`), nil
	}
}

func awaitTerminal(t *testing.T, o *Orchestrator, executionID string) *model.DAGExecution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exec, err := o.Wait(ctx, executionID)
	require.NoError(t, err)
	return exec
}

func TestExecuteRespectsDependencies(t *testing.T) {
	registry := NewHandlerRegistry()

	var mu sync.Mutex
	var order []string
	registry.RegisterFunc("step", func(ctx context.Context, job model.JobConfig) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, job.ID)
		mu.Unlock()
		return nil, nil
	})

	o := NewOrchestrator(registry, nil, nil, zap.NewNop())

	jobs := []model.JobConfig{
		{ID: "c", Type: "step", DependsOn: []string{"a", "b"}},
		{ID: "a", Type: "step"},
		{ID: "b", Type: "step", DependsOn: []string{"a"}},
	}

	id, err := o.Execute(context.Background(), "wf-order", jobs, Options{})
	require.NoError(t, err)

	exec := awaitTerminal(t, o, id)
	assert.Equal(t, model.ExecutionStatusCompleted, exec.Status)

	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestExecuteRejectsBadDefinitions(t *testing.T) {
	o := NewOrchestrator(NewHandlerRegistry(), nil, nil, zap.NewNop())

	t.Run("Cycle", func(t *testing.T) {
		_, err := o.Execute(context.Background(), "wf", []model.JobConfig{
			{ID: "a", Type: "step", DependsOn: []string{"b"}},
			{ID: "b", Type: "step", DependsOn: []string{"a"}},
		}, Options{})
		assert.ErrorIs(t, err, ErrCircularDependency)
	})

	t.Run("UnknownDependency", func(t *testing.T) {
		_, err := o.Execute(context.Background(), "wf", []model.JobConfig{
			{ID: "a", Type: "step", DependsOn: []string{"ghost"}},
		}, Options{})
		assert.ErrorIs(t, err, ErrUnknownDependency)
	})

	t.Run("DuplicateID", func(t *testing.T) {
		_, err := o.Execute(context.Background(), "wf", []model.JobConfig{
			{ID: "a", Type: "step"},
			{ID: "a", Type: "step"},
		}, Options{})
		assert.ErrorIs(t, err, ErrDuplicateJobID)
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := o.Execute(context.Background(), "wf", nil, Options{})
		assert.ErrorIs(t, err, ErrNoJobs)
	})
}

func TestFailurePropagatesToDependents(t *testing.T) {
	registry := NewHandlerRegistry()

	var mu sync.Mutex
	invoked := make(map[string]bool)
	registry.RegisterFunc("step", func(ctx context.Context, job model.JobConfig) (json.RawMessage, error) {
		mu.Lock()
		invoked[job.ID] = true
		mu.Unlock()
		if job.ID == "a" {
			return nil, errors.New("boom")
		}
		return nil, nil
	})

	o := NewOrchestrator(registry, nil, nil, zap.NewNop())

	// a fails; b and c depend on it (c transitively) and must be marked
	// failed without their handlers running. d is independent and runs.
	jobs := []model.JobConfig{
		{ID: "a", Type: "step"},
		{ID: "b", Type: "step", DependsOn: []string{"a"}},
		{ID: "c", Type: "step", DependsOn: []string{"b"}},
		{ID: "d", Type: "step"},
	}

	id, err := o.Execute(context.Background(), "wf-fail", jobs, Options{})
	require.NoError(t, err)

	exec := awaitTerminal(t, o, id)
	assert.Equal(t, model.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, 3, exec.Progress.Failed)
	assert.Equal(t, 1, exec.Progress.Completed)
	assert.Equal(t, exec.Progress.Total, exec.Progress.Completed+exec.Progress.Failed)

	assert.Equal(t, model.JobStatusFailed, exec.JobStatuses["b"])
	assert.Equal(t, model.JobStatusFailed, exec.JobStatuses["c"])
	assert.Equal(t, model.JobStatusCompleted, exec.JobStatuses["d"])

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, invoked["b"], "handler for skipped job b must not run")
	assert.False(t, invoked["c"], "handler for skipped job c must not run")
	assert.True(t, invoked["d"])
}

func TestHandlerNotFoundFailsJobOnly(t *testing.T) {
	registry := NewHandlerRegistry()
	registry.Register("step", noopHandler(0))

	o := NewOrchestrator(registry, nil, nil, zap.NewNop())

	id, err := o.Execute(context.Background(), "wf-missing", []model.JobConfig{
		{ID: "known", Type: "step"},
		{ID: "unknown", Type: "not-registered"},
	}, Options{})
	require.NoError(t, err)

	exec := awaitTerminal(t, o, id)
	assert.Equal(t, model.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, model.JobStatusCompleted, exec.JobStatuses["known"])
	assert.Equal(t, model.JobStatusFailed, exec.JobStatuses["unknown"])
}

func TestParallelismBoundWithinLevel(t *testing.T) {
	registry := NewHandlerRegistry()

	var mu sync.Mutex
	current, peak := 0, 0
	registry.RegisterFunc("step", func(ctx context.Context, job model.JobConfig) (json.RawMessage, error) {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		current--
		mu.Unlock()
		return nil, nil
	})

	o := NewOrchestrator(registry, nil, nil, zap.NewNop())

	var jobs []model.JobConfig
	for _, id := range []string{"j1", "j2", "j3", "j4", "j5", "j6"} {
		jobs = append(jobs, model.JobConfig{ID: id, Type: "step"})
	}

	id, err := o.Execute(context.Background(), "wf-par", jobs, Options{Parallelism: 2})
	require.NoError(t, err)
	awaitTerminal(t, o, id)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
	assert.Greater(t, peak, 0)
}

func TestCancelStopsSchedulingFurtherLevels(t *testing.T) {
	registry := NewHandlerRegistry()

	var mu sync.Mutex
	invoked := make(map[string]bool)
	started := make(chan struct{}, 1)
	registry.RegisterFunc("step", func(ctx context.Context, job model.JobConfig) (json.RawMessage, error) {
		mu.Lock()
		invoked[job.ID] = true
		mu.Unlock()
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(100 * time.Millisecond)
		return nil, nil
	})

	o := NewOrchestrator(registry, nil, nil, zap.NewNop())

	id, err := o.Execute(context.Background(), "wf-cancel", []model.JobConfig{
		{ID: "first", Type: "step"},
		{ID: "second", Type: "step", DependsOn: []string{"first"}},
	}, Options{})
	require.NoError(t, err)

	<-started
	require.NoError(t, o.Cancel(id))

	exec := awaitTerminal(t, o, id)
	assert.Equal(t, model.ExecutionStatusCancelled, exec.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, invoked["first"])
	assert.False(t, invoked["second"], "job in later level must not start after cancel")
}

func TestResultCacheSkipsReExecution(t *testing.T) {
	registry := NewHandlerRegistry()

	var mu sync.Mutex
	calls := 0
	registry.RegisterFunc("step", func(ctx context.Context, job model.JobConfig) (json.RawMessage, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return json.RawMessage(`{"metric":1}`), nil
	})

	cache := newMemoryCache()
	o := NewOrchestrator(registry, nil, cache, zap.NewNop())

	jobs := []model.JobConfig{{
		ID:     "train-20240307",
		Type:   "step",
		Config: map[string]interface{}{"epochs": 10},
	}}

	first, err := o.Execute(context.Background(), "wf-cache", jobs, Options{EnableCache: true})
	require.NoError(t, err)
	exec := awaitTerminal(t, o, first)
	require.Equal(t, model.ExecutionStatusCompleted, exec.Status)

	second, err := o.Execute(context.Background(), "wf-cache", jobs, Options{EnableCache: true})
	require.NoError(t, err)
	exec = awaitTerminal(t, o, second)

	assert.Equal(t, model.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 1, exec.Progress.Completed, "cache hit still counts toward completed")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "second run must be served from cache")
}

func TestGetExecutionNotFound(t *testing.T) {
	o := NewOrchestrator(NewHandlerRegistry(), nil, nil, zap.NewNop())
	_, err := o.GetExecution(context.Background(), "no-such-execution")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

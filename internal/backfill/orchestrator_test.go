package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/trainflow/internal/dag"
	"github.com/t77yq/trainflow/internal/model"
)

func dailyConfig(days, parallelism int) model.BackfillConfig {
	start := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	return model.BackfillConfig{
		TemplateID:  "nightly-train",
		StartDate:   start,
		EndDate:     start.AddDate(0, 0, days-1),
		Interval:    model.IntervalDay,
		Parallelism: parallelism,
	}
}

func singleJobTemplate() []model.JobConfig {
	return []model.JobConfig{{
		ID:   "train-{{DATE}}",
		Name: "train {{ISO_DATE}}",
		Type: "train",
		Config: map[string]interface{}{
			"partition": "dt={{ISO_DATE}}",
		},
	}}
}

func TestBackfillRunsEveryDate(t *testing.T) {
	registry := dag.NewHandlerRegistry()

	var mu sync.Mutex
	seen := make(map[string]bool)
	registry.RegisterFunc("train", func(ctx context.Context, job model.JobConfig) (json.RawMessage, error) {
		mu.Lock()
		seen[job.ID] = true
		mu.Unlock()
		return nil, nil
	})

	dagOrch := dag.NewOrchestrator(registry, nil, nil, zap.NewNop())
	o := NewOrchestrator(dagOrch, nil, zap.NewNop())

	bf, err := o.Execute(context.Background(), "march-backfill", singleJobTemplate(), dailyConfig(5, 2))
	require.NoError(t, err)

	assert.Equal(t, model.ExecutionStatusCompleted, bf.Status)
	assert.Equal(t, 5, bf.TotalExecutions)
	assert.Equal(t, 5, bf.CompletedExecutions)
	assert.Equal(t, 0, bf.FailedExecutions)
	assert.Len(t, bf.ExecutionIDs, 5)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 5)
	assert.True(t, seen["train-20240301"])
	assert.True(t, seen["train-20240305"])
}

func TestBackfillFailureIsolation(t *testing.T) {
	registry := dag.NewHandlerRegistry()

	var mu sync.Mutex
	executed := 0
	registry.RegisterFunc("train", func(ctx context.Context, job model.JobConfig) (json.RawMessage, error) {
		mu.Lock()
		executed++
		mu.Unlock()
		if strings.HasSuffix(job.ID, "20240302") {
			return nil, errors.New("bad partition")
		}
		return nil, nil
	})

	dagOrch := dag.NewOrchestrator(registry, nil, nil, zap.NewNop())
	o := NewOrchestrator(dagOrch, nil, zap.NewNop())

	bf, err := o.Execute(context.Background(), "bf", singleJobTemplate(), dailyConfig(4, 2))
	require.NoError(t, err)

	// One failing date does not stop the others; the aggregate status
	// reports the failure.
	assert.Equal(t, model.ExecutionStatusFailed, bf.Status)
	assert.Equal(t, 4, bf.TotalExecutions)
	assert.Equal(t, 3, bf.CompletedExecutions)
	assert.Equal(t, 1, bf.FailedExecutions)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, executed, "every date must be attempted")
}

func TestBackfillStopOnFailure(t *testing.T) {
	registry := dag.NewHandlerRegistry()
	registry.RegisterFunc("train", func(ctx context.Context, job model.JobConfig) (json.RawMessage, error) {
		return nil, errors.New("always fails")
	})

	dagOrch := dag.NewOrchestrator(registry, nil, nil, zap.NewNop())
	o := NewOrchestrator(dagOrch, nil, zap.NewNop())

	cfg := dailyConfig(6, 2)
	cfg.StopOnFailure = true

	bf, err := o.Execute(context.Background(), "bf", singleJobTemplate(), cfg)
	require.NoError(t, err)

	assert.Equal(t, model.ExecutionStatusFailed, bf.Status)
	// Only the first batch ran.
	assert.Equal(t, 2, bf.FailedExecutions)
	assert.Equal(t, 0, bf.CompletedExecutions)
}

func TestBackfillBatchedConcurrency(t *testing.T) {
	const (
		jobDuration = 60 * time.Millisecond
		dates       = 6
		parallelism = 2
	)

	registry := dag.NewHandlerRegistry()

	var mu sync.Mutex
	current, peak := 0, 0
	registry.RegisterFunc("train", func(ctx context.Context, job model.JobConfig) (json.RawMessage, error) {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()

		time.Sleep(jobDuration)

		mu.Lock()
		current--
		mu.Unlock()
		return nil, nil
	})

	dagOrch := dag.NewOrchestrator(registry, nil, nil, zap.NewNop())
	o := NewOrchestrator(dagOrch, nil, zap.NewNop())

	started := time.Now()
	bf, err := o.Execute(context.Background(), "bf", singleJobTemplate(), dailyConfig(dates, parallelism))
	require.NoError(t, err)
	elapsed := time.Since(started)

	require.Equal(t, model.ExecutionStatusCompleted, bf.Status)

	mu.Lock()
	assert.LessOrEqual(t, peak, parallelism, "peak concurrency bounded by parallelism")
	mu.Unlock()

	// ceil(6/2) = 3 batches: slower than fully parallel, faster than
	// sequential.
	batches := (dates + parallelism - 1) / parallelism
	assert.GreaterOrEqual(t, elapsed, time.Duration(batches)*jobDuration-10*time.Millisecond)
	assert.Less(t, elapsed, time.Duration(dates)*jobDuration)
}

func TestBackfillRejectsBadInput(t *testing.T) {
	dagOrch := dag.NewOrchestrator(dag.NewHandlerRegistry(), nil, nil, zap.NewNop())
	o := NewOrchestrator(dagOrch, nil, zap.NewNop())

	t.Run("NonPositiveParallelism", func(t *testing.T) {
		cfg := dailyConfig(3, 0)
		_, err := o.Execute(context.Background(), "bf", singleJobTemplate(), cfg)
		assert.Error(t, err)
	})

	t.Run("CyclicTemplate", func(t *testing.T) {
		template := []model.JobConfig{
			{ID: "a-{{DATE}}", Type: "train", DependsOn: []string{"b-{{DATE}}"}},
			{ID: "b-{{DATE}}", Type: "train", DependsOn: []string{"a-{{DATE}}"}},
		}
		_, err := o.Execute(context.Background(), "bf", template, dailyConfig(2, 1))
		assert.ErrorIs(t, err, dag.ErrCircularDependency)
	})

	t.Run("EndBeforeStart", func(t *testing.T) {
		cfg := dailyConfig(3, 1)
		cfg.EndDate = cfg.StartDate.AddDate(0, 0, -1)
		_, err := o.Execute(context.Background(), "bf", singleJobTemplate(), cfg)
		assert.Error(t, err)
	})
}

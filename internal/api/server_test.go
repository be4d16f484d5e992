package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/trainflow/internal/backfill"
	"github.com/t77yq/trainflow/internal/baseline"
	"github.com/t77yq/trainflow/internal/dag"
	"github.com/t77yq/trainflow/internal/model"
	"github.com/t77yq/trainflow/internal/schedule"
	"github.com/t77yq/trainflow/internal/storage"
	"github.com/t77yq/trainflow/internal/worker"
)

// stubQueue satisfies the Queue interface without a NATS connection
type stubQueue struct {
	paused bool
	stats  model.QueueStats
}

func (q *stubQueue) Pause()  { q.paused = true }
func (q *stubQueue) Resume() { q.paused = false }
func (q *stubQueue) Stats() model.QueueStats {
	stats := q.stats
	stats.Paused = q.paused
	return stats
}

func newTestServer(t *testing.T) (*Server, *stubQueue) {
	t.Helper()

	logger := zap.NewNop()
	store, err := storage.NewSQLiteStore(logger, filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := dag.NewHandlerRegistry()
	registry.RegisterFunc("noop", func(ctx context.Context, job model.JobConfig) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	})

	orchestrator := dag.NewOrchestrator(registry, store, store, logger)
	backfiller := backfill.NewOrchestrator(orchestrator, store, logger)
	workers := worker.NewManager(worker.Config{StalenessWindow: time.Minute}, logger)
	baselines := baseline.NewManager(store, store, logger)
	scheduler := schedule.NewWorkflowScheduler(orchestrator, logger)
	t.Cleanup(scheduler.Stop)
	q := &stubQueue{}

	server := NewServer(Deps{
		DAG:       orchestrator,
		Backfill:  backfiller,
		Workers:   workers,
		Queue:     q,
		Baselines: baselines,
		Schedules: scheduler,
		Store:     store,
	}, logger)

	return server, q
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var decoded map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	}
	return w, decoded
}

func TestWorkerEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	w, resp := doJSON(t, s, http.MethodPost, "/workers/register", map[string]interface{}{
		"worker_id":       "w1",
		"hostname":        "gpu-box",
		"capabilities":    []string{"gpu"},
		"max_concurrency": 4,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "w1", resp["worker_id"])

	w, resp = doJSON(t, s, http.MethodGet, "/workers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), resp["count"])

	w, resp = doJSON(t, s, http.MethodPost, "/workers/w1/heartbeat", map[string]interface{}{
		"worker_id":    "w1",
		"current_load": 2,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "busy", resp["status"])
	assert.Equal(t, float64(2), resp["current_load"])

	w, _ = doJSON(t, s, http.MethodPost, "/workers/ghost/heartbeat", map[string]interface{}{"worker_id": "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, resp = doJSON(t, s, http.MethodDelete, "/workers/w1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["success"])

	w, resp = doJSON(t, s, http.MethodGet, "/workers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), resp["count"], "deregistration must be immediately visible")

	w, _ = doJSON(t, s, http.MethodDelete, "/workers/w1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueueEndpoints(t *testing.T) {
	s, q := newTestServer(t)
	q.stats = model.QueueStats{Waiting: 2, Active: 1, Completed: 7, Total: 10}

	w, resp := doJSON(t, s, http.MethodGet, "/queue/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := resp["stats"].(map[string]interface{})
	assert.Equal(t, float64(2), stats["waiting"])
	assert.Equal(t, float64(7), stats["completed"])

	w, _ = doJSON(t, s, http.MethodPost, "/queue/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, q.paused)

	w, _ = doJSON(t, s, http.MethodPost, "/queue/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, q.paused)
}

func TestExecuteEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	w, resp := doJSON(t, s, http.MethodPost, "/execute", map[string]interface{}{
		"workflow_id": "churn-pipeline",
		"jobs": []map[string]interface{}{
			{"id": "prepare", "type": "noop"},
			{"id": "train", "type": "noop", "depends_on": []string{"prepare"}},
		},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, float64(2), resp["job_count"])
	executionID := resp["execution_id"].(string)
	require.NotEmpty(t, executionID)

	deadline := time.Now().Add(5 * time.Second)
	for {
		w, resp = doJSON(t, s, http.MethodGet, "/execute/"+executionID, nil)
		require.Equal(t, http.StatusOK, w.Code)
		execution := resp["execution"].(map[string]interface{})
		if execution["status"] == "completed" {
			progress := execution["progress"].(map[string]interface{})
			assert.Equal(t, float64(2), progress["completed"])
			break
		}
		require.True(t, time.Now().Before(deadline), "execution never completed")
		time.Sleep(20 * time.Millisecond)
	}

	t.Run("CyclicDAGRejected", func(t *testing.T) {
		w, _ := doJSON(t, s, http.MethodPost, "/execute", map[string]interface{}{
			"workflow_id": "bad",
			"jobs": []map[string]interface{}{
				{"id": "a", "type": "noop", "depends_on": []string{"b"}},
				{"id": "b", "type": "noop", "depends_on": []string{"a"}},
			},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("UnknownExecution", func(t *testing.T) {
		w, _ := doJSON(t, s, http.MethodGet, "/execute/nope", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w, resp := doJSON(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["healthy"])

	components := resp["components"].(map[string]interface{})
	assert.Equal(t, true, components["queue"])
	assert.Equal(t, true, components["state_store"])

	workers := resp["workers"].(map[string]interface{})
	assert.Equal(t, float64(0), workers["total"])
}

func TestBackfillEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	w, resp := doJSON(t, s, http.MethodPost, "/training/dag/backfill", map[string]interface{}{
		"name":        "march-replay",
		"template_id": "churn-pipeline",
		"start_date":  "2024-03-01",
		"end_date":    "2024-03-03",
		"interval":    "day",
		"parallelism": 2,
		"jobs": []map[string]interface{}{
			{"id": "train-{{DATE}}", "type": "noop"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["success"])

	stats := resp["stats"].(map[string]interface{})
	assert.Equal(t, float64(3), stats["total_executions"])
	assert.Equal(t, float64(3), stats["completed_executions"])
	assert.Equal(t, float64(0), stats["failed_executions"])

	t.Run("Capabilities", func(t *testing.T) {
		w, resp := doJSON(t, s, http.MethodGet, "/training/dag/backfill", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, resp["supported_intervals"], "day")
		assert.Contains(t, resp["date_parameters"], "{{ISO_DATE}}")
	})

	t.Run("FailedDatesSurfaceInStats", func(t *testing.T) {
		w, resp := doJSON(t, s, http.MethodPost, "/training/dag/backfill", map[string]interface{}{
			"template_id": "broken-pipeline",
			"start_date":  "2024-03-01",
			"end_date":    "2024-03-02",
			"interval":    "day",
			"jobs": []map[string]interface{}{
				{"id": "train-{{DATE}}", "type": "mystery"},
			},
		})
		require.Equal(t, http.StatusOK, w.Code)
		// The request itself succeeded; the aggregate outcome lives in stats.
		assert.Equal(t, true, resp["success"])

		stats := resp["stats"].(map[string]interface{})
		assert.Equal(t, "failed", stats["status"])
		assert.Equal(t, float64(2), stats["failed_executions"])
		assert.Equal(t, float64(0), stats["completed_executions"])
	})

	t.Run("BadDateRejected", func(t *testing.T) {
		w, _ := doJSON(t, s, http.MethodPost, "/training/dag/backfill", map[string]interface{}{
			"template_id": "x",
			"start_date":  "03/01/2024",
			"end_date":    "2024-03-03",
			"jobs":        []map[string]interface{}{{"id": "a", "type": "noop"}},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestBaselineEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	w, resp := doJSON(t, s, http.MethodPost, "/training/baselines", map[string]interface{}{
		"model_name":      "churn-v2",
		"metric_name":     "accuracy",
		"baseline_value":  0.85,
		"threshold_type":  "delta",
		"threshold_value": 0.02,
		"severity":        "critical",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	baselineID := resp["baseline"].(map[string]interface{})["id"].(string)

	w, resp = doJSON(t, s, http.MethodGet, "/training/baselines?model_name=churn-v2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), resp["count"])

	w, resp = doJSON(t, s, http.MethodPost, "/training/baselines/validate", map[string]interface{}{
		"model_name": "churn-v2",
		"metrics":    map[string]float64{"accuracy": 0.82},
	})
	require.Equal(t, http.StatusOK, w.Code)
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, "failed", result["status"])

	w, resp = doJSON(t, s, http.MethodGet, "/training/validations?model_name=churn-v2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), resp["count"])

	w, _ = doJSON(t, s, http.MethodDelete, "/training/baselines/"+baselineID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = doJSON(t, s, http.MethodGet, "/training/baselines/"+baselineID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestScheduleEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	w, resp := doJSON(t, s, http.MethodPost, "/training/schedules", map[string]interface{}{
		"name":        "nightly-train",
		"workflow_id": "churn-pipeline",
		"expression":  "0 0 3 * * *",
		"jobs": []map[string]interface{}{
			{"id": "train-{{ISO_DATE}}", "type": "noop"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	scheduleID := resp["schedule"].(map[string]interface{})["id"].(string)

	w, resp = doJSON(t, s, http.MethodGet, "/training/schedules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), resp["count"])

	w, _ = doJSON(t, s, http.MethodGet, "/training/schedules/"+scheduleID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = doJSON(t, s, http.MethodDelete, "/training/schedules/"+scheduleID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = doJSON(t, s, http.MethodGet, "/training/schedules/"+scheduleID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

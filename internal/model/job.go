package model

import (
	"encoding/json"
	"time"
)

// JobStatus represents the current status of a job within a DAG execution
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// ExecutionStatus represents the status of a DAG or backfill execution
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// JobConfig describes a single job inside a workflow DAG. Immutable once
// submitted; the hydrator returns copies, never mutates in place.
type JobConfig struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Type      string                 `json:"type"`
	DependsOn []string               `json:"depends_on,omitempty"`
	Config    map[string]interface{} `json:"config,omitempty"`

	// Requires lists capability tags a remote worker must carry to
	// run this job. Empty means any worker qualifies.
	Requires []string `json:"requires,omitempty"`
}

// JobResult represents the outcome of a single job execution
type JobResult struct {
	JobID       string          `json:"job_id"`
	WorkerID    string          `json:"worker_id,omitempty"`
	Status      JobStatus       `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Cached      bool            `json:"cached,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// ExecutionProgress tracks per-job counts for a DAG execution.
// completed+failed+running never exceeds total; at a terminal state
// completed+failed equals total.
type ExecutionProgress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Running   int `json:"running"`
}

// DAGExecution is the tracked state of one submitted workflow run
type DAGExecution struct {
	ExecutionID string               `json:"execution_id"`
	WorkflowID  string               `json:"workflow_id"`
	Status      ExecutionStatus      `json:"status"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	Progress    ExecutionProgress    `json:"progress"`
	JobStatuses map[string]JobStatus `json:"job_statuses,omitempty"`
	Error       string               `json:"error,omitempty"`
}

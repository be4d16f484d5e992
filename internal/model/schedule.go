package model

import (
	"time"
)

// WorkflowSchedule submits a stored job template to the DAG orchestrator
// on a recurring cron expression
type WorkflowSchedule struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Expression  string      `json:"expression"`
	WorkflowID  string      `json:"workflow_id"`
	Jobs        []JobConfig `json:"jobs"`
	Parallelism int         `json:"parallelism,omitempty"`
	LastRunTime *time.Time  `json:"last_run_time,omitempty"`
	NextRunTime *time.Time  `json:"next_run_time,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

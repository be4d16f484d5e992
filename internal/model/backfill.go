package model

import (
	"fmt"
	"time"
)

// Interval is the granularity of a backfill date range
type Interval string

const (
	IntervalHour  Interval = "hour"
	IntervalDay   Interval = "day"
	IntervalWeek  Interval = "week"
	IntervalMonth Interval = "month"
)

// ParseInterval validates and converts a raw interval string.
func ParseInterval(s string) (Interval, error) {
	switch Interval(s) {
	case IntervalHour, IntervalDay, IntervalWeek, IntervalMonth:
		return Interval(s), nil
	}
	return "", fmt.Errorf("unsupported interval: %q", s)
}

// BackfillConfig describes one backfill request: replay a job template
// once per generated date between StartDate and EndDate inclusive.
type BackfillConfig struct {
	TemplateID  string    `json:"template_id"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	Interval    Interval  `json:"interval"`
	Parallelism int       `json:"parallelism"`
	EnableCache bool      `json:"enable_cache"`

	// StopOnFailure aborts remaining batches after the first failed
	// per-date execution. Default is to always run every date and
	// report aggregate failure.
	StopOnFailure bool `json:"stop_on_failure,omitempty"`
}

// BackfillExecution aggregates the per-date DAG executions of one backfill
type BackfillExecution struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	TemplateID          string          `json:"template_id"`
	Status              ExecutionStatus `json:"status"`
	StartedAt           time.Time       `json:"started_at"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	TotalExecutions     int             `json:"total_executions"`
	CompletedExecutions int             `json:"completed_executions"`
	FailedExecutions    int             `json:"failed_executions"`
	ExecutionIDs        []string        `json:"execution_ids"`
}

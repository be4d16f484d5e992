package model

import "time"

// RegressionAlert is raised when a metric with alerting enabled
// regresses past its baseline threshold.
type RegressionAlert struct {
	ID          string    `json:"id"`
	ModelName   string    `json:"model_name"`
	MetricName  string    `json:"metric_name"`
	Severity    Severity  `json:"severity"`
	Message     string    `json:"message"`
	ExecutionID string    `json:"execution_id,omitempty"`
	JobID       string    `json:"job_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

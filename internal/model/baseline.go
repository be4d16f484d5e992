package model

import (
	"fmt"
	"time"
)

// ThresholdType selects how an observed metric is compared to its baseline
type ThresholdType string

const (
	// ThresholdDelta flags a drop larger than the tolerated delta.
	// Assumes higher-is-better metrics.
	ThresholdDelta ThresholdType = "delta"
	// ThresholdMin flags any value below the baseline.
	ThresholdMin ThresholdType = "min"
	// ThresholdMax flags any value above the baseline. Protects
	// lower-is-better metrics such as latency.
	ThresholdMax ThresholdType = "max"
	// ThresholdRatio flags a fractional drop beyond the tolerated ratio.
	ThresholdRatio ThresholdType = "ratio"
)

// ParseThresholdType validates a raw threshold type string.
func ParseThresholdType(s string) (ThresholdType, error) {
	switch ThresholdType(s) {
	case ThresholdDelta, ThresholdMin, ThresholdMax, ThresholdRatio:
		return ThresholdType(s), nil
	}
	return "", fmt.Errorf("unsupported threshold type: %q", s)
}

// Severity controls how a regression affects the overall verdict
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Baseline is a stored reference value and tolerance policy for one
// (model, metric) pair
type Baseline struct {
	ID             string        `json:"id"`
	ModelName      string        `json:"model_name"`
	MetricName     string        `json:"metric_name"`
	MetricCategory string        `json:"metric_category,omitempty"`
	BaselineValue  float64       `json:"baseline_value"`
	ThresholdType  ThresholdType `json:"threshold_type"`
	ThresholdValue float64       `json:"threshold_value"`
	Severity       Severity      `json:"severity"`
	AlertEnabled   bool          `json:"alert_enabled"`
	Description    string        `json:"description,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// ValidationStatus is the overall verdict of a validation run
type ValidationStatus string

const (
	ValidationPassed  ValidationStatus = "passed"
	ValidationWarning ValidationStatus = "warning"
	ValidationFailed  ValidationStatus = "failed"
)

// BaselineComparison records one metric's comparison against its baseline
type BaselineComparison struct {
	MetricName    string  `json:"metric_name"`
	BaselineValue float64 `json:"baseline_value"`
	ObservedValue float64 `json:"observed_value"`
	Passed        bool    `json:"passed"`
}

// ValidationResult is the outcome of gating a model's metrics against
// its stored baselines
type ValidationResult struct {
	Status              ValidationStatus     `json:"status"`
	Failures            []string             `json:"failures"`
	Warnings            []string             `json:"warnings"`
	BaselineComparisons []BaselineComparison `json:"baseline_comparisons"`
}

// ValidationRecord is the persisted history row for one validation run
type ValidationRecord struct {
	ID          string           `json:"id"`
	ModelName   string           `json:"model_name"`
	ExecutionID string           `json:"execution_id,omitempty"`
	JobID       string           `json:"job_id,omitempty"`
	Status      ValidationStatus `json:"status"`
	Result      ValidationResult `json:"result"`
	CreatedAt   time.Time        `json:"created_at"`
}

package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/trainflow/internal/baseline"
	"github.com/t77yq/trainflow/internal/model"
)

// ModelValidationPayload carries a trained model's observed metrics
// through the regression gate.
type ModelValidationPayload struct {
	ModelName     string             `json:"model_name"`
	Metrics       map[string]float64 `json:"metrics"`
	ExecutionID   string             `json:"execution_id,omitempty"`
	FailOnWarning bool               `json:"fail_on_warning,omitempty"`
}

// ModelValidationHandler gates trained models against stored baselines.
// A critical regression fails the job, which in turn fails the DAG
// branch depending on it.
type ModelValidationHandler struct {
	logger *zap.Logger
	gate   *baseline.Manager
}

// NewModelValidationHandler creates a new model validation handler
func NewModelValidationHandler(gate *baseline.Manager, logger *zap.Logger) *ModelValidationHandler {
	return &ModelValidationHandler{
		logger: logger,
		gate:   gate,
	}
}

// Execute validates the job's metrics and returns the full validation
// result as the job output.
func (h *ModelValidationHandler) Execute(ctx context.Context, job model.JobConfig) (json.RawMessage, error) {
	var payload ModelValidationPayload
	if err := decodeConfig(job, &payload); err != nil {
		return nil, err
	}
	if payload.ModelName == "" {
		return nil, fmt.Errorf("model validation job %s: model_name is required", job.ID)
	}

	result, err := h.gate.Validate(ctx, baseline.ValidationRequest{
		ModelName:   payload.ModelName,
		Metrics:     payload.Metrics,
		ExecutionID: payload.ExecutionID,
		JobID:       job.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	h.logger.Info("Model validated",
		zap.String("job_id", job.ID),
		zap.String("model", payload.ModelName),
		zap.String("status", string(result.Status)))

	if result.Status == model.ValidationFailed {
		return nil, fmt.Errorf("model %s regressed: %s",
			payload.ModelName, strings.Join(result.Failures, "; "))
	}
	if payload.FailOnWarning && result.Status == model.ValidationWarning {
		return nil, fmt.Errorf("model %s has warnings: %s",
			payload.ModelName, strings.Join(result.Warnings, "; "))
	}

	return json.Marshal(result)
}

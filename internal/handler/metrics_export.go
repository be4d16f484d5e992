package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/trainflow/internal/model"
)

// MetricsExportPayload configures pushing training metrics to an
// external metrics sink over HTTP.
type MetricsExportPayload struct {
	URL     string                 `json:"url"`
	Headers map[string]string      `json:"headers,omitempty"`
	Metrics map[string]interface{} `json:"metrics"`
	Timeout time.Duration          `json:"timeout,omitempty"`
}

// MetricsExportHandler POSTs a job's metrics payload to a configured
// HTTP endpoint.
type MetricsExportHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewMetricsExportHandler creates a new metrics export handler
func NewMetricsExportHandler(logger *zap.Logger) *MetricsExportHandler {
	return &MetricsExportHandler{
		logger: logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Execute performs the export request. Any 4xx/5xx response fails the job.
func (h *MetricsExportHandler) Execute(ctx context.Context, job model.JobConfig) (json.RawMessage, error) {
	var payload MetricsExportPayload
	if err := decodeConfig(job, &payload); err != nil {
		return nil, err
	}
	if payload.URL == "" {
		return nil, fmt.Errorf("metrics export job %s: url is required", job.ID)
	}

	if payload.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, payload.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(map[string]interface{}{
		"job_id":      job.ID,
		"metrics":     payload.Metrics,
		"exported_at": time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metrics: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range payload.Headers {
		req.Header.Add(key, value)
	}

	h.logger.Info("Exporting metrics",
		zap.String("job_id", job.ID),
		zap.String("url", payload.URL))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("export request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("metrics export failed with status %d", resp.StatusCode)
	}

	return json.Marshal(map[string]interface{}{
		"status_code": resp.StatusCode,
		"response":    string(respBody),
	})
}

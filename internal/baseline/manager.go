package baseline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/trainflow/internal/model"
	"github.com/t77yq/trainflow/internal/storage"
)

// AlertSink receives regression alerts for baselines with alerting
// enabled. Delivery is best-effort; a sink failure never fails the
// validation itself.
type AlertSink interface {
	Publish(ctx context.Context, alert model.RegressionAlert) error
}

// Manager owns baseline CRUD and the regression gate that decides
// whether a model's metrics are acceptable before promotion
type Manager struct {
	logger      *zap.Logger
	baselines   storage.BaselineStore
	validations storage.ValidationStore // optional history sink
	alerts      AlertSink               // optional
}

// SetAlertSink wires an alert sink for baselines with alerting enabled
func (m *Manager) SetAlertSink(sink AlertSink) {
	m.alerts = sink
}

// NewManager creates a baseline manager. validations may be nil to skip
// history persistence.
func NewManager(baselines storage.BaselineStore, validations storage.ValidationStore, logger *zap.Logger) *Manager {
	return &Manager{
		logger:      logger.Named("baseline-manager"),
		baselines:   baselines,
		validations: validations,
	}
}

// CreateBaseline validates and stores a new baseline, assigning its id
// and timestamps.
func (m *Manager) CreateBaseline(ctx context.Context, b *model.Baseline) (*model.Baseline, error) {
	if err := validateBaseline(b); err != nil {
		return nil, err
	}

	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	now := time.Now()
	b.CreatedAt = now
	b.UpdatedAt = now

	if err := m.baselines.CreateBaseline(ctx, b); err != nil {
		return nil, err
	}

	m.logger.Info("Baseline created",
		zap.String("baseline_id", b.ID),
		zap.String("model", b.ModelName),
		zap.String("metric", b.MetricName),
		zap.String("threshold_type", string(b.ThresholdType)))

	return b, nil
}

// GetBaseline retrieves a baseline by id
func (m *Manager) GetBaseline(ctx context.Context, id string) (*model.Baseline, error) {
	return m.baselines.GetBaseline(ctx, id)
}

// ListBaselines retrieves baselines, optionally scoped to one model
func (m *Manager) ListBaselines(ctx context.Context, modelName string) ([]*model.Baseline, error) {
	return m.baselines.ListBaselines(ctx, modelName)
}

// UpdateBaseline validates and stores changes to an existing baseline
func (m *Manager) UpdateBaseline(ctx context.Context, b *model.Baseline) (*model.Baseline, error) {
	if err := validateBaseline(b); err != nil {
		return nil, err
	}

	b.UpdatedAt = time.Now()
	if err := m.baselines.UpdateBaseline(ctx, b); err != nil {
		return nil, err
	}

	m.logger.Info("Baseline updated", zap.String("baseline_id", b.ID))
	return b, nil
}

// DeleteBaseline removes a baseline by id
func (m *Manager) DeleteBaseline(ctx context.Context, id string) error {
	if err := m.baselines.DeleteBaseline(ctx, id); err != nil {
		return err
	}
	m.logger.Info("Baseline deleted", zap.String("baseline_id", id))
	return nil
}

// ValidationRequest carries a model's observed metrics for one gate run
type ValidationRequest struct {
	ModelName   string             `json:"model_name"`
	Metrics     map[string]float64 `json:"metrics"`
	ExecutionID string             `json:"execution_id,omitempty"`
	JobID       string             `json:"job_id,omitempty"`
}

// Validate compares observed metrics against the model's stored baselines
// and returns pass/warn/fail. Metrics without a matching baseline are
// silently skipped. Baseline state is never mutated; the only side effect
// is an appended history row.
func (m *Manager) Validate(ctx context.Context, req ValidationRequest) (*model.ValidationResult, error) {
	baselines, err := m.baselines.ListBaselines(ctx, req.ModelName)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch baselines: %w", err)
	}

	result := &model.ValidationResult{
		Status:              model.ValidationPassed,
		Failures:            []string{},
		Warnings:            []string{},
		BaselineComparisons: []model.BaselineComparison{},
	}

	// Deterministic report ordering regardless of store iteration order.
	sort.Slice(baselines, func(i, j int) bool {
		return baselines[i].MetricName < baselines[j].MetricName
	})

	for _, b := range baselines {
		observed, ok := req.Metrics[b.MetricName]
		if !ok {
			continue
		}

		regressed, err := evaluate(b, observed)
		if err != nil {
			return nil, err
		}

		result.BaselineComparisons = append(result.BaselineComparisons, model.BaselineComparison{
			MetricName:    b.MetricName,
			BaselineValue: b.BaselineValue,
			ObservedValue: observed,
			Passed:        !regressed,
		})

		if !regressed {
			continue
		}

		msg := regressionMessage(b, observed)
		if b.AlertEnabled {
			m.emitAlert(ctx, b, req, msg)
		}
		if b.Severity == model.SeverityCritical {
			result.Failures = append(result.Failures, msg)
			result.Status = model.ValidationFailed
		} else {
			result.Warnings = append(result.Warnings, msg)
			if result.Status != model.ValidationFailed {
				result.Status = model.ValidationWarning
			}
		}
	}

	m.recordValidation(ctx, req, result)

	m.logger.Info("Validation completed",
		zap.String("model", req.ModelName),
		zap.String("status", string(result.Status)),
		zap.Int("failures", len(result.Failures)),
		zap.Int("warnings", len(result.Warnings)))

	return result, nil
}

// ListValidations retrieves validation history, newest first
func (m *Manager) ListValidations(ctx context.Context, modelName string, offset, limit int) ([]*model.ValidationRecord, error) {
	if m.validations == nil {
		return nil, nil
	}
	return m.validations.ListValidations(ctx, modelName, offset, limit)
}

func (m *Manager) recordValidation(ctx context.Context, req ValidationRequest, result *model.ValidationResult) {
	if m.validations == nil {
		return
	}

	record := &model.ValidationRecord{
		ID:          uuid.New().String(),
		ModelName:   req.ModelName,
		ExecutionID: req.ExecutionID,
		JobID:       req.JobID,
		Status:      result.Status,
		Result:      *result,
		CreatedAt:   time.Now(),
	}
	if err := m.validations.StoreValidation(ctx, record); err != nil {
		m.logger.Error("Failed to store validation history",
			zap.String("model", req.ModelName),
			zap.Error(err))
	}
}

func (m *Manager) emitAlert(ctx context.Context, b *model.Baseline, req ValidationRequest, msg string) {
	if m.alerts == nil {
		return
	}

	alert := model.RegressionAlert{
		ID:          uuid.New().String(),
		ModelName:   b.ModelName,
		MetricName:  b.MetricName,
		Severity:    b.Severity,
		Message:     msg,
		ExecutionID: req.ExecutionID,
		JobID:       req.JobID,
		CreatedAt:   time.Now(),
	}
	if err := m.alerts.Publish(ctx, alert); err != nil {
		m.logger.Error("Failed to publish regression alert",
			zap.String("model", b.ModelName),
			zap.String("metric", b.MetricName),
			zap.Error(err))
	}
}

func validateBaseline(b *model.Baseline) error {
	if b.ModelName == "" || b.MetricName == "" {
		return fmt.Errorf("model name and metric name are required")
	}
	if _, err := model.ParseThresholdType(string(b.ThresholdType)); err != nil {
		return err
	}
	switch b.Severity {
	case model.SeverityCritical, model.SeverityWarning, model.SeverityInfo:
	case "":
		b.Severity = model.SeverityWarning
	default:
		return fmt.Errorf("unsupported severity: %q", b.Severity)
	}
	return nil
}

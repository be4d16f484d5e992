package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/trainflow/internal/model"
)

// SQLiteStore implements BaselineStore, ValidationStore, ExecutionStore
// and ResultCache on a single SQLite database
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and ensures
// the schema exists.
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{
		logger: logger.Named("storage"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS baselines (
			id TEXT PRIMARY KEY,
			model_name TEXT NOT NULL,
			metric_name TEXT NOT NULL,
			metric_category TEXT,
			baseline_value REAL NOT NULL,
			threshold_type TEXT NOT NULL,
			threshold_value REAL NOT NULL,
			severity TEXT NOT NULL,
			alert_enabled INTEGER NOT NULL DEFAULT 0,
			description TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_baselines_model ON baselines(model_name);

		CREATE TABLE IF NOT EXISTS validation_history (
			id TEXT PRIMARY KEY,
			model_name TEXT NOT NULL,
			execution_id TEXT,
			job_id TEXT,
			status TEXT NOT NULL,
			result TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_validation_history_model ON validation_history(model_name);
		CREATE INDEX IF NOT EXISTS idx_validation_history_created ON validation_history(created_at);

		CREATE TABLE IF NOT EXISTS dag_executions (
			execution_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			progress TEXT NOT NULL,
			job_statuses TEXT,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_dag_executions_workflow ON dag_executions(workflow_id);
		CREATE INDEX IF NOT EXISTS idx_dag_executions_started ON dag_executions(started_at);

		CREATE TABLE IF NOT EXISTS backfill_executions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			template_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			total_executions INTEGER NOT NULL,
			completed_executions INTEGER NOT NULL,
			failed_executions INTEGER NOT NULL,
			execution_ids TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS job_result_cache (
			workflow_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			config_hash TEXT NOT NULL,
			result TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (workflow_id, job_id, config_hash)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// CreateBaseline implements BaselineStore.CreateBaseline
func (s *SQLiteStore) CreateBaseline(ctx context.Context, b *model.Baseline) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO baselines (
			id, model_name, metric_name, metric_category, baseline_value,
			threshold_type, threshold_value, severity, alert_enabled,
			description, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ModelName, b.MetricName, b.MetricCategory, b.BaselineValue,
		string(b.ThresholdType), b.ThresholdValue, string(b.Severity), b.AlertEnabled,
		sql.NullString{String: b.Description, Valid: b.Description != ""},
		b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store baseline: %w", err)
	}
	return nil
}

// GetBaseline implements BaselineStore.GetBaseline
func (s *SQLiteStore) GetBaseline(ctx context.Context, id string) (*model.Baseline, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, model_name, metric_name, metric_category, baseline_value,
			threshold_type, threshold_value, severity, alert_enabled,
			description, created_at, updated_at
		FROM baselines WHERE id = ?`, id)
	return scanBaseline(row)
}

// ListBaselines implements BaselineStore.ListBaselines
func (s *SQLiteStore) ListBaselines(ctx context.Context, modelName string) ([]*model.Baseline, error) {
	query := `
		SELECT id, model_name, metric_name, metric_category, baseline_value,
			threshold_type, threshold_value, severity, alert_enabled,
			description, created_at, updated_at
		FROM baselines`
	args := []interface{}{}
	if modelName != "" {
		query += " WHERE model_name = ?"
		args = append(args, modelName)
	}
	query += " ORDER BY metric_name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list baselines: %w", err)
	}
	defer rows.Close()

	var baselines []*model.Baseline
	for rows.Next() {
		b, err := scanBaseline(rows)
		if err != nil {
			return nil, err
		}
		baselines = append(baselines, b)
	}
	return baselines, rows.Err()
}

// UpdateBaseline implements BaselineStore.UpdateBaseline
func (s *SQLiteStore) UpdateBaseline(ctx context.Context, b *model.Baseline) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE baselines SET
			model_name = ?, metric_name = ?, metric_category = ?,
			baseline_value = ?, threshold_type = ?, threshold_value = ?,
			severity = ?, alert_enabled = ?, description = ?, updated_at = ?
		WHERE id = ?`,
		b.ModelName, b.MetricName, b.MetricCategory,
		b.BaselineValue, string(b.ThresholdType), b.ThresholdValue,
		string(b.Severity), b.AlertEnabled,
		sql.NullString{String: b.Description, Valid: b.Description != ""},
		b.UpdatedAt, b.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update baseline: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBaseline implements BaselineStore.DeleteBaseline
func (s *SQLiteStore) DeleteBaseline(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM baselines WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete baseline: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBaseline(row rowScanner) (*model.Baseline, error) {
	var b model.Baseline
	var category, description sql.NullString
	var thresholdType, severity string

	err := row.Scan(
		&b.ID, &b.ModelName, &b.MetricName, &category, &b.BaselineValue,
		&thresholdType, &b.ThresholdValue, &severity, &b.AlertEnabled,
		&description, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan baseline: %w", err)
	}

	b.ThresholdType = model.ThresholdType(thresholdType)
	b.Severity = model.Severity(severity)
	b.MetricCategory = category.String
	b.Description = description.String
	return &b, nil
}

// StoreValidation implements ValidationStore.StoreValidation
func (s *SQLiteStore) StoreValidation(ctx context.Context, record *model.ValidationRecord) error {
	result, err := json.Marshal(record.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal validation result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO validation_history (
			id, model_name, execution_id, job_id, status, result, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.ModelName,
		sql.NullString{String: record.ExecutionID, Valid: record.ExecutionID != ""},
		sql.NullString{String: record.JobID, Valid: record.JobID != ""},
		string(record.Status), string(result), record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store validation record: %w", err)
	}
	return nil
}

// ListValidations implements ValidationStore.ListValidations
func (s *SQLiteStore) ListValidations(ctx context.Context, modelName string, offset, limit int) ([]*model.ValidationRecord, error) {
	query := "SELECT id, model_name, execution_id, job_id, status, result, created_at FROM validation_history"
	args := []interface{}{}
	if modelName != "" {
		query += " WHERE model_name = ?"
		args = append(args, modelName)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list validations: %w", err)
	}
	defer rows.Close()

	var records []*model.ValidationRecord
	for rows.Next() {
		var rec model.ValidationRecord
		var executionID, jobID sql.NullString
		var status, result string

		if err := rows.Scan(&rec.ID, &rec.ModelName, &executionID, &jobID, &status, &result, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan validation record: %w", err)
		}

		rec.ExecutionID = executionID.String
		rec.JobID = jobID.String
		rec.Status = model.ValidationStatus(status)
		if err := json.Unmarshal([]byte(result), &rec.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal validation result: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// SaveExecution implements ExecutionStore.SaveExecution
func (s *SQLiteStore) SaveExecution(ctx context.Context, exec *model.DAGExecution) error {
	progress, err := json.Marshal(exec.Progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	statuses, err := json.Marshal(exec.JobStatuses)
	if err != nil {
		return fmt.Errorf("failed to marshal job statuses: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dag_executions (
			execution_id, workflow_id, status, started_at, completed_at,
			progress, job_statuses, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			progress = excluded.progress,
			job_statuses = excluded.job_statuses,
			error = excluded.error`,
		exec.ExecutionID, exec.WorkflowID, string(exec.Status), exec.StartedAt,
		nullTime(exec.CompletedAt), string(progress), string(statuses),
		sql.NullString{String: exec.Error, Valid: exec.Error != ""},
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// GetExecution implements ExecutionStore.GetExecution
func (s *SQLiteStore) GetExecution(ctx context.Context, executionID string) (*model.DAGExecution, error) {
	var exec model.DAGExecution
	var status, progress string
	var statuses, errMsg sql.NullString
	var completedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT execution_id, workflow_id, status, started_at, completed_at,
			progress, job_statuses, error
		FROM dag_executions WHERE execution_id = ?`, executionID).Scan(
		&exec.ExecutionID, &exec.WorkflowID, &status, &exec.StartedAt,
		&completedAt, &progress, &statuses, &errMsg,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	exec.Status = model.ExecutionStatus(status)
	exec.Error = errMsg.String
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	if err := json.Unmarshal([]byte(progress), &exec.Progress); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	if statuses.Valid && statuses.String != "" {
		if err := json.Unmarshal([]byte(statuses.String), &exec.JobStatuses); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job statuses: %w", err)
		}
	}
	return &exec, nil
}

// SaveBackfill implements ExecutionStore.SaveBackfill
func (s *SQLiteStore) SaveBackfill(ctx context.Context, exec *model.BackfillExecution) error {
	ids, err := json.Marshal(exec.ExecutionIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal execution ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backfill_executions (
			id, name, template_id, status, started_at, completed_at,
			total_executions, completed_executions, failed_executions, execution_ids
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			total_executions = excluded.total_executions,
			completed_executions = excluded.completed_executions,
			failed_executions = excluded.failed_executions,
			execution_ids = excluded.execution_ids`,
		exec.ID, exec.Name, exec.TemplateID, string(exec.Status), exec.StartedAt,
		nullTime(exec.CompletedAt), exec.TotalExecutions, exec.CompletedExecutions,
		exec.FailedExecutions, string(ids),
	)
	if err != nil {
		return fmt.Errorf("failed to save backfill: %w", err)
	}
	return nil
}

// ListBackfills implements ExecutionStore.ListBackfills
func (s *SQLiteStore) ListBackfills(ctx context.Context, offset, limit int) ([]*model.BackfillExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, template_id, status, started_at, completed_at,
			total_executions, completed_executions, failed_executions, execution_ids
		FROM backfill_executions
		ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list backfills: %w", err)
	}
	defer rows.Close()

	var backfills []*model.BackfillExecution
	for rows.Next() {
		var b model.BackfillExecution
		var status, ids string
		var completedAt sql.NullTime

		if err := rows.Scan(&b.ID, &b.Name, &b.TemplateID, &status, &b.StartedAt,
			&completedAt, &b.TotalExecutions, &b.CompletedExecutions,
			&b.FailedExecutions, &ids); err != nil {
			return nil, fmt.Errorf("failed to scan backfill: %w", err)
		}

		b.Status = model.ExecutionStatus(status)
		if completedAt.Valid {
			b.CompletedAt = &completedAt.Time
		}
		if err := json.Unmarshal([]byte(ids), &b.ExecutionIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution ids: %w", err)
		}
		backfills = append(backfills, &b)
	}
	return backfills, rows.Err()
}

// DeleteExecutionsBefore implements ExecutionStore.DeleteExecutionsBefore
func (s *SQLiteStore) DeleteExecutionsBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM dag_executions WHERE started_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete executions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old execution records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return nil
}

// GetResult implements ResultCache.GetResult
func (s *SQLiteStore) GetResult(ctx context.Context, workflowID, jobID, configHash string) (json.RawMessage, error) {
	var result sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT result FROM job_result_cache
		WHERE workflow_id = ? AND job_id = ? AND config_hash = ?`,
		workflowID, jobID, configHash).Scan(&result)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read result cache: %w", err)
	}
	if !result.Valid {
		return nil, nil
	}
	return json.RawMessage(result.String), nil
}

// PutResult implements ResultCache.PutResult
func (s *SQLiteStore) PutResult(ctx context.Context, workflowID, jobID, configHash string, result json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_result_cache (workflow_id, job_id, config_hash, result)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workflow_id, job_id, config_hash) DO UPDATE SET
			result = excluded.result,
			created_at = CURRENT_TIMESTAMP`,
		workflowID, jobID, configHash,
		sql.NullString{String: string(result), Valid: len(result) > 0},
	)
	if err != nil {
		return fmt.Errorf("failed to write result cache: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Ping checks database connectivity
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

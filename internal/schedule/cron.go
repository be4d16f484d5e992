package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/trainflow/internal/dag"
	"github.com/t77yq/trainflow/internal/hydrate"
	"github.com/t77yq/trainflow/internal/model"
)

// WorkflowScheduler submits stored workflow templates to the DAG
// orchestrator on cron expressions. Job templates are hydrated for the
// fire date, so a nightly schedule produces date-stamped job ids.
type WorkflowScheduler struct {
	logger    *zap.Logger
	dag       *dag.Orchestrator
	cron      *cron.Cron
	parser    cron.Parser
	mu        sync.RWMutex
	schedules map[string]*model.WorkflowSchedule
	entryIDs  map[string]cron.EntryID
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// NewWorkflowScheduler creates a new workflow scheduler
func NewWorkflowScheduler(orchestrator *dag.Orchestrator, logger *zap.Logger) *WorkflowScheduler {
	cl := &cronLogger{logger: logger.Named("cron")}
	return &WorkflowScheduler{
		logger:    logger.Named("workflow-scheduler"),
		dag:       orchestrator,
		cron:      cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cl))),
		parser:    cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		schedules: make(map[string]*model.WorkflowSchedule),
		entryIDs:  make(map[string]cron.EntryID),
	}
}

// Start starts firing schedules
func (s *WorkflowScheduler) Start() {
	s.cron.Start()
	s.logger.Info("Workflow scheduler started")
}

// Stop stops the scheduler and waits for running submissions to return
func (s *WorkflowScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Workflow scheduler stopped")
}

// AddSchedule validates and registers a schedule. The workflow template
// must form a valid DAG; a bad template is rejected here rather than at
// first fire.
func (s *WorkflowScheduler) AddSchedule(schedule *model.WorkflowSchedule) (*model.WorkflowSchedule, error) {
	if schedule.WorkflowID == "" {
		return nil, fmt.Errorf("workflow id is required")
	}
	if err := dag.Validate(schedule.Jobs); err != nil {
		return nil, fmt.Errorf("invalid workflow template: %w", err)
	}
	spec, err := s.parser.Parse(schedule.Expression)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	now := time.Now()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	schedule.UpdatedAt = now
	next := spec.Next(now)
	schedule.NextRunTime = &next

	entryID, err := s.cron.AddJob(schedule.Expression, &scheduledWorkflow{
		scheduler: s,
		schedule:  schedule,
		spec:      spec,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add cron job: %w", err)
	}

	s.mu.Lock()
	s.schedules[schedule.ID] = schedule
	s.entryIDs[schedule.ID] = entryID
	s.mu.Unlock()

	s.logger.Info("Added schedule",
		zap.String("id", schedule.ID),
		zap.String("workflow_id", schedule.WorkflowID),
		zap.String("expression", schedule.Expression),
		zap.Time("next_run", next))

	return schedule, nil
}

// RemoveSchedule removes a schedule by id
func (s *WorkflowScheduler) RemoveSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entryIDs[id]
	if !ok {
		return fmt.Errorf("schedule not found: %s", id)
	}
	s.cron.Remove(entryID)
	delete(s.entryIDs, id)
	delete(s.schedules, id)

	s.logger.Info("Removed schedule", zap.String("id", id))
	return nil
}

// GetSchedule returns a schedule by id
func (s *WorkflowScheduler) GetSchedule(id string) (*model.WorkflowSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedule, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule not found: %s", id)
	}
	return schedule, nil
}

// ListSchedules returns all schedules sorted by id
func (s *WorkflowScheduler) ListSchedules() []*model.WorkflowSchedule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedules := make([]*model.WorkflowSchedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		schedules = append(schedules, schedule)
	}
	sort.Slice(schedules, func(i, j int) bool {
		return schedules[i].ID < schedules[j].ID
	})
	return schedules
}

// scheduledWorkflow implements cron.Job
type scheduledWorkflow struct {
	scheduler *WorkflowScheduler
	schedule  *model.WorkflowSchedule
	spec      cron.Schedule
}

// Run hydrates the stored template for the fire date and submits it
func (w *scheduledWorkflow) Run() {
	now := time.Now()
	next := w.spec.Next(now)

	w.scheduler.mu.Lock()
	w.schedule.LastRunTime = &now
	w.schedule.NextRunTime = &next
	w.scheduler.mu.Unlock()

	jobs := hydrate.Hydrate(w.schedule.Jobs, now, model.IntervalDay)
	executionID, err := w.scheduler.dag.Execute(context.Background(), w.schedule.WorkflowID, jobs, dag.Options{
		Parallelism: w.schedule.Parallelism,
	})
	if err != nil {
		w.scheduler.logger.Error("Failed to submit scheduled workflow",
			zap.String("schedule_id", w.schedule.ID),
			zap.String("workflow_id", w.schedule.WorkflowID),
			zap.Error(err))
		return
	}

	w.scheduler.logger.Info("Scheduled workflow submitted",
		zap.String("schedule_id", w.schedule.ID),
		zap.String("execution_id", executionID),
		zap.Time("next_run", next))
}

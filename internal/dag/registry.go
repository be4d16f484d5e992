package dag

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/t77yq/trainflow/internal/model"
)

// JobHandler executes one job of a given type
type JobHandler interface {
	Execute(ctx context.Context, job model.JobConfig) (json.RawMessage, error)
}

// JobHandlerFunc adapts a plain function to the JobHandler interface
type JobHandlerFunc func(ctx context.Context, job model.JobConfig) (json.RawMessage, error)

// Execute implements JobHandler
func (f JobHandlerFunc) Execute(ctx context.Context, job model.JobConfig) (json.RawMessage, error) {
	return f(ctx, job)
}

// JobRunner is the dispatch boundary the orchestrator runs jobs through.
// The in-process HandlerRegistry implements it directly; the execution
// queue implements it by routing jobs to remote workers.
type JobRunner interface {
	RunJob(ctx context.Context, executionID string, job model.JobConfig) (json.RawMessage, error)
}

// HandlerRegistry maps job types to handlers. Constructor-injected rather
// than a package-level singleton so multiple orchestrator instances can
// carry independent registries.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]JobHandler
}

// NewHandlerRegistry creates an empty handler registry
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]JobHandler),
	}
}

// Register registers a handler for a job type, replacing any prior handler
func (r *HandlerRegistry) Register(jobType string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = handler
}

// RegisterFunc registers a plain function as a handler
func (r *HandlerRegistry) RegisterFunc(jobType string, fn JobHandlerFunc) {
	r.Register(jobType, fn)
}

// Resolve returns the handler for a job type
func (r *HandlerRegistry) Resolve(jobType string) (JobHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, jobType)
	}
	return handler, nil
}

// RunJob implements JobRunner by resolving the job's type locally
func (r *HandlerRegistry) RunJob(ctx context.Context, executionID string, job model.JobConfig) (json.RawMessage, error) {
	handler, err := r.Resolve(job.Type)
	if err != nil {
		return nil, err
	}
	return handler.Execute(ctx, job)
}

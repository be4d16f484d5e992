package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/trainflow/internal/model"
	"github.com/t77yq/trainflow/internal/worker"
)

const (
	operationTimeout = 30 * time.Second
	retryInterval    = 250 * time.Millisecond
)

// ErrJobTimeout is returned when a dispatched job produces no result
// within the configured timeout.
var ErrJobTimeout = errors.New("timed out waiting for job result")

// Config controls dispatch behavior
type Config struct {
	// JobTimeout bounds how long a single dispatched job may run before
	// the queue gives up on its result.
	JobTimeout time.Duration
}

// DefaultConfig returns the config used when fields are left zero
func DefaultConfig() Config {
	return Config{JobTimeout: 30 * time.Minute}
}

// pendingJob is one submitted job waiting for dispatch or for its result
type pendingJob struct {
	dispatchID  string
	executionID string
	job         model.JobConfig
	enqueuedAt  time.Time
	delayed     bool // at least one dispatch attempt found no eligible worker
	resultCh    chan *model.JobResult
}

// ExecutionQueue routes jobs to remote worker processes over JetStream.
// It implements dag.JobRunner: RunJob publishes the job to the selected
// worker's dispatch subject and blocks until the worker reports a result.
type ExecutionQueue struct {
	logger  *zap.Logger
	js      nats.JetStreamContext
	workers *worker.Manager
	cfg     Config

	mu        sync.Mutex
	paused    bool
	waiting   []*pendingJob // submission order, released FIFO
	inflight  map[string]*pendingJob
	completed int
	failed    int

	kick chan struct{}
	stop chan struct{}
	sub  *nats.Subscription
}

// NewExecutionQueue creates the queue, ensures the underlying streams
// exist and subscribes to job results.
func NewExecutionQueue(js nats.JetStreamContext, workers *worker.Manager, cfg Config, logger *zap.Logger) (*ExecutionQueue, error) {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig().JobTimeout
	}

	q := &ExecutionQueue{
		logger:   logger.Named("execution-queue"),
		js:       js,
		workers:  workers,
		cfg:      cfg,
		inflight: make(map[string]*pendingJob),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := q.setupStreams(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup streams: %w", err)
	}

	sub, err := js.Subscribe(jobResultSubject, q.handleResult, nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to job results: %w", err)
	}
	q.sub = sub

	go q.dispatchLoop()

	return q, nil
}

func (q *ExecutionQueue) setupStreams(ctx context.Context) error {
	return SetupStreams(ctx, q.js)
}

// Close stops the dispatch loop and drops the result subscription
func (q *ExecutionQueue) Close() {
	close(q.stop)
	if q.sub != nil {
		q.sub.Unsubscribe()
	}
}

// RunJob submits one job for remote execution and blocks until a worker
// reports its result, the job times out, or ctx is cancelled.
func (q *ExecutionQueue) RunJob(ctx context.Context, executionID string, job model.JobConfig) (json.RawMessage, error) {
	pj := &pendingJob{
		dispatchID:  uuid.New().String(),
		executionID: executionID,
		job:         job,
		enqueuedAt:  time.Now(),
		resultCh:    make(chan *model.JobResult, 1),
	}

	q.mu.Lock()
	q.waiting = append(q.waiting, pj)
	q.mu.Unlock()
	q.notify()

	timer := time.NewTimer(q.cfg.JobTimeout)
	defer timer.Stop()

	select {
	case result := <-pj.resultCh:
		if result.Status != model.JobStatusCompleted {
			return nil, fmt.Errorf("job %s failed on worker %s: %s", job.ID, result.WorkerID, result.Error)
		}
		return result.Result, nil
	case <-timer.C:
		q.abandon(pj, true)
		return nil, fmt.Errorf("job %s: %w", job.ID, ErrJobTimeout)
	case <-ctx.Done():
		q.abandon(pj, false)
		return nil, ctx.Err()
	}
}

// Pause stops dispatching new jobs. In-flight jobs run to completion;
// newly submitted jobs accumulate as waiting.
func (q *ExecutionQueue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.logger.Info("Queue paused")
}

// Resume re-enables dispatch; waiting jobs are released in submission
// order.
func (q *ExecutionQueue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.logger.Info("Queue resumed")
	q.notify()
}

// Stats returns a snapshot of queue depths and lifetime counters
func (q *ExecutionQueue) Stats() model.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	delayed := 0
	for _, pj := range q.waiting {
		if pj.delayed {
			delayed++
		}
	}

	return model.QueueStats{
		Waiting:   len(q.waiting),
		Active:    len(q.inflight),
		Completed: q.completed,
		Failed:    q.failed,
		Delayed:   delayed,
		Paused:    q.paused,
		Total:     len(q.waiting) + len(q.inflight) + q.completed + q.failed,
	}
}

// notify wakes the dispatch loop without blocking
func (q *ExecutionQueue) notify() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// dispatchLoop drains the waiting list whenever new work arrives, the
// queue resumes, or the retry ticker fires for jobs that found no
// eligible worker earlier.
func (q *ExecutionQueue) dispatchLoop() {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-q.kick:
		case <-ticker.C:
		}
		q.dispatchWaiting()
	}
}

// dispatchWaiting attempts to dispatch every waiting job in submission
// order. Jobs with no eligible worker stay waiting and are retried; a
// saturated cluster must not reorder the queue ahead of them forever,
// so dispatchable jobs behind them still proceed.
func (q *ExecutionQueue) dispatchWaiting() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused || len(q.waiting) == 0 {
		return
	}

	remaining := q.waiting[:0]
	for _, pj := range q.waiting {
		w, err := q.workers.Select(pj.job.Requires)
		if err != nil {
			pj.delayed = true
			remaining = append(remaining, pj)
			continue
		}

		if err := q.publishJob(pj, w); err != nil {
			q.logger.Error("Failed to dispatch job",
				zap.String("job_id", pj.job.ID),
				zap.String("worker_id", w.WorkerID),
				zap.Error(err))
			pj.delayed = true
			remaining = append(remaining, pj)
			continue
		}
		q.inflight[pj.dispatchID] = pj
	}
	q.waiting = remaining
}

func (q *ExecutionQueue) publishJob(pj *pendingJob, w *model.Worker) error {
	envelope := JobEnvelope{
		DispatchID:   pj.dispatchID,
		ExecutionID:  pj.executionID,
		WorkerID:     w.WorkerID,
		Job:          pj.job,
		DispatchedAt: time.Now(),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal job envelope: %w", err)
	}

	if _, err := q.js.Publish(DispatchSubject(w.WorkerID), data); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}

	q.logger.Info("Job dispatched",
		zap.String("job_id", pj.job.ID),
		zap.String("execution_id", pj.executionID),
		zap.String("worker_id", w.WorkerID))
	return nil
}

// handleResult matches an incoming result to its in-flight job and
// delivers it to the blocked RunJob call.
func (q *ExecutionQueue) handleResult(msg *nats.Msg) {
	var envelope ResultEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		q.logger.Error("Failed to unmarshal job result", zap.Error(err))
		return
	}

	q.mu.Lock()
	pj, ok := q.inflight[envelope.DispatchID]
	if !ok {
		// Late result for a timed out or cancelled job.
		q.mu.Unlock()
		q.logger.Warn("Dropping result for unknown dispatch",
			zap.String("dispatch_id", envelope.DispatchID))
		return
	}
	delete(q.inflight, envelope.DispatchID)
	if envelope.Result.Status == model.JobStatusCompleted {
		q.completed++
	} else {
		q.failed++
	}
	q.mu.Unlock()

	result := envelope.Result
	result.WorkerID = envelope.WorkerID
	pj.resultCh <- &result
}

// abandon removes a job the caller no longer waits on. Timed out jobs
// count as failed; cancelled ones do not.
func (q *ExecutionQueue) abandon(pj *pendingJob, countFailed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[pj.dispatchID]; ok {
		delete(q.inflight, pj.dispatchID)
		if countFailed {
			q.failed++
		}
		return
	}
	for i, candidate := range q.waiting {
		if candidate.dispatchID == pj.dispatchID {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			if countFailed {
				q.failed++
			}
			return
		}
	}
}

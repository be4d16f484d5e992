package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/trainflow/internal/dag"
	"github.com/t77yq/trainflow/internal/model"
	"github.com/t77yq/trainflow/internal/queue"
)

// Config defines one worker process
type Config struct {
	WorkerID          string
	Capabilities      []string
	MaxConcurrency    int
	HeartbeatInterval time.Duration
}

// Runtime is the worker-process side of the dispatch boundary. It
// registers itself with the server over JetStream, consumes its
// dispatch subject, runs jobs through the local handler registry and
// reports results and periodic load heartbeats.
type Runtime struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	cfg      Config
	handlers *dag.HandlerRegistry

	load int32
	sem  chan struct{}
	stop chan struct{}
	sub  *nats.Subscription
}

// NewRuntime creates a worker runtime. The worker id defaults to a
// fresh UUID; max concurrency defaults to 1.
func NewRuntime(js nats.JetStreamContext, cfg Config, handlers *dag.HandlerRegistry, logger *zap.Logger) *Runtime {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.New().String()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}

	return &Runtime{
		logger:   logger.Named("worker-runtime").With(zap.String("worker_id", cfg.WorkerID)),
		js:       js,
		cfg:      cfg,
		handlers: handlers,
		sem:      make(chan struct{}, cfg.MaxConcurrency),
		stop:     make(chan struct{}),
	}
}

// WorkerID returns the id this runtime registered under
func (r *Runtime) WorkerID() string {
	return r.cfg.WorkerID
}

// Start registers the worker, subscribes to its dispatch subject and
// begins heartbeating.
func (r *Runtime) Start(ctx context.Context) error {
	if err := queue.SetupStreams(ctx, r.js); err != nil {
		return err
	}
	if err := r.register(); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	sub, err := r.js.Subscribe(
		queue.DispatchSubject(r.cfg.WorkerID),
		r.handleDispatch,
		nats.ManualAck(),
		nats.AckWait(30*time.Second),
		nats.MaxDeliver(3),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to dispatch subject: %w", err)
	}
	r.sub = sub

	go r.heartbeatLoop(ctx)

	r.logger.Info("Worker runtime started",
		zap.Strings("capabilities", r.cfg.Capabilities),
		zap.Int("max_concurrency", r.cfg.MaxConcurrency))
	return nil
}

// Stop deregisters the worker and stops consuming jobs. Jobs already
// running are not interrupted.
func (r *Runtime) Stop() {
	r.logger.Info("Stopping worker runtime")
	close(r.stop)
	if r.sub != nil {
		r.sub.Unsubscribe()
	}

	data, err := json.Marshal(queue.DeregisterEnvelope{WorkerID: r.cfg.WorkerID})
	if err == nil {
		if _, err := r.js.Publish(queue.WorkerDeregisterSubject, data); err != nil {
			r.logger.Error("Failed to publish deregistration", zap.Error(err))
		}
	}
}

func (r *Runtime) register() error {
	hostname, _ := os.Hostname()
	w := model.Worker{
		WorkerID:       r.cfg.WorkerID,
		Hostname:       hostname,
		PID:            os.Getpid(),
		Capabilities:   r.cfg.Capabilities,
		MaxConcurrency: r.cfg.MaxConcurrency,
	}

	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}
	if _, err := r.js.Publish(queue.WorkerRegisterSubject, data); err != nil {
		return err
	}
	return nil
}

func (r *Runtime) handleDispatch(msg *nats.Msg) {
	var envelope queue.JobEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		r.logger.Error("Failed to unmarshal job envelope", zap.Error(err))
		msg.Ack()
		return
	}

	if err := msg.Ack(); err != nil {
		r.logger.Error("Failed to acknowledge message", zap.Error(err))
	}

	go r.runJob(envelope)
}

func (r *Runtime) runJob(envelope queue.JobEnvelope) {
	r.sem <- struct{}{}
	atomic.AddInt32(&r.load, 1)
	defer func() {
		atomic.AddInt32(&r.load, -1)
		<-r.sem
	}()

	r.logger.Info("Executing job",
		zap.String("job_id", envelope.Job.ID),
		zap.String("execution_id", envelope.ExecutionID),
		zap.String("job_type", envelope.Job.Type))

	result := model.JobResult{
		JobID:    envelope.Job.ID,
		WorkerID: r.cfg.WorkerID,
		Status:   model.JobStatusCompleted,
	}

	output, err := r.handlers.RunJob(context.Background(), envelope.ExecutionID, envelope.Job)
	result.CompletedAt = time.Now()
	if err != nil {
		result.Status = model.JobStatusFailed
		result.Error = err.Error()
		r.logger.Error("Job failed",
			zap.String("job_id", envelope.Job.ID),
			zap.Error(err))
	} else {
		result.Result = output
	}

	r.publishResult(envelope.DispatchID, result)
}

func (r *Runtime) publishResult(dispatchID string, result model.JobResult) {
	data, err := json.Marshal(queue.ResultEnvelope{
		DispatchID: dispatchID,
		WorkerID:   r.cfg.WorkerID,
		Result:     result,
	})
	if err != nil {
		r.logger.Error("Failed to marshal job result", zap.Error(err))
		return
	}

	if _, err := r.js.Publish(queue.ResultSubject(dispatchID), data); err != nil {
		r.logger.Error("Failed to publish job result",
			zap.String("job_id", result.JobID),
			zap.Error(err))
	}
}

// heartbeatLoop publishes load and host resource usage on a fixed
// interval until the runtime stops.
func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.sendHeartbeat()
		}
	}
}

func (r *Runtime) sendHeartbeat() {
	hb := model.Heartbeat{
		WorkerID:    r.cfg.WorkerID,
		CurrentLoad: int(atomic.LoadInt32(&r.load)),
		Timestamp:   time.Now(),
	}

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		hb.CPUUsage = percentages[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hb.MemoryUsage = vm.UsedPercent
	}

	data, err := json.Marshal(hb)
	if err != nil {
		r.logger.Error("Failed to marshal heartbeat", zap.Error(err))
		return
	}
	if _, err := r.js.Publish(queue.WorkerHeartbeatSubject, data); err != nil {
		r.logger.Error("Failed to publish heartbeat", zap.Error(err))
	}
}

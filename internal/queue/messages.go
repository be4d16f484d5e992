package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/t77yq/trainflow/internal/model"
)

// NATS subjects forming the dispatch boundary between orchestrators and
// worker processes.
const (
	jobStreamName    = "JOBS"
	jobStreamSubject = "job.>"

	workerStreamName    = "WORKERS"
	workerStreamSubject = "worker.>"

	jobResultSubject = "job.result.*"

	// WorkerRegisterSubject carries model.Worker registration payloads
	WorkerRegisterSubject = "worker.register"
	// WorkerHeartbeatSubject carries model.Heartbeat payloads
	WorkerHeartbeatSubject = "worker.heartbeat"
	// WorkerDeregisterSubject carries the deregistering worker id
	WorkerDeregisterSubject = "worker.deregister"

	streamMaxAge = 24 * time.Hour
)

// DispatchSubject is the per-worker subject a worker process consumes
// its assigned jobs from.
func DispatchSubject(workerID string) string {
	return fmt.Sprintf("job.dispatch.%s", workerID)
}

// ResultSubject is the subject a worker publishes one job's result to.
func ResultSubject(dispatchID string) string {
	return fmt.Sprintf("job.result.%s", dispatchID)
}

// JobEnvelope is the wire form of one dispatched job
type JobEnvelope struct {
	DispatchID   string          `json:"dispatch_id"`
	ExecutionID  string          `json:"execution_id"`
	WorkerID     string          `json:"worker_id"`
	Job          model.JobConfig `json:"job"`
	DispatchedAt time.Time       `json:"dispatched_at"`
}

// ResultEnvelope is the wire form of one job result
type ResultEnvelope struct {
	DispatchID string          `json:"dispatch_id"`
	WorkerID   string          `json:"worker_id"`
	Result     model.JobResult `json:"result"`
}

// DeregisterEnvelope announces a worker shutting down
type DeregisterEnvelope struct {
	WorkerID string `json:"worker_id"`
}

// SetupStreams ensures the job and worker streams exist. Both the
// server and worker processes call this, whichever starts first wins.
func SetupStreams(ctx context.Context, js nats.JetStreamContext) error {
	streams := []*nats.StreamConfig{
		{
			Name:     jobStreamName,
			Subjects: []string{jobStreamSubject},
			Storage:  nats.FileStorage,
			MaxAge:   streamMaxAge,
		},
		{
			Name:     workerStreamName,
			Subjects: []string{workerStreamSubject},
			Storage:  nats.FileStorage,
			MaxAge:   streamMaxAge,
		},
	}

	for _, cfg := range streams {
		if _, err := js.AddStream(cfg, nats.Context(ctx)); err != nil {
			if err == nats.ErrStreamNameAlreadyInUse {
				continue
			}
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

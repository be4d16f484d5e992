package queue

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/trainflow/internal/model"
	"github.com/t77yq/trainflow/internal/worker"
)

// WorkerTransport feeds worker lifecycle messages from JetStream into
// the worker manager. Worker processes publish to the worker.* subjects;
// the server side consumes them here.
type WorkerTransport struct {
	logger  *zap.Logger
	js      nats.JetStreamContext
	workers *worker.Manager
	subs    []*nats.Subscription
}

// NewWorkerTransport subscribes to worker registration, heartbeat and
// deregistration subjects.
func NewWorkerTransport(js nats.JetStreamContext, workers *worker.Manager, logger *zap.Logger) (*WorkerTransport, error) {
	t := &WorkerTransport{
		logger:  logger.Named("worker-transport"),
		js:      js,
		workers: workers,
	}

	handlers := map[string]nats.MsgHandler{
		WorkerRegisterSubject:   t.handleRegister,
		WorkerHeartbeatSubject:  t.handleHeartbeat,
		WorkerDeregisterSubject: t.handleDeregister,
	}
	for subject, handler := range handlers {
		sub, err := js.Subscribe(subject, handler)
		if err != nil {
			t.Close()
			return nil, err
		}
		t.subs = append(t.subs, sub)
	}

	return t, nil
}

// Close drops all subscriptions
func (t *WorkerTransport) Close() {
	for _, sub := range t.subs {
		sub.Unsubscribe()
	}
	t.subs = nil
}

func (t *WorkerTransport) handleRegister(msg *nats.Msg) {
	var w model.Worker
	if err := json.Unmarshal(msg.Data, &w); err != nil {
		t.logger.Error("Failed to unmarshal worker registration", zap.Error(err))
		return
	}
	t.workers.Register(&w)
}

func (t *WorkerTransport) handleHeartbeat(msg *nats.Msg) {
	var hb model.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		t.logger.Error("Failed to unmarshal heartbeat", zap.Error(err))
		return
	}
	if _, err := t.workers.Heartbeat(hb.WorkerID, hb); err != nil {
		t.logger.Warn("Heartbeat from unknown worker",
			zap.String("worker_id", hb.WorkerID))
	}
}

func (t *WorkerTransport) handleDeregister(msg *nats.Msg) {
	var d DeregisterEnvelope
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		t.logger.Error("Failed to unmarshal deregistration", zap.Error(err))
		return
	}
	if err := t.workers.Deregister(d.WorkerID); err != nil {
		t.logger.Warn("Deregistration for unknown worker",
			zap.String("worker_id", d.WorkerID))
	}
}

// Package monitor distributes regression alerts raised by the baseline
// gate to notification channels.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/trainflow/internal/model"
)

const (
	alertStreamName    = "ALERTS"
	alertStreamSubject = "alert.>"
	alertSubject       = "alert.regression.*"
)

// alertSubjectFor returns the publish subject for one model's alerts
func alertSubjectFor(modelName string) string {
	return fmt.Sprintf("alert.regression.%s", modelName)
}

// NotificationChannel delivers one alert to an external system
type NotificationChannel interface {
	Send(alert *model.RegressionAlert) error
}

// LogChannel writes alerts to the structured log
type LogChannel struct {
	logger *zap.Logger
}

// NewLogChannel creates a log-backed notification channel
func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger.Named("alert-log")}
}

// Send implements NotificationChannel
func (c *LogChannel) Send(alert *model.RegressionAlert) error {
	c.logger.Warn("Model regression detected",
		zap.String("model", alert.ModelName),
		zap.String("metric", alert.MetricName),
		zap.String("severity", string(alert.Severity)),
		zap.String("message", alert.Message))
	return nil
}

// AlertPublisher implements the baseline gate's alert sink over
// JetStream so alerts survive orchestrator restarts.
type AlertPublisher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewAlertPublisher creates a JetStream-backed alert publisher
func NewAlertPublisher(js nats.JetStreamContext, logger *zap.Logger) *AlertPublisher {
	return &AlertPublisher{
		logger: logger.Named("alert-publisher"),
		js:     js,
	}
}

// Publish sends one alert to the model's alert subject
func (p *AlertPublisher) Publish(ctx context.Context, alert model.RegressionAlert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if _, err := p.js.Publish(alertSubjectFor(alert.ModelName), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// AlertManager consumes regression alerts and fans them out to
// registered notification channels, keeping a recent in-memory window
// for the API.
type AlertManager struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	mu       sync.RWMutex
	alerts   []*model.RegressionAlert
	maxKept  int
	channels map[string]NotificationChannel
	sub      *nats.Subscription
}

// NewAlertManager creates an alert manager keeping the most recent 500
// alerts in memory.
func NewAlertManager(js nats.JetStreamContext, logger *zap.Logger) *AlertManager {
	return &AlertManager{
		logger:   logger.Named("alert-manager"),
		js:       js,
		maxKept:  500,
		channels: make(map[string]NotificationChannel),
	}
}

// RegisterChannel adds a notification channel under a name
func (m *AlertManager) RegisterChannel(name string, channel NotificationChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// Start ensures the alert stream exists and begins consuming
func (m *AlertManager) Start(ctx context.Context) error {
	_, err := m.js.AddStream(&nats.StreamConfig{
		Name:     alertStreamName,
		Subjects: []string{alertStreamSubject},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("failed to create alert stream: %w", err)
	}

	sub, err := m.js.Subscribe(alertSubject, m.handleAlert, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to subscribe to alerts: %w", err)
	}
	m.sub = sub
	return nil
}

// Stop drops the alert subscription
func (m *AlertManager) Stop() {
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
}

// ListAlerts returns recent alerts, newest first, optionally scoped to
// one model.
func (m *AlertManager) ListAlerts(modelName string) []*model.RegressionAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alerts := make([]*model.RegressionAlert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		if modelName != "" && alert.ModelName != modelName {
			continue
		}
		alerts = append(alerts, alert)
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})
	return alerts
}

func (m *AlertManager) handleAlert(msg *nats.Msg) {
	var alert model.RegressionAlert
	if err := json.Unmarshal(msg.Data, &alert); err != nil {
		m.logger.Error("Failed to unmarshal alert", zap.Error(err))
		return
	}

	m.mu.Lock()
	m.alerts = append(m.alerts, &alert)
	if len(m.alerts) > m.maxKept {
		m.alerts = m.alerts[len(m.alerts)-m.maxKept:]
	}
	channels := make([]NotificationChannel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		if err := ch.Send(&alert); err != nil {
			m.logger.Error("Failed to send alert notification",
				zap.String("model", alert.ModelName),
				zap.Error(err))
		}
	}
}

package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/trainflow/internal/model"
)

var (
	// ErrWorkerNotFound is returned when a worker id is unknown
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrNoEligibleWorkers is returned when no healthy worker matches a
	// job's requirements with spare capacity
	ErrNoEligibleWorkers = errors.New("no eligible workers available")
)

// Config controls health derivation for tracked workers
type Config struct {
	// StalenessWindow is how long a worker may go without a heartbeat
	// before being marked unhealthy.
	StalenessWindow time.Duration

	// CheckInterval is how often the staleness sweep runs.
	CheckInterval time.Duration
}

// DefaultConfig returns the config used when fields are left zero
func DefaultConfig() Config {
	return Config{
		StalenessWindow: 30 * time.Second,
		CheckInterval:   5 * time.Second,
	}
}

// Manager tracks remote executor processes: registration, heartbeats,
// health and load
type Manager struct {
	logger  *zap.Logger
	cfg     Config
	mu      sync.RWMutex
	workers map[string]*model.Worker
	stop    chan struct{}
}

// NewManager creates a worker manager
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = DefaultConfig().StalenessWindow
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultConfig().CheckInterval
	}
	return &Manager{
		logger:  logger.Named("worker-manager"),
		cfg:     cfg,
		workers: make(map[string]*model.Worker),
		stop:    make(chan struct{}),
	}
}

// Start starts the periodic staleness sweep
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("Starting worker manager",
		zap.Duration("staleness_window", m.cfg.StalenessWindow))
	go m.healthCheckLoop(ctx)
	return nil
}

// Stop stops the staleness sweep
func (m *Manager) Stop() {
	m.logger.Info("Stopping worker manager")
	close(m.stop)
}

// Register adds a worker or overwrites an existing record with the same
// id (idempotent re-registration on process restart).
func (m *Manager) Register(w *model.Worker) *model.Worker {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	w.RegisteredAt = now
	w.LastHeartbeat = now
	if w.MaxConcurrency <= 0 {
		w.MaxConcurrency = 1
	}
	w.Status = deriveStatus(w, now, m.cfg.StalenessWindow)

	_, existed := m.workers[w.WorkerID]
	m.workers[w.WorkerID] = w

	if existed {
		m.logger.Info("Worker re-registered", zap.String("worker_id", w.WorkerID))
	} else {
		m.logger.Info("Worker registered",
			zap.String("worker_id", w.WorkerID),
			zap.String("hostname", w.Hostname),
			zap.Strings("capabilities", w.Capabilities))
	}

	return w
}

// Heartbeat records a worker's load report. Concurrent heartbeats for the
// same worker are last-write-wins on load and timestamp.
func (m *Manager) Heartbeat(workerID string, hb model.Heartbeat) (*model.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID]
	if !ok {
		return nil, ErrWorkerNotFound
	}

	now := time.Now()
	w.CurrentLoad = hb.CurrentLoad
	w.LastHeartbeat = now
	w.Status = deriveStatus(w, now, m.cfg.StalenessWindow)

	snapshot := *w
	return &snapshot, nil
}

// Deregister removes a worker; immediately absent from List
func (m *Manager) Deregister(workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workers[workerID]; !ok {
		return ErrWorkerNotFound
	}
	delete(m.workers, workerID)

	m.logger.Info("Worker deregistered", zap.String("worker_id", workerID))
	return nil
}

// Get returns one worker's info with derived fields
func (m *Manager) Get(workerID string) (*model.WorkerInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workers[workerID]
	if !ok {
		return nil, ErrWorkerNotFound
	}
	info := workerInfo(w, time.Now(), m.cfg.StalenessWindow)
	return &info, nil
}

// List returns all workers with derived utilization and uptime, sorted
// by worker id for stable output
func (m *Manager) List() []model.WorkerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	infos := make([]model.WorkerInfo, 0, len(m.workers))
	for _, w := range m.workers {
		infos = append(infos, workerInfo(w, now, m.cfg.StalenessWindow))
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].WorkerID < infos[j].WorkerID
	})
	return infos
}

// Counts returns worker totals by derived status
func (m *Manager) Counts() (total, idle, busy, unhealthy int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	for _, w := range m.workers {
		total++
		switch deriveStatus(w, now, m.cfg.StalenessWindow) {
		case model.WorkerStatusIdle:
			idle++
		case model.WorkerStatusBusy:
			busy++
		case model.WorkerStatusUnhealthy:
			unhealthy++
		}
	}
	return
}

// Select picks the least-loaded healthy worker with spare capacity whose
// capabilities are a superset of the job's requirements.
func (m *Manager) Select(requires []string) (*model.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var selected *model.Worker
	var minUtilization float64

	for _, w := range m.workers {
		if deriveStatus(w, now, m.cfg.StalenessWindow) == model.WorkerStatusUnhealthy {
			continue
		}
		if w.CurrentLoad >= w.MaxConcurrency {
			continue
		}
		if !hasCapabilities(w.Capabilities, requires) {
			continue
		}

		utilization := float64(w.CurrentLoad) / float64(w.MaxConcurrency)
		if selected == nil || utilization < minUtilization {
			selected = w
			minUtilization = utilization
		}
	}

	if selected == nil {
		return nil, ErrNoEligibleWorkers
	}
	snapshot := *selected
	return &snapshot, nil
}

// healthCheckLoop runs the periodic staleness sweep
func (m *Manager) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweepStale()
		}
	}
}

// sweepStale promotes workers without a recent heartbeat to unhealthy
func (m *Manager) sweepStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, w := range m.workers {
		status := deriveStatus(w, now, m.cfg.StalenessWindow)
		if status == model.WorkerStatusUnhealthy && w.Status != model.WorkerStatusUnhealthy {
			m.logger.Warn("Worker marked as unhealthy",
				zap.String("worker_id", id),
				zap.Time("last_heartbeat", w.LastHeartbeat))
		}
		w.Status = status
	}
}

// deriveStatus computes a worker's status from heartbeat recency and load
func deriveStatus(w *model.Worker, now time.Time, staleness time.Duration) model.WorkerStatus {
	if now.Sub(w.LastHeartbeat) > staleness {
		return model.WorkerStatusUnhealthy
	}
	if w.CurrentLoad == 0 {
		return model.WorkerStatusIdle
	}
	return model.WorkerStatusBusy
}

func workerInfo(w *model.Worker, now time.Time, staleness time.Duration) model.WorkerInfo {
	snapshot := *w
	snapshot.Status = deriveStatus(w, now, staleness)

	utilization := 0.0
	if w.MaxConcurrency > 0 {
		utilization = float64(w.CurrentLoad) / float64(w.MaxConcurrency)
	}
	return model.WorkerInfo{
		Worker:      snapshot,
		Utilization: utilization,
		Uptime:      now.Sub(w.RegisteredAt),
	}
}

func hasCapabilities(capabilities, requires []string) bool {
	if len(requires) == 0 {
		return true
	}
	have := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		have[c] = true
	}
	for _, r := range requires {
		if !have[r] {
			return false
		}
	}
	return true
}

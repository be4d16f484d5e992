package model

import "time"

// WorkerStatus is derived from load and heartbeat recency
type WorkerStatus string

const (
	WorkerStatusIdle      WorkerStatus = "idle"
	WorkerStatusBusy      WorkerStatus = "busy"
	WorkerStatusUnhealthy WorkerStatus = "unhealthy"
)

// Worker represents a remote executor process tracked via heartbeat
type Worker struct {
	WorkerID       string            `json:"worker_id"`
	Hostname       string            `json:"hostname"`
	PID            int               `json:"pid"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	MaxConcurrency int               `json:"max_concurrency"`
	CurrentLoad    int               `json:"current_load"`
	Status         WorkerStatus      `json:"status"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
	RegisteredAt   time.Time         `json:"registered_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// WorkerInfo is the list/report view of a worker with derived fields
type WorkerInfo struct {
	Worker
	Utilization float64       `json:"utilization"`
	Uptime      time.Duration `json:"uptime"`
}

// Heartbeat is the periodic load report sent by a worker process
type Heartbeat struct {
	WorkerID    string    `json:"worker_id"`
	CurrentLoad int       `json:"current_load"`
	CPUUsage    float64   `json:"cpu_usage,omitempty"`
	MemoryUsage float64   `json:"memory_usage,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// QueueStats is a point-in-time snapshot of the execution queue
type QueueStats struct {
	Waiting   int  `json:"waiting"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Delayed   int  `json:"delayed"`
	Paused    bool `json:"paused"`
	Total     int  `json:"total"`
}

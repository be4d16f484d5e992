package api

import (
	"errors"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/t77yq/trainflow/internal/model"
	"github.com/t77yq/trainflow/internal/worker"
)

func (s *Server) registerWorker(c *gin.Context) {
	var w model.Worker
	if err := c.ShouldBindJSON(&w); err != nil {
		badRequest(c, err)
		return
	}
	if w.WorkerID == "" {
		badRequest(c, errors.New("worker_id is required"))
		return
	}

	registered := s.deps.Workers.Register(&w)
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"worker_id":     registered.WorkerID,
		"registered_at": registered.RegisteredAt,
	})
}

func (s *Server) listWorkers(c *gin.Context) {
	workers := s.deps.Workers.List()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(workers),
		"workers": workers,
	})
}

func (s *Server) workerHeartbeat(c *gin.Context) {
	var hb model.Heartbeat
	if err := c.ShouldBindJSON(&hb); err != nil {
		badRequest(c, err)
		return
	}

	workerID := c.Param("id")
	w, err := s.deps.Workers.Heartbeat(workerID, hb)
	if err != nil {
		if errors.Is(err, worker.ErrWorkerNotFound) {
			notFound(c, "worker not found: "+workerID)
			return
		}
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"worker_id":      w.WorkerID,
		"current_load":   w.CurrentLoad,
		"status":         w.Status,
		"last_heartbeat": w.LastHeartbeat,
	})
}

func (s *Server) deregisterWorker(c *gin.Context) {
	workerID := c.Param("id")
	if err := s.deps.Workers.Deregister(workerID); err != nil {
		if errors.Is(err, worker.ErrWorkerNotFound) {
			notFound(c, "worker not found: "+workerID)
			return
		}
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"worker_id": workerID,
		"message":   "worker deregistered",
	})
}

func (s *Server) health(c *gin.Context) {
	storeHealthy := true
	if s.deps.Store != nil {
		storeHealthy = s.deps.Store.Ping(c.Request.Context()) == nil
	}
	queueHealthy := s.deps.Queue != nil

	total, idle, busy, unhealthy := s.deps.Workers.Counts()
	utilization := 0.0
	if total > 0 {
		utilization = math.Round(float64(busy)/float64(total)*10000) / 100
	}

	healthy := storeHealthy && queueHealthy
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"success": true,
		"healthy": healthy,
		"components": gin.H{
			"queue":          queueHealthy,
			"worker_manager": true,
			"state_store":    storeHealthy,
		},
		"workers": gin.H{
			"total":               total,
			"active":              idle + busy,
			"idle":                idle,
			"busy":                busy,
			"unhealthy":           unhealthy,
			"utilization_percent": utilization,
		},
	})
}

package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/t77yq/trainflow/internal/dag"
	"github.com/t77yq/trainflow/internal/model"
)

func (s *Server) queueStats(c *gin.Context) {
	stats := s.deps.Queue.Stats()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"healthy": true,
		"stats":   stats,
	})
}

func (s *Server) pauseQueue(c *gin.Context) {
	s.deps.Queue.Pause()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "queue paused",
	})
}

func (s *Server) resumeQueue(c *gin.Context) {
	s.deps.Queue.Resume()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "queue resumed",
	})
}

type executeRequest struct {
	WorkflowID  string            `json:"workflow_id" binding:"required"`
	Jobs        []model.JobConfig `json:"jobs" binding:"required"`
	Parallelism int               `json:"parallelism"`
	EnableCache bool              `json:"enable_cache"`
}

func (s *Server) executeDAG(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	executionID, err := s.deps.DAG.Execute(c.Request.Context(), req.WorkflowID, req.Jobs, dag.Options{
		Parallelism: req.Parallelism,
		EnableCache: req.EnableCache,
	})
	if err != nil {
		// Definition errors (cycles, dangling or duplicate deps) are the
		// caller's fault.
		badRequest(c, err)
		return
	}

	execution, err := s.deps.DAG.GetExecution(c.Request.Context(), executionID)
	if err != nil {
		internalError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success":      true,
		"execution_id": executionID,
		"status":       execution.Status,
		"started_at":   execution.StartedAt,
		"job_count":    execution.Progress.Total,
	})
}

func (s *Server) getExecution(c *gin.Context) {
	executionID := c.Param("id")
	execution, err := s.deps.DAG.GetExecution(c.Request.Context(), executionID)
	if err != nil {
		if errors.Is(err, dag.ErrExecutionNotFound) {
			notFound(c, "execution not found: "+executionID)
			return
		}
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"execution": execution,
	})
}

func (s *Server) cancelExecution(c *gin.Context) {
	executionID := c.Param("id")
	if err := s.deps.DAG.Cancel(executionID); err != nil {
		if errors.Is(err, dag.ErrExecutionNotFound) {
			notFound(c, "execution not found: "+executionID)
			return
		}
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"execution_id": executionID,
		"message":      "cancellation requested",
	})
}

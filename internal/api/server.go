// Package api exposes the orchestration core over HTTP for the UI and
// CLI layers.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/t77yq/trainflow/internal/backfill"
	"github.com/t77yq/trainflow/internal/baseline"
	"github.com/t77yq/trainflow/internal/dag"
	"github.com/t77yq/trainflow/internal/model"
	"github.com/t77yq/trainflow/internal/monitor"
	"github.com/t77yq/trainflow/internal/schedule"
	"github.com/t77yq/trainflow/internal/worker"
)

// Queue is the dispatch-control surface the API needs from the
// execution queue.
type Queue interface {
	Pause()
	Resume()
	Stats() model.QueueStats
}

// Pinger reports state-store connectivity for the health endpoint
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps carries the engine instances the API serves
type Deps struct {
	DAG       *dag.Orchestrator
	Backfill  *backfill.Orchestrator
	Workers   *worker.Manager
	Queue     Queue
	Baselines *baseline.Manager
	Schedules *schedule.WorkflowScheduler
	Alerts    *monitor.AlertManager // optional
	Store     Pinger
}

// Server is the HTTP front of the orchestration core
type Server struct {
	logger *zap.Logger
	deps   Deps
	router *gin.Engine
	http   *http.Server
}

// NewServer builds the router with all routes registered
func NewServer(deps Deps, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		logger: logger.Named("api"),
		deps:   deps,
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes(router)
	s.router = router

	return s
}

// Router exposes the gin engine, used directly by tests
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start begins serving on addr, blocking until shutdown or failure
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	s.logger.Info("API server listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/health", s.health)

	workers := router.Group("/workers")
	{
		workers.POST("/register", s.registerWorker)
		workers.GET("", s.listWorkers)
		workers.POST("/:id/heartbeat", s.workerHeartbeat)
		workers.DELETE("/:id", s.deregisterWorker)
	}

	queue := router.Group("/queue")
	{
		queue.GET("/stats", s.queueStats)
		queue.POST("/pause", s.pauseQueue)
		queue.POST("/resume", s.resumeQueue)
	}

	router.POST("/execute", s.executeDAG)
	router.GET("/execute/:id", s.getExecution)
	router.POST("/execute/:id/cancel", s.cancelExecution)

	training := router.Group("/training")
	{
		training.POST("/dag/backfill", s.runBackfill)
		training.GET("/dag/backfill", s.backfillCapabilities)

		training.POST("/baselines", s.createBaseline)
		training.GET("/baselines", s.listBaselines)
		training.GET("/baselines/:id", s.getBaseline)
		training.PUT("/baselines/:id", s.updateBaseline)
		training.DELETE("/baselines/:id", s.deleteBaseline)
		training.POST("/baselines/validate", s.validateMetrics)
		training.GET("/validations", s.listValidations)
		training.GET("/alerts", s.listAlerts)

		training.POST("/schedules", s.createSchedule)
		training.GET("/schedules", s.listSchedules)
		training.GET("/schedules/:id", s.getSchedule)
		training.DELETE("/schedules/:id", s.deleteSchedule)
	}
}

// requestLogger logs each request with latency and status
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("Request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   err.Error(),
	})
}

func notFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, gin.H{
		"success": false,
		"error":   msg,
	})
}

func internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"success": false,
		"error":   err.Error(),
	})
}

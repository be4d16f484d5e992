package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/t77yq/trainflow/internal/baseline"
	"github.com/t77yq/trainflow/internal/model"
	"github.com/t77yq/trainflow/internal/storage"
)

type backfillRequest struct {
	Name          string            `json:"name"`
	TemplateID    string            `json:"template_id" binding:"required"`
	Jobs          []model.JobConfig `json:"jobs" binding:"required"`
	StartDate     string            `json:"start_date" binding:"required"`
	EndDate       string            `json:"end_date" binding:"required"`
	Interval      string            `json:"interval"`
	Parallelism   int               `json:"parallelism"`
	EnableCache   bool              `json:"enable_cache"`
	StopOnFailure bool              `json:"stop_on_failure"`
}

// parseDate accepts both date-only and RFC3339 timestamps
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD or RFC3339", s)
}

// runBackfill executes a backfill synchronously and reports aggregate
// stats once every date has settled.
func (s *Server) runBackfill(c *gin.Context) {
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	start, err := parseDate(req.StartDate)
	if err != nil {
		badRequest(c, err)
		return
	}
	end, err := parseDate(req.EndDate)
	if err != nil {
		badRequest(c, err)
		return
	}
	if req.Interval == "" {
		req.Interval = string(model.IntervalDay)
	}
	interval, err := model.ParseInterval(req.Interval)
	if err != nil {
		badRequest(c, err)
		return
	}
	if req.Parallelism <= 0 {
		req.Parallelism = 1
	}

	execution, err := s.deps.Backfill.Execute(c.Request.Context(), req.Name, req.Jobs, model.BackfillConfig{
		TemplateID:    req.TemplateID,
		StartDate:     start,
		EndDate:       end,
		Interval:      interval,
		Parallelism:   req.Parallelism,
		EnableCache:   req.EnableCache,
		StopOnFailure: req.StopOnFailure,
	})
	if err != nil {
		badRequest(c, err)
		return
	}

	// success reports that the backfill ran to completion; per-date
	// failures surface in stats.status and stats.failed_executions.
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stats": gin.H{
			"backfill_id":          execution.ID,
			"status":               execution.Status,
			"total_executions":     execution.TotalExecutions,
			"completed_executions": execution.CompletedExecutions,
			"failed_executions":    execution.FailedExecutions,
			"execution_ids":        execution.ExecutionIDs,
			"started_at":           execution.StartedAt,
			"completed_at":         execution.CompletedAt,
		},
	})
}

func (s *Server) backfillCapabilities(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "submit a POST request with a job template and date range to run a backfill",
		"supported_intervals": []model.Interval{
			model.IntervalHour, model.IntervalDay, model.IntervalWeek, model.IntervalMonth,
		},
		"date_parameters": []string{
			"{{ISO_DATE}}", "{{YEAR}}", "{{MONTH}}", "{{DAY}}", "{{DATE}}",
		},
	})
}

func (s *Server) createBaseline(c *gin.Context) {
	var b model.Baseline
	if err := c.ShouldBindJSON(&b); err != nil {
		badRequest(c, err)
		return
	}

	created, err := s.deps.Baselines.CreateBaseline(c.Request.Context(), &b)
	if err != nil {
		badRequest(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":  true,
		"baseline": created,
	})
}

func (s *Server) listBaselines(c *gin.Context) {
	baselines, err := s.deps.Baselines.ListBaselines(c.Request.Context(), c.Query("model_name"))
	if err != nil {
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"count":     len(baselines),
		"baselines": baselines,
	})
}

func (s *Server) getBaseline(c *gin.Context) {
	id := c.Param("id")
	b, err := s.deps.Baselines.GetBaseline(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			notFound(c, "baseline not found: "+id)
			return
		}
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"baseline": b,
	})
}

func (s *Server) updateBaseline(c *gin.Context) {
	var b model.Baseline
	if err := c.ShouldBindJSON(&b); err != nil {
		badRequest(c, err)
		return
	}
	b.ID = c.Param("id")

	updated, err := s.deps.Baselines.UpdateBaseline(c.Request.Context(), &b)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			notFound(c, "baseline not found: "+b.ID)
			return
		}
		badRequest(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"baseline": updated,
	})
}

func (s *Server) deleteBaseline(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Baselines.DeleteBaseline(c.Request.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			notFound(c, "baseline not found: "+id)
			return
		}
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "baseline deleted",
	})
}

func (s *Server) validateMetrics(c *gin.Context) {
	var req baseline.ValidationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.ModelName == "" {
		badRequest(c, errors.New("model_name is required"))
		return
	}

	result, err := s.deps.Baselines.Validate(c.Request.Context(), req)
	if err != nil {
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"result":  result,
	})
}

func (s *Server) listValidations(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	validations, err := s.deps.Baselines.ListValidations(c.Request.Context(), c.Query("model_name"), offset, limit)
	if err != nil {
		internalError(c, err)
		return
	}
	if validations == nil {
		validations = []*model.ValidationRecord{}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"count":       len(validations),
		"validations": validations,
	})
}

func (s *Server) listAlerts(c *gin.Context) {
	alerts := []*model.RegressionAlert{}
	if s.deps.Alerts != nil {
		alerts = s.deps.Alerts.ListAlerts(c.Query("model_name"))
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(alerts),
		"alerts":  alerts,
	})
}

func (s *Server) createSchedule(c *gin.Context) {
	var schedule model.WorkflowSchedule
	if err := c.ShouldBindJSON(&schedule); err != nil {
		badRequest(c, err)
		return
	}

	created, err := s.deps.Schedules.AddSchedule(&schedule)
	if err != nil {
		badRequest(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":  true,
		"schedule": created,
	})
}

func (s *Server) listSchedules(c *gin.Context) {
	schedules := s.deps.Schedules.ListSchedules()
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"count":     len(schedules),
		"schedules": schedules,
	})
}

func (s *Server) getSchedule(c *gin.Context) {
	id := c.Param("id")
	schedule, err := s.deps.Schedules.GetSchedule(id)
	if err != nil {
		notFound(c, "schedule not found: "+id)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"schedule": schedule,
	})
}

func (s *Server) deleteSchedule(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Schedules.RemoveSchedule(id); err != nil {
		notFound(c, "schedule not found: "+id)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "schedule removed",
	})
}

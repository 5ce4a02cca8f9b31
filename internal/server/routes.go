package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/turntable/internal/admission"
	"github.com/zulandar/turntable/internal/models"
	"github.com/zulandar/turntable/internal/runlog"
	"github.com/zulandar/turntable/internal/sandbox"
	"github.com/zulandar/turntable/internal/stream"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/healthz", handleHealth(opts))

	v1 := router.Group("/v1")
	{
		v1.POST("/runs", handleSubmitRun(opts))
		v1.GET("/runs/:id", handleGetRun(opts))
		v1.POST("/runs/:id/cancel", handleCancelRun(opts))
		v1.GET("/runs/:id/events", stream.Handler(opts.RunLog, opts.Broker, opts.Stream))
	}

	internal := router.Group("/internal")
	{
		internal.POST("/runs/:id/events", handleAppendEvent(opts))
		internal.POST("/runs/:id/status", handleUpdateStatus(opts))
		internal.POST("/sandboxes", handleProvisionSandbox(opts))
		internal.GET("/sandboxes/:conversation", handleActiveSandbox(opts))
		internal.DELETE("/sandboxes/:id", handleCleanupSandbox(opts))
	}
}

// runView is the wire form of a run.
type runView struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Status         string     `json:"status"`
	Step           string     `json:"step,omitempty"`
	Turn           int        `json:"turn"`
	Model          string     `json:"model,omitempty"`
	Intent         string     `json:"intent,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func viewRun(r *models.Run) runView {
	return runView{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		UserID:         r.UserID,
		Status:         r.Status,
		Step:           r.Step,
		Turn:           r.Turn,
		Model:          r.Model,
		Intent:         r.Intent,
		Error:          r.Error,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
	}
}

// sandboxView is the wire form of a sandbox.
type sandboxView struct {
	ID             string    `json:"id"`
	ResourceID     string    `json:"resource_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Framework      string    `json:"framework,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func viewSandbox(sb *models.Sandbox) sandboxView {
	return sandboxView{
		ID:             sb.ID,
		ResourceID:     sb.ResourceID,
		ConversationID: sb.ConversationID,
		UserID:         sb.UserID,
		Framework:      sb.Framework,
		ExpiresAt:      sb.ExpiresAt,
	}
}

func handleHealth(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := opts.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleSubmitRun(opts StartOpts) gin.HandlerFunc {
	type request struct {
		ConversationID string `json:"conversation_id"`
		UserID         string `json:"user_id"`
		Model          string `json:"model"`
		Intent         string `json:"intent"`
	}
	return func(c *gin.Context) {
		var req request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if req.ConversationID == "" || req.UserID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id and user_id are required"})
			return
		}

		run, err := opts.Admission.Submit(c.Request.Context(), admission.SubmitRequest{
			ConversationID: req.ConversationID,
			UserID:         req.UserID,
			Model:          req.Model,
			Intent:         req.Intent,
		})
		if err != nil {
			if rej, ok := admission.Rejected(err); ok {
				c.JSON(http.StatusTooManyRequests, gin.H{
					"error":     rej.Error(),
					"reason":    rej.Reason,
					"limit":     rej.Limit,
					"retryable": rej.Retryable,
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "submit failed"})
			return
		}
		c.JSON(http.StatusCreated, viewRun(run))
	}
}

func handleGetRun(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, err := opts.RunLog.GetRun(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, runlog.ErrRunNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}
		c.JSON(http.StatusOK, viewRun(run))
	}
}

func handleCancelRun(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := c.Param("id")
		run, err := opts.RunLog.GetRun(c.Request.Context(), runID)
		if err != nil {
			if errors.Is(err, runlog.ErrRunNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}
		if run.Terminal() {
			c.JSON(http.StatusConflict, gin.H{"error": "run already finished", "status": run.Status})
			return
		}

		if err := opts.RunLog.MarkTerminal(c.Request.Context(), runID, models.RunStatusCancelled, ""); err != nil {
			// Lost a race against the worker finishing the run.
			c.JSON(http.StatusConflict, gin.H{"error": "run already finished"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": runID, "status": models.RunStatusCancelled})
	}
}

func handleAppendEvent(opts StartOpts) gin.HandlerFunc {
	type request struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	return func(c *gin.Context) {
		var req request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		typ := runlog.EventType(req.Type)
		if !runlog.ValidType(typ) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event type"})
			return
		}
		payload := req.Payload
		if payload == nil {
			payload = json.RawMessage("{}")
		}

		seq, err := opts.RunLog.Append(c.Request.Context(), c.Param("id"), typ, payload)
		if err != nil {
			if errors.Is(err, runlog.ErrRunNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "append failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"seq": seq})
	}
}

func handleUpdateStatus(opts StartOpts) gin.HandlerFunc {
	type request struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	return func(c *gin.Context) {
		runID := c.Param("id")
		var req request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		run, err := opts.RunLog.GetRun(c.Request.Context(), runID)
		if err != nil {
			if errors.Is(err, runlog.ErrRunNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}

		switch req.Status {
		case models.RunStatusRunning:
			if err := opts.RunLog.MarkStarted(c.Request.Context(), runID); err != nil {
				c.JSON(http.StatusConflict, gin.H{"error": "run is not queued"})
				return
			}
		case models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled:
			if err := opts.RunLog.MarkTerminal(c.Request.Context(), runID, req.Status, req.Error); err != nil {
				c.JSON(http.StatusConflict, gin.H{"error": "run is not active"})
				return
			}
			if req.Status == models.RunStatusFailed && opts.Reporter != nil {
				opts.Reporter.RunFailed(runID, run.UserID, req.Error)
			}
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": runID, "status": req.Status})
	}
}

func handleProvisionSandbox(opts StartOpts) gin.HandlerFunc {
	type request struct {
		ConversationID string   `json:"conversation_id"`
		UserID         string   `json:"user_id"`
		Framework      string   `json:"framework"`
		Packages       []string `json:"packages"`
		Restore        bool     `json:"restore"`
	}
	return func(c *gin.Context) {
		var req request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if req.ConversationID == "" || req.UserID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id and user_id are required"})
			return
		}

		sb, err := opts.Sandboxes.Provision(c.Request.Context(), req.UserID, req.ConversationID, sandbox.ProvisionOpts{
			Framework: req.Framework,
			Packages:  req.Packages,
			Restore:   req.Restore,
		})
		if err != nil {
			if errors.Is(err, sandbox.ErrProvisionFailed) {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"error":     err.Error(),
					"retryable": true,
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "provision failed"})
			return
		}
		c.JSON(http.StatusOK, viewSandbox(sb))
	}
}

func handleCleanupSandbox(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := opts.Sweeper.Cleanup(c.Request.Context(), id); err != nil {
			if errors.Is(err, sandbox.ErrNoSandbox) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no such sandbox"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "cleanup failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "status": "destroyed"})
	}
}

func handleActiveSandbox(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		sb, err := opts.Sandboxes.Active(c.Request.Context(), c.Param("conversation"))
		if err != nil {
			if errors.Is(err, sandbox.ErrNoSandbox) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no active sandbox"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}
		c.JSON(http.StatusOK, viewSandbox(sb))
	}
}

// Package admission decides whether new runs may enter the system, bounding
// global queue depth and per-user concurrency.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/turntable/internal/config"
	"github.com/zulandar/turntable/internal/models"
	"gorm.io/gorm"
)

// RejectedError reports why a run was not admitted. Both rejection kinds are
// retryable by the client after backoff; the caller must roll back any side
// effects it created before submitting.
type RejectedError struct {
	Reason    string // "overloaded" or "user_limit"
	Limit     int    // the limit that was hit
	Retryable bool
}

func (e *RejectedError) Error() string {
	if e.Reason == "overloaded" {
		return fmt.Sprintf("admission: system overloaded (queue depth limit %d), retry later", e.Limit)
	}
	return fmt.Sprintf("admission: too many active runs (limit %d), retry later", e.Limit)
}

// Rejected extracts a RejectedError from err, if present.
func Rejected(err error) (*RejectedError, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// Alerter receives best-effort operational notifications.
type Alerter interface {
	QueueSaturated(depth, capacity int)
}

// SubmitRequest carries the caller-supplied attributes of a new run.
type SubmitRequest struct {
	ConversationID string
	UserID         string
	Model          string
	Intent         string
}

// Controller admits runs. The count-then-insert check runs in a single
// transaction because concurrent submissions from the same user are
// expected.
type Controller struct {
	db      *gorm.DB
	cfg     config.AdmissionConfig
	alerter Alerter
}

// New creates a Controller. alerter may be nil.
func New(db *gorm.DB, cfg config.AdmissionConfig, alerter Alerter) *Controller {
	return &Controller{db: db, cfg: cfg, alerter: alerter}
}

// EffectiveUserLimit returns the per-user concurrency limit for the given
// global depth: the configured default normally, tightened to the minimum
// once depth reaches the tighten threshold of the global cap. This keeps a
// single heavy user from starving the queue as the system nears saturation.
func (c *Controller) EffectiveUserLimit(depth int) int {
	threshold := int(float64(c.cfg.MaxQueueDepth) * c.cfg.TightenThreshold)
	if depth >= threshold {
		return c.cfg.TightUserRunLimit
	}
	return c.cfg.UserRunLimit
}

// Submit admits and persists a new run, or returns a RejectedError. The only
// side effect is the Run insert; there are no network calls.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (*models.Run, error) {
	if req.ConversationID == "" {
		return nil, fmt.Errorf("admission: conversation id is required")
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("admission: user id is required")
	}

	var run *models.Run
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var depth int64
		if err := tx.Model(&models.Run{}).
			Where("status IN ?", models.ActiveRunStatuses).
			Count(&depth).Error; err != nil {
			return fmt.Errorf("count active runs: %w", err)
		}

		if int(depth) >= c.cfg.MaxQueueDepth {
			if c.alerter != nil {
				go c.alerter.QueueSaturated(int(depth), c.cfg.MaxQueueDepth)
			}
			return &RejectedError{Reason: "overloaded", Limit: c.cfg.MaxQueueDepth, Retryable: true}
		}

		limit := c.EffectiveUserLimit(int(depth))
		var userActive int64
		if err := tx.Model(&models.Run{}).
			Where("user_id = ? AND status IN ?", req.UserID, models.ActiveRunStatuses).
			Count(&userActive).Error; err != nil {
			return fmt.Errorf("count user runs: %w", err)
		}
		if int(userActive) >= limit {
			return &RejectedError{Reason: "user_limit", Limit: limit, Retryable: true}
		}

		run = &models.Run{
			ID:             "run_" + uuid.NewString()[:8],
			ConversationID: req.ConversationID,
			UserID:         req.UserID,
			Status:         models.RunStatusQueued,
			Model:          req.Model,
			Intent:         req.Intent,
			CreatedAt:      time.Now(),
		}
		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
	if err != nil {
		if rej, ok := Rejected(err); ok {
			log.Printf("admission: rejected %s for %s: %s", req.ConversationID, req.UserID, rej.Reason)
			return nil, rej
		}
		return nil, fmt.Errorf("admission: submit: %w", err)
	}
	return run, nil
}

package models

import "time"

// Run statuses. A run is "active" while queued or running; the three
// terminal statuses are never left once entered.
const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// ActiveRunStatuses are the statuses counted against admission limits.
var ActiveRunStatuses = []string{RunStatusQueued, RunStatusRunning}

// Run is one durable execution of a multi-turn agent job. Runs are created
// by the admission controller, driven through their lifecycle by exactly one
// worker, and never deleted — progress accumulates as RunEvent rows.
type Run struct {
	ID             string `gorm:"primaryKey;size:40"`
	ConversationID string `gorm:"size:40;not null;index"`
	UserID         string `gorm:"size:64;not null;index"`
	Status         string `gorm:"size:16;default:queued;index"`
	Step           string `gorm:"size:32"`
	Turn           int    `gorm:"default:0"`
	// NextSeq is the sequence number the next appended event will receive.
	// Advanced atomically by the run log; never decremented.
	NextSeq     int64  `gorm:"default:0"`
	Model       string `gorm:"size:64"`
	Intent      string `gorm:"size:32"`
	Error       string `gorm:"type:text"`
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Terminal reports whether the run has reached a final status.
func (r *Run) Terminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

package models

import "time"

// Sandbox is the persisted record of an ephemeral compute environment.
// The record is a cache: the compute backend is the source of truth for
// liveness. At most one active sandbox exists per conversation, enforced by
// the provisioning lock rather than a storage constraint.
type Sandbox struct {
	ID             string `gorm:"primaryKey;size:40"`
	ResourceID     string `gorm:"size:128;not null;index"`
	ConversationID string `gorm:"size:40;not null;index"`
	UserID         string `gorm:"size:64;not null"`
	Framework      string `gorm:"size:32"`
	Packages       string `gorm:"type:json"`
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// Expired reports whether the sandbox's lease has lapsed at now.
func (s *Sandbox) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

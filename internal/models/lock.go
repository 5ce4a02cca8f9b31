package models

import "time"

// ProvisionLock is a named, TTL-bounded ownership lock persisted in the
// shared database so provisioning can be serialized across processes.
// A lock is only ever released by the owner token that acquired it; the
// TTL is the safety net against a crashed holder.
type ProvisionLock struct {
	Name      string `gorm:"primaryKey;size:80"`
	Owner     string `gorm:"size:40;not null"`
	ExpiresAt time.Time
	CreatedAt time.Time
}

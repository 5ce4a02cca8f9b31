// Package coord provides the coordination primitives Turntable's run
// pipeline is built on: a TTL-bounded, ownership-checked lock persisted in
// the shared database, and an in-process broadcast broker for run events.
package coord

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/turntable/internal/models"
	"gorm.io/gorm"
)

// ErrLockHeld is returned by Acquire when another owner holds the lock.
var ErrLockHeld = errors.New("coord: lock held")

// Acquire attempts to take the named lock with the given TTL. It expires any
// stale row for the name, then inserts a fresh one owned by a random token.
// Returns the owner token on success, or ErrLockHeld if a live lock exists.
//
// The whole operation runs in one transaction so two concurrent acquirers
// cannot both observe the name as free.
func Acquire(db *gorm.DB, name string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	now := time.Now()

	err := db.Transaction(func(tx *gorm.DB) error {
		// Clear an expired holder. A crashed process never releases; the
		// TTL is what unblocks the next acquirer.
		if err := tx.Where("name = ? AND expires_at < ?", name, now).
			Delete(&models.ProvisionLock{}).Error; err != nil {
			return fmt.Errorf("expire stale lock: %w", err)
		}

		var existing models.ProvisionLock
		result := tx.Where("name = ?", name).First(&existing)
		if result.Error == nil {
			return ErrLockHeld
		}
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check existing lock: %w", result.Error)
		}

		lock := models.ProvisionLock{
			Name:      name,
			Owner:     token,
			ExpiresAt: now.Add(ttl),
		}
		if err := tx.Create(&lock).Error; err != nil {
			return fmt.Errorf("create lock: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return "", ErrLockHeld
		}
		return "", fmt.Errorf("coord: acquire %s: %w", name, err)
	}
	return token, nil
}

// Release deletes the named lock, but only if token still owns it. Releasing
// unconditionally could drop a lock a different provisioner acquired after
// this holder's TTL lapsed.
func Release(db *gorm.DB, name, token string) error {
	result := db.Where("name = ? AND owner = ?", name, token).
		Delete(&models.ProvisionLock{})
	if result.Error != nil {
		return fmt.Errorf("coord: release %s: %w", name, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("coord: release %s: not held by this owner", name)
	}
	return nil
}

// Held reports whether a live (unexpired) lock exists for name. Used by
// provisioners polling for a competing holder to finish.
func Held(db *gorm.DB, name string) (bool, error) {
	var count int64
	err := db.Model(&models.ProvisionLock{}).
		Where("name = ? AND expires_at >= ?", name, time.Now()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("coord: check %s: %w", name, err)
	}
	return count > 0, nil
}

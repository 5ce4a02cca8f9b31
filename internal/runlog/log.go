package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/turntable/internal/coord"
	"github.com/zulandar/turntable/internal/models"
	"gorm.io/gorm"
)

// ErrRunNotFound is returned when the target run does not exist.
var ErrRunNotFound = errors.New("runlog: run not found")

// Log is the write path for run events. Appends are durable before they are
// broadcast: once Append returns, the event is retrievable by replay even if
// nobody was subscribed.
type Log struct {
	db     *gorm.DB
	broker *coord.Broker
}

// New creates a Log over the given database and broker.
func New(db *gorm.DB, broker *coord.Broker) *Log {
	return &Log{db: db, broker: broker}
}

// Append assigns the run's next sequence number, persists the event, and
// broadcasts it to live subscribers. Returns the assigned sequence.
//
// The sequence counter advances via a conditional single-row update inside
// the insert transaction, so two concurrent appends can never hand out the
// same number even though one worker owns a run.
func (l *Log) Append(ctx context.Context, runID string, typ EventType, payload interface{}) (int64, error) {
	if !ValidType(typ) {
		return 0, fmt.Errorf("runlog: append: unknown event type %q", typ)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("runlog: marshal %s payload: %w", typ, err)
	}

	var seq int64
	var eventID uint
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Run{}).
			Where("id = ?", runID).
			Update("next_seq", gorm.Expr("next_seq + 1"))
		if result.Error != nil {
			return fmt.Errorf("advance sequence: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrRunNotFound
		}

		var run models.Run
		if err := tx.Select("next_seq").Where("id = ?", runID).First(&run).Error; err != nil {
			return fmt.Errorf("read sequence: %w", err)
		}
		seq = run.NextSeq - 1

		event := models.RunEvent{
			RunID:   runID,
			Seq:     seq,
			Type:    string(typ),
			Payload: string(data),
		}
		if err := tx.Create(&event).Error; err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		eventID = event.ID
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return 0, ErrRunNotFound
		}
		return 0, fmt.Errorf("runlog: append to %s: %w", runID, err)
	}

	// Best-effort: a subscriber that misses this catches up through replay.
	l.broker.Publish(runID, coord.Envelope{
		Seq:     seq,
		EventID: eventID,
		Type:    string(typ),
		Payload: json.RawMessage(data),
	})
	return seq, nil
}

// ListAfter returns up to limit events of the run with Seq > after, in
// ascending sequence order. Replay pages through this until a short page.
func (l *Log) ListAfter(ctx context.Context, runID string, after int64, limit int) ([]models.RunEvent, error) {
	var events []models.RunEvent
	err := l.db.WithContext(ctx).
		Where("run_id = ? AND seq > ?", runID, after).
		Order("seq ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("runlog: list %s after %d: %w", runID, after, err)
	}
	return events, nil
}

// GetRun fetches the run row, primarily for terminal-status checks on the
// read path.
func (l *Log) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	var run models.Run
	err := l.db.WithContext(ctx).Where("id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("runlog: get run %s: %w", runID, err)
	}
	return &run, nil
}

// MarkStarted transitions a queued run to running and stamps StartedAt.
func (l *Log) MarkStarted(ctx context.Context, runID string) error {
	now := time.Now()
	result := l.db.WithContext(ctx).Model(&models.Run{}).
		Where("id = ? AND status = ?", runID, models.RunStatusQueued).
		Updates(map[string]interface{}{
			"status":     models.RunStatusRunning,
			"started_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("runlog: mark started %s: %w", runID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("runlog: mark started %s: not queued", runID)
	}
	return nil
}

// MarkTerminal moves a run to a terminal status, stamps CompletedAt, and
// appends the session-complete marker so live sessions shut down. The marker
// append is best-effort: the status row is already authoritative.
func (l *Log) MarkTerminal(ctx context.Context, runID, status, errMsg string) error {
	switch status {
	case models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled:
	default:
		return fmt.Errorf("runlog: mark terminal %s: %q is not terminal", runID, status)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":       status,
		"completed_at": now,
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	result := l.db.WithContext(ctx).Model(&models.Run{}).
		Where("id = ? AND status IN ?", runID, models.ActiveRunStatuses).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("runlog: mark terminal %s: %w", runID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("runlog: mark terminal %s: not active", runID)
	}

	if _, err := l.Append(ctx, runID, EventSessionComplete, SessionComplete{Status: status}); err != nil {
		log.Printf("runlog: session-complete marker for %s: %v", runID, err)
	}
	return nil
}

package models

import "time"

// RunEvent is one append-only progress event emitted by a run's worker.
// (RunID, Seq) is unique; Seq starts at 0 and increases without gaps from
// the writer's perspective. Readers must order by Seq, never by arrival.
type RunEvent struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	RunID     string `gorm:"size:40;not null;uniqueIndex:idx_run_seq,priority:1"`
	Seq       int64  `gorm:"not null;uniqueIndex:idx_run_seq,priority:2"`
	Type      string `gorm:"size:32;not null"`
	Payload   string `gorm:"type:mediumtext"`
	CreatedAt time.Time
}

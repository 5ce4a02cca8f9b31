package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/turntable/internal/models"
	"gorm.io/gorm"
)

// SweepReporter receives best-effort summaries of sweep passes.
type SweepReporter interface {
	SweepReport(destroyed, spared int)
}

// SweepResult summarizes one reconciliation pass.
type SweepResult struct {
	Destroyed int
	Spared    int
}

// Sweeper reconciles compute resources against persisted sandbox records:
// explicit teardown on request, and a periodic pass that destroys orphans.
type Sweeper struct {
	db       *gorm.DB
	backend  Backend
	reporter SweepReporter
}

// NewSweeper creates a Sweeper. reporter may be nil.
func NewSweeper(db *gorm.DB, backend Backend, reporter SweepReporter) *Sweeper {
	return &Sweeper{db: db, backend: backend, reporter: reporter}
}

// Cleanup tears down one sandbox intentionally: flush pending writes, back
// up its state, destroy the resource, delete the record. Every step is
// independently best-effort so the resource cannot leak behind an earlier
// failure.
func (s *Sweeper) Cleanup(ctx context.Context, sandboxID string) error {
	var sb models.Sandbox
	err := s.db.WithContext(ctx).Where("id = ?", sandboxID).First(&sb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNoSandbox
	}
	if err != nil {
		return fmt.Errorf("sandbox: cleanup lookup %s: %w", sandboxID, err)
	}

	if _, err := s.backend.Exec(ctx, sb.ResourceID, []string{"sync"}); err != nil {
		log.Printf("sandbox: cleanup %s: flush: %v", sandboxID, err)
	}
	if _, err := s.backend.Exec(ctx, sb.ResourceID, []string{"turntable-archive"}); err != nil {
		log.Printf("sandbox: cleanup %s: backup: %v", sandboxID, err)
	}
	if err := s.backend.Destroy(ctx, sb.ResourceID); err != nil {
		log.Printf("sandbox: cleanup %s: destroy: %v", sandboxID, err)
	}
	if err := s.db.WithContext(ctx).Delete(&sb).Error; err != nil {
		log.Printf("sandbox: cleanup %s: delete record: %v", sandboxID, err)
	}
	return nil
}

// Sweep lists every labeled compute resource, groups by conversation, and
// destroys resources with no persisted record. A lone orphan whose
// conversation has sibling resources is spared for a later pass: the
// sibling usually means a provisioner is mid-creation right now.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	resources, err := s.backend.List(ctx, map[string]string{LabelSandbox: "true"})
	if err != nil {
		return result, fmt.Errorf("sandbox: sweep list: %w", err)
	}
	if len(resources) == 0 {
		return result, nil
	}

	var records []models.Sandbox
	if err := s.db.WithContext(ctx).Find(&records).Error; err != nil {
		return result, fmt.Errorf("sandbox: sweep records: %w", err)
	}
	known := make(map[string]bool, len(records))
	for _, r := range records {
		known[r.ResourceID] = true
	}

	byConversation := make(map[string][]Resource)
	for _, res := range resources {
		conv := res.Labels[LabelConversation]
		byConversation[conv] = append(byConversation[conv], res)
	}

	for conv, group := range byConversation {
		for _, res := range group {
			if known[res.ID] {
				continue
			}
			if len(group) > 1 {
				// Likely a concurrent provisioning race; let a future
				// pass decide.
				result.Spared++
				log.Printf("sandbox: sweep sparing orphan %s (conversation %s has %d resources)", res.ID, conv, len(group))
				continue
			}
			if err := s.backend.Destroy(ctx, res.ID); err != nil {
				log.Printf("sandbox: sweep destroy %s: %v", res.ID, err)
				continue
			}
			result.Destroyed++
			log.Printf("sandbox: sweep destroyed orphan %s (conversation %s)", res.ID, conv)
		}
	}

	if s.reporter != nil && (result.Destroyed > 0 || result.Spared > 0) {
		s.reporter.SweepReport(result.Destroyed, result.Spared)
	}
	return result, nil
}

// Schedule registers the periodic sweep on c. The entry logs failures and
// never aborts the schedule.
func (s *Sweeper) Schedule(c *cron.Cron, interval time.Duration) error {
	spec := fmt.Sprintf("@every %s", interval)
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			log.Printf("sandbox: scheduled sweep: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("sandbox: schedule sweep: %w", err)
	}
	return nil
}

package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/zulandar/turntable/internal/models"
)

type recordingReporter struct {
	destroyed, spared int
	calls             int
}

func (r *recordingReporter) SweepReport(destroyed, spared int) {
	r.destroyed, r.spared = destroyed, spared
	r.calls++
}

func TestCleanup_AllStepsBestEffort(t *testing.T) {
	db := openSandboxTestDB(t)
	backend := newFakeBackend()
	m := newTestManager(t, db, backend)
	ctx := context.Background()

	sb, err := m.Provision(ctx, "alice", "conv-1", ProvisionOpts{})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}

	// Flush and backup both fail; the resource must still be destroyed
	// and the record deleted.
	backend.execErr = errors.New("exec broken")
	s := NewSweeper(db, backend, nil)
	if err := s.Cleanup(ctx, sb.ID); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	if backend.count() != 0 {
		t.Errorf("resources = %d, want 0", backend.count())
	}
	var count int64
	db.Model(&models.Sandbox{}).Count(&count)
	if count != 0 {
		t.Errorf("records = %d, want 0", count)
	}
}

func TestCleanup_MissingSandbox(t *testing.T) {
	db := openSandboxTestDB(t)
	s := NewSweeper(db, newFakeBackend(), nil)

	if err := s.Cleanup(context.Background(), "sbx_missing"); !errors.Is(err, ErrNoSandbox) {
		t.Errorf("err = %v, want ErrNoSandbox", err)
	}
}

func TestSweep_DestroysOrphanWithoutSiblings(t *testing.T) {
	db := openSandboxTestDB(t)
	backend := newFakeBackend()
	ctx := context.Background()

	// A resource with no persisted record and no sibling: orphaned.
	orphan, err := backend.Create(ctx, map[string]string{
		LabelSandbox:      "true",
		LabelConversation: "conv-orphan",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	reporter := &recordingReporter{}
	s := NewSweeper(db, backend, reporter)
	result, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Destroyed != 1 || result.Spared != 0 {
		t.Errorf("result = %+v, want 1 destroyed 0 spared", result)
	}
	if backend.count() != 0 {
		t.Errorf("orphan %s survived the sweep", orphan)
	}
	if reporter.calls != 1 || reporter.destroyed != 1 {
		t.Errorf("reporter = %+v, want one call with 1 destroyed", reporter)
	}
}

func TestSweep_SparesOrphanWithSibling(t *testing.T) {
	db := openSandboxTestDB(t)
	backend := newFakeBackend()
	m := newTestManager(t, db, backend)
	ctx := context.Background()

	// A healthy, record-backed sandbox for the conversation...
	if _, err := m.Provision(ctx, "alice", "conv-1", ProvisionOpts{}); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	// ...plus an unrecorded sibling, as a mid-creation race would leave.
	if _, err := backend.Create(ctx, map[string]string{
		LabelSandbox:      "true",
		LabelConversation: "conv-1",
	}); err != nil {
		t.Fatalf("create sibling: %v", err)
	}

	s := NewSweeper(db, backend, nil)
	result, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Destroyed != 0 || result.Spared != 1 {
		t.Errorf("result = %+v, want 0 destroyed 1 spared", result)
	}
	if backend.count() != 2 {
		t.Errorf("resources = %d, want 2 (sibling untouched)", backend.count())
	}
}

func TestSweep_IgnoresRecordedResources(t *testing.T) {
	db := openSandboxTestDB(t)
	backend := newFakeBackend()
	m := newTestManager(t, db, backend)
	ctx := context.Background()

	if _, err := m.Provision(ctx, "alice", "conv-1", ProvisionOpts{}); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	s := NewSweeper(db, backend, nil)
	result, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Destroyed != 0 || result.Spared != 0 {
		t.Errorf("result = %+v, want nothing touched", result)
	}
	if backend.count() != 1 {
		t.Errorf("resources = %d, want 1", backend.count())
	}
}

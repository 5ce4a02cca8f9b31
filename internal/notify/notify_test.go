package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/turntable/internal/config"
)

type fakeAdapter struct {
	mu     sync.Mutex
	sent   []Notification
	err    error
	closed bool
}

func (f *fakeAdapter) Send(ctx context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeAdapter) notifications() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Notification, len(f.sent))
	copy(out, f.sent)
	return out
}

func waitForNotifications(t *testing.T, a *fakeAdapter, want int) []Notification {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := a.notifications(); len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d notifications, have %d", want, len(a.notifications()))
	return nil
}

func TestNotifier_FansOutToAllAdapters(t *testing.T) {
	a1 := &fakeAdapter{}
	a2 := &fakeAdapter{}
	n := NewWithAdapters(a1, a2)

	n.QueueSaturated(100, 100)

	for _, a := range []*fakeAdapter{a1, a2} {
		got := waitForNotifications(t, a, 1)
		if got[0].Title != "Run queue saturated" {
			t.Errorf("title = %q", got[0].Title)
		}
		if len(got[0].Fields) != 2 || got[0].Fields[0].Value != "100" {
			t.Errorf("fields = %+v", got[0].Fields)
		}
	}
}

func TestNotifier_FailedAdapterDoesNotBlockOthers(t *testing.T) {
	broken := &fakeAdapter{err: errors.New("chat is down")}
	healthy := &fakeAdapter{}
	n := NewWithAdapters(broken, healthy)

	n.SweepReport(3, 1)

	got := waitForNotifications(t, healthy, 1)
	if got[0].Title != "Sandbox sweep" {
		t.Errorf("title = %q", got[0].Title)
	}
}

func TestNotifier_RunFailed(t *testing.T) {
	a := &fakeAdapter{}
	n := NewWithAdapters(a)

	n.RunFailed("run_ab12cd34", "alice", "tool crashed")

	got := waitForNotifications(t, a, 1)
	if got[0].Body != "tool crashed" {
		t.Errorf("body = %q", got[0].Body)
	}
	if got[0].Fields[0].Value != "run_ab12cd34" {
		t.Errorf("run field = %q", got[0].Fields[0].Value)
	}
}

func TestNotifier_CloseClosesAdapters(t *testing.T) {
	a := &fakeAdapter{}
	n := NewWithAdapters(a)
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !a.closed {
		t.Error("adapter not closed")
	}
}

func TestNew_SkipsUnconfiguredPlatforms(t *testing.T) {
	n, err := New(config.NotifyConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// No adapters: broadcasting must be a silent no-op.
	n.QueueSaturated(1, 1)
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNew_RejectsPartialSlackConfig(t *testing.T) {
	_, err := New(config.NotifyConfig{
		Slack: config.SlackConfig{BotToken: "xoxb-test"},
	})
	if err == nil {
		t.Fatal("want error for slack token without channel")
	}
}

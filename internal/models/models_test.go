package models

import (
	"testing"
	"time"
)

func TestRunTerminal(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{RunStatusQueued, false},
		{RunStatusRunning, false},
		{RunStatusCompleted, true},
		{RunStatusFailed, true},
		{RunStatusCancelled, true},
	}
	for _, tt := range tests {
		r := Run{Status: tt.status}
		if got := r.Terminal(); got != tt.want {
			t.Errorf("Terminal() with status %q = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestSandboxExpired(t *testing.T) {
	now := time.Now()
	s := Sandbox{ExpiresAt: now.Add(time.Minute)}
	if s.Expired(now) {
		t.Error("sandbox with future expiry reported expired")
	}
	if !s.Expired(now.Add(2 * time.Minute)) {
		t.Error("sandbox past expiry not reported expired")
	}
}

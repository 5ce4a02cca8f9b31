package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
)

type mockSlackClient struct {
	calls    []string // channel per call
	options  [][]slackapi.MsgOption
	failures int // fail this many calls with a rate limit error
	err      error
}

func (m *mockSlackClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.calls = append(m.calls, channelID)
	m.options = append(m.options, options)
	if m.err != nil {
		return "", "", m.err
	}
	if m.failures > 0 {
		m.failures--
		return "", "", &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	}
	return channelID, "123.456", nil
}

func TestSlackAdapter_Send(t *testing.T) {
	client := &mockSlackClient{}
	a, err := NewSlackAdapter(SlackOpts{Channel: "C123", Client: client})
	if err != nil {
		t.Fatalf("NewSlackAdapter: %v", err)
	}

	err = a.Send(context.Background(), Notification{
		Title: "Run queue saturated",
		Color: "#d00000",
		Fields: []Field{
			{Name: "Depth", Value: "100", Short: true},
		},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(client.calls) != 1 || client.calls[0] != "C123" {
		t.Errorf("calls = %v, want one to C123", client.calls)
	}
}

func TestSlackAdapter_RetriesRateLimit(t *testing.T) {
	client := &mockSlackClient{failures: 2}
	a, err := NewSlackAdapter(SlackOpts{Channel: "C123", Client: client})
	if err != nil {
		t.Fatalf("NewSlackAdapter: %v", err)
	}

	if err := a.Send(context.Background(), Notification{Title: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(client.calls) != 3 {
		t.Errorf("calls = %d, want 3 (two rate limits then success)", len(client.calls))
	}
}

func TestSlackAdapter_GivesUpAfterMaxRetries(t *testing.T) {
	client := &mockSlackClient{failures: 10}
	a, err := NewSlackAdapter(SlackOpts{Channel: "C123", Client: client})
	if err != nil {
		t.Fatalf("NewSlackAdapter: %v", err)
	}

	err = a.Send(context.Background(), Notification{Title: "x"})
	var rle *slackapi.RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	if len(client.calls) != maxRetries+1 {
		t.Errorf("calls = %d, want %d", len(client.calls), maxRetries+1)
	}
}

func TestSlackAdapter_NonRateLimitErrorNotRetried(t *testing.T) {
	client := &mockSlackClient{err: errors.New("channel_not_found")}
	a, err := NewSlackAdapter(SlackOpts{Channel: "C123", Client: client})
	if err != nil {
		t.Fatalf("NewSlackAdapter: %v", err)
	}

	if err := a.Send(context.Background(), Notification{Title: "x"}); err == nil {
		t.Fatal("want error")
	}
	if len(client.calls) != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", len(client.calls))
	}
}

func TestNewSlackAdapter_Validation(t *testing.T) {
	if _, err := NewSlackAdapter(SlackOpts{Channel: "C123"}); err == nil {
		t.Error("want error for missing token")
	}
	if _, err := NewSlackAdapter(SlackOpts{BotToken: "xoxb-test"}); err == nil {
		t.Error("want error for missing channel")
	}
}

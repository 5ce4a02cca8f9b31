package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackAdapter posts notifications to a Slack channel over the Web API.
type SlackAdapter struct {
	client  slackClient
	channel string
}

// SlackOpts holds parameters for creating a SlackAdapter.
type SlackOpts struct {
	BotToken string // xoxb-... Slack bot token
	Channel  string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// NewSlackAdapter creates a SlackAdapter.
func NewSlackAdapter(opts SlackOpts) (*SlackAdapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Channel == "" {
		return nil, fmt.Errorf("slack: channel is required")
	}

	a := &SlackAdapter{channel: opts.Channel}
	if opts.Client != nil {
		a.client = opts.Client
	} else {
		a.client = slackapi.New(opts.BotToken)
	}
	return a, nil
}

// Send posts the notification as a Block Kit attachment.
func (a *SlackAdapter) Send(ctx context.Context, n Notification) error {
	att := slackapi.Attachment{
		Title:    n.Title,
		Text:     n.Body,
		Color:    n.Color,
		Fallback: n.Title,
	}
	for _, f := range n.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}

	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := a.client.PostMessage(a.channel, slackapi.MsgOptionAttachments(att))
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// Close is a no-op; the Web API client holds no connection.
func (a *SlackAdapter) Close() error { return nil }

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit
// errors. It respects context cancellation and the RetryAfter duration from
// Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err // not a rate limit error, don't retry
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

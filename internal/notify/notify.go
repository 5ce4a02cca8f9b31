// Package notify pushes operational alerts to chat. Delivery is best-effort:
// a notification that cannot be sent is logged and dropped, never allowed to
// block or fail the operation that raised it.
package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/turntable/internal/config"
)

// Field is one name/value pair attached to a notification.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Notification is one formatted alert.
type Notification struct {
	Title  string
	Body   string
	Color  string // hex, e.g. "#d00000"
	Fields []Field
}

// Adapter delivers notifications to one chat platform.
type Adapter interface {
	Send(ctx context.Context, n Notification) error
	Close() error
}

// sendTimeout bounds one delivery attempt so a wedged chat API cannot pile
// up goroutines.
const sendTimeout = 10 * time.Second

// Notifier fans notifications out to every configured adapter. It satisfies
// the alerting hooks of the admission controller and the sandbox sweeper.
type Notifier struct {
	adapters []Adapter
}

// New builds a Notifier from config. Platforms without credentials are
// skipped; a Notifier with no adapters is valid and silently discards.
func New(cfg config.NotifyConfig) (*Notifier, error) {
	n := &Notifier{}
	if cfg.Slack.BotToken != "" {
		a, err := NewSlackAdapter(SlackOpts{
			BotToken: cfg.Slack.BotToken,
			Channel:  cfg.Slack.Channel,
		})
		if err != nil {
			return nil, fmt.Errorf("notify: slack: %w", err)
		}
		n.adapters = append(n.adapters, a)
	}
	if cfg.Discord.BotToken != "" {
		a, err := NewDiscordAdapter(DiscordOpts{
			BotToken: cfg.Discord.BotToken,
			Channel:  cfg.Discord.Channel,
		})
		if err != nil {
			return nil, fmt.Errorf("notify: discord: %w", err)
		}
		n.adapters = append(n.adapters, a)
	}
	return n, nil
}

// NewWithAdapters builds a Notifier over explicit adapters. Used by tests.
func NewWithAdapters(adapters ...Adapter) *Notifier {
	return &Notifier{adapters: adapters}
}

// QueueSaturated reports that admission control started rejecting work.
func (n *Notifier) QueueSaturated(depth, capacity int) {
	n.broadcast(Notification{
		Title: "Run queue saturated",
		Body:  "Admission control is rejecting new runs.",
		Color: "#d00000",
		Fields: []Field{
			{Name: "Depth", Value: fmt.Sprintf("%d", depth), Short: true},
			{Name: "Capacity", Value: fmt.Sprintf("%d", capacity), Short: true},
		},
	})
}

// SweepReport summarizes a sandbox sweep that touched something.
func (n *Notifier) SweepReport(destroyed, spared int) {
	n.broadcast(Notification{
		Title: "Sandbox sweep",
		Color: "#36a64f",
		Fields: []Field{
			{Name: "Destroyed", Value: fmt.Sprintf("%d", destroyed), Short: true},
			{Name: "Spared", Value: fmt.Sprintf("%d", spared), Short: true},
		},
	})
}

// RunFailed reports a run that ended in failure.
func (n *Notifier) RunFailed(runID, userID, reason string) {
	n.broadcast(Notification{
		Title: "Run failed",
		Body:  reason,
		Color: "#d00000",
		Fields: []Field{
			{Name: "Run", Value: runID, Short: true},
			{Name: "User", Value: userID, Short: true},
		},
	})
}

// Close shuts every adapter down.
func (n *Notifier) Close() error {
	var firstErr error
	for _, a := range n.adapters {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (n *Notifier) broadcast(notification Notification) {
	for _, a := range n.adapters {
		go func(a Adapter) {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := a.Send(ctx, notification); err != nil {
				log.Printf("notify: %s: %v", notification.Title, err)
			}
		}(a)
	}
}

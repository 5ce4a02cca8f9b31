package notify

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	// discordBaseBackoff is the initial backoff for rate-limited calls.
	discordBaseBackoff = 2 * time.Second
	// discordMaxBackoff caps the exponential backoff.
	discordMaxBackoff = 2 * time.Minute
)

// discordSession abstracts the discordgo.Session methods we use, enabling
// test mocks.
type discordSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	Close() error
}

// DiscordAdapter posts notifications to a Discord channel as embeds.
type DiscordAdapter struct {
	sess    discordSession
	channel string
}

// DiscordOpts holds parameters for creating a DiscordAdapter.
type DiscordOpts struct {
	BotToken string
	Channel  string
	// For testing: inject a mock session instead of the real Discord API.
	Session discordSession
}

// NewDiscordAdapter creates a DiscordAdapter. The REST API alone suffices
// for outbound embeds, so no gateway connection is opened.
func NewDiscordAdapter(opts DiscordOpts) (*DiscordAdapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.Channel == "" {
		return nil, fmt.Errorf("discord: channel is required")
	}

	a := &DiscordAdapter{channel: opts.Channel}
	if opts.Session != nil {
		a.sess = opts.Session
	} else {
		dg, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		a.sess = dg
	}
	return a, nil
}

// Send posts the notification as an embed.
func (a *DiscordAdapter) Send(ctx context.Context, n Notification) error {
	embed := &discordgo.MessageEmbed{
		Title:       n.Title,
		Description: n.Body,
	}
	if n.Color != "" {
		embed.Color = parseHexColor(n.Color)
	}
	for _, f := range n.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Short,
		})
	}

	err := a.retryOnRateLimit(ctx, func() error {
		_, sendErr := a.sess.ChannelMessageSendEmbed(a.channel, embed)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send embed: %w", err)
	}
	return nil
}

// Close shuts the session down.
func (a *DiscordAdapter) Close() error {
	return a.sess.Close()
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *DiscordAdapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err // not a rate limit error
		}

		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * discordBaseBackoff
		if wait > discordMaxBackoff {
			wait = discordMaxBackoff
		}

		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// parseHexColor converts a hex color string (e.g. "#36a64f") to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}

// Package slack implements the relay Announcer for Slack using the Web API.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/converge/internal/relay"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Announcer implements relay.Announcer for Slack.
type Announcer struct {
	client    slackClient
	botToken  string
	channelID string
	botUserID string
	mu        sync.Mutex
	connected bool
	closed    bool
}

// AnnouncerOpts holds parameters for creating a Slack Announcer.
type AnnouncerOpts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string // channel to post to
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// New creates a Slack Announcer.
func New(opts AnnouncerOpts) (*Announcer, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel id is required")
	}
	return &Announcer{
		client:    opts.Client,
		botToken:  opts.BotToken,
		channelID: opts.ChannelID,
	}, nil
}

// Connect verifies the bot token.
func (a *Announcer) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: announcer already closed")
	}
	if a.connected {
		return nil
	}
	if a.client == nil {
		a.client = slackapi.New(a.botToken)
	}
	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	a.connected = true
	return nil
}

// Announce posts ann to the configured channel.
func (a *Announcer) Announce(ctx context.Context, ann relay.Announcement) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("slack: not connected")
	}
	a.mu.Unlock()

	options := buildMessageOptions(ann)
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := a.client.PostMessage(a.channelID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// Close marks the announcer closed. The Web API holds no connection.
func (a *Announcer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.connected = false
	return nil
}

// BotUserID returns the bot's Slack user ID, known after Connect.
func (a *Announcer) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// buildMessageOptions converts an Announcement to Slack message options.
func buildMessageOptions(ann relay.Announcement) []slackapi.MsgOption {
	var options []slackapi.MsgOption
	if len(ann.Cards) > 0 {
		var attachments []slackapi.Attachment
		for _, c := range ann.Cards {
			attachments = append(attachments, cardToAttachment(c))
		}
		options = append(options, slackapi.MsgOptionAttachments(attachments...))
	}
	// Text doubles as the notification fallback.
	options = append(options, slackapi.MsgOptionText(ann.Text, false))
	return options
}

// cardToAttachment converts a Card to a Slack Attachment.
func cardToAttachment(c relay.Card) slackapi.Attachment {
	att := slackapi.Attachment{
		Title:    c.Title,
		Text:     c.Body,
		Color:    c.Color,
		Fallback: c.Title,
		ThumbURL: c.ImageURL,
	}
	for _, f := range c.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}
	return att
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
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

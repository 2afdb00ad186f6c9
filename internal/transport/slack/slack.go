// Package slack implements the transport Adapter for Slack via the Web API.
package slack

import (
	"context"
	"fmt"
	"sync"

	"github.com/slack-go/slack"
	"github.com/zulandar/courier/internal/transport"
)

// api abstracts the slack.Client methods we use, enabling test mocks.
type api interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Adapter implements transport.Adapter for Slack.
type Adapter struct {
	client api

	mu        sync.Mutex
	connected bool
	closed    bool
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	Token string
	// For testing: inject a mock client instead of the real Slack API.
	Client api
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.Token == "" {
		return nil, fmt.Errorf("slack: token is required")
	}
	a := &Adapter{}
	if opts.Client != nil {
		a.client = opts.Client
	} else {
		a.client = slack.New(opts.Token)
	}
	return a, nil
}

// Connect verifies credentials with an auth test. Slack's Web API is
// connectionless, so this is the whole handshake.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter is closed")
	}
	if a.connected {
		return nil
	}
	if _, err := a.client.AuthTestContext(ctx); err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.connected = true
	return nil
}

// Send posts a message, attaching PhotoURL when present. The returned
// reference is the message timestamp, Slack's message identity.
func (a *Adapter) Send(ctx context.Context, msg transport.Message) (string, error) {
	a.mu.Lock()
	client := a.client
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return "", fmt.Errorf("slack: not connected")
	}

	opts := []slack.MsgOption{}
	if msg.PhotoURL != "" {
		opts = append(opts, slack.MsgOptionAttachments(slack.Attachment{
			ImageURL: msg.PhotoURL,
			Text:     msg.Caption,
		}))
		if msg.Caption != "" {
			opts = append(opts, slack.MsgOptionText(msg.Caption, false))
		}
	} else {
		opts = append(opts, slack.MsgOptionText(msg.Text, false))
	}

	_, ts, err := client.PostMessageContext(ctx, msg.ChannelID, opts...)
	if err != nil {
		return "", classify(msg.ChannelID, err)
	}
	return ts, nil
}

// Typing is a documented no-op: the Slack Web API has no typing
// indicator for bot tokens.
func (a *Adapter) Typing(ctx context.Context, channelID string) error {
	return nil
}

// Close marks the adapter closed.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.connected = false
	return nil
}

// classify maps Slack API errors onto the transport taxonomy. Slack
// reports most failures as bare error strings; rate limiting arrives as
// *slack.RateLimitedError and stays transient.
func classify(channelID string, err error) error {
	switch err.Error() {
	case "channel_not_found", "is_archived", "account_inactive", "user_not_found", "not_in_channel":
		return fmt.Errorf("%w: channel %s: %v", transport.ErrRecipientGone, channelID, err)
	}
	return fmt.Errorf("slack: send to %s: %w", channelID, err)
}

// Package transport abstracts the chat platforms Courier delivers to
// (Discord, Slack, etc.). Each adapter handles connection management,
// message delivery, and the transient "working" indicator for a single
// platform.
package transport

import (
	"context"
	"errors"
)

// ErrRecipientGone marks a permanent rejection: the recipient can never
// be reached on this channel again and must be excluded from future
// audiences. Adapters wrap it around the platform error; every other
// send error is transient and eligible for retry.
var ErrRecipientGone = errors.New("transport: recipient unreachable")

// Message is one outbound delivery. PhotoURL, when set, is attached
// with Caption; Text is the plain body.
type Message struct {
	ChannelID string
	Text      string
	PhotoURL  string
	Caption   string
}

// Adapter is the interface platform implementations satisfy.
type Adapter interface {
	// Connect establishes the platform connection.
	Connect(ctx context.Context) error

	// Send delivers msg and returns the platform's message reference.
	// Permanent rejections wrap ErrRecipientGone.
	Send(ctx context.Context, msg Message) (string, error)

	// Typing emits a transient "working" indicator for the channel.
	// Platforms without a typing affordance return nil.
	Typing(ctx context.Context, channelID string) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

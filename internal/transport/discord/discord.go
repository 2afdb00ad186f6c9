// Package discord implements the transport Adapter for Discord.
package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/courier/internal/transport"
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelTyping(channelID, options...)
}

// Adapter implements transport.Adapter for Discord.
type Adapter struct {
	sess     session
	botToken string

	mu        sync.Mutex
	connected bool
	closed    bool
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	a := &Adapter{botToken: opts.BotToken}
	if opts.Session != nil {
		a.sess = opts.Session
	}
	return a, nil
}

// Connect opens the Discord session.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter is closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		s, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		a.sess = &realSession{s: s}
	}
	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true
	return nil
}

// Send delivers a message, attaching PhotoURL as an embed when present.
// The returned reference is the platform message ID.
func (a *Adapter) Send(ctx context.Context, msg transport.Message) (string, error) {
	a.mu.Lock()
	sess := a.sess
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return "", fmt.Errorf("discord: not connected")
	}

	var sent *discordgo.Message
	var err error
	if msg.PhotoURL != "" {
		data := &discordgo.MessageSend{
			Content: msg.Caption,
			Embeds: []*discordgo.MessageEmbed{{
				Image: &discordgo.MessageEmbedImage{URL: msg.PhotoURL},
			}},
		}
		sent, err = sess.ChannelMessageSendComplex(msg.ChannelID, data)
	} else {
		sent, err = sess.ChannelMessageSend(msg.ChannelID, msg.Text)
	}
	if err != nil {
		return "", classify(msg.ChannelID, err)
	}
	return sent.ID, nil
}

// Typing emits the typing indicator for the channel. Discord expires it
// after roughly ten seconds, so callers re-emit on an interval.
func (a *Adapter) Typing(ctx context.Context, channelID string) error {
	a.mu.Lock()
	sess := a.sess
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return fmt.Errorf("discord: not connected")
	}
	if err := sess.ChannelTyping(channelID); err != nil {
		return fmt.Errorf("discord: typing %s: %w", channelID, err)
	}
	return nil
}

// Close shuts the session down.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.sess != nil {
		if err := a.sess.Close(); err != nil {
			return fmt.Errorf("discord: close: %w", err)
		}
	}
	return nil
}

// classify maps Discord API errors onto the transport taxonomy:
// unreachable recipients become permanent rejections, everything else
// stays transient.
func classify(channelID string, err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownChannel,
			discordgo.ErrCodeMissingAccess,
			discordgo.ErrCodeCannotSendMessagesToThisUser:
			return fmt.Errorf("%w: channel %s: %v", transport.ErrRecipientGone, channelID, err)
		}
	}
	return fmt.Errorf("discord: send to %s: %w", channelID, err)
}

// Package ingress admits inbound messages: rate-limit check first, then
// handoff to the conversation batching protocol.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/courier/internal/config"
	"github.com/zulandar/courier/internal/convo"
	"github.com/zulandar/courier/internal/ratelimit"
	"gorm.io/gorm"
)

// ActionInbound is the limiter action kind for inbound chat messages.
const ActionInbound = "inbound_message"

// ErrAdmissionDenied marks a message rejected by the rate limiter.
// Denied messages are dropped before any durable state is touched.
var ErrAdmissionDenied = errors.New("ingress: admission denied")

// Pipeline is the inbound path for one platform connection.
type Pipeline struct {
	DB      *gorm.DB
	Limiter *ratelimit.Limiter
	Limits  config.LimiterConfig
	Ceiling time.Duration // stale-lock ceiling for the batching claim
	Process convo.ProcessFunc
}

// Inbound describes one received message.
type Inbound struct {
	SubjectID string
	ChannelID string
	Platform  string
	Text      string
}

// Handle admits one inbound message. It returns (true, nil) when this
// call ran the processing turn, (false, nil) when the message was queued
// behind a holder already processing, and ErrAdmissionDenied when the
// limiter rejects the sender.
func (p *Pipeline) Handle(ctx context.Context, msg Inbound) (bool, error) {
	if msg.SubjectID == "" || msg.ChannelID == "" {
		return false, fmt.Errorf("ingress: subject and channel are required")
	}

	if p.Limiter != nil {
		limit, ok := p.Limits.Actions[ActionInbound]
		if ok && limit.MaxRequests > 0 {
			window := time.Duration(limit.WindowSeconds) * time.Second
			allowed, n, err := p.Limiter.Check(ctx, msg.SubjectID, ActionInbound, limit.MaxRequests, window)
			if err != nil {
				log.Printf("ingress: limiter check for %s: %v", msg.SubjectID, err)
			}
			if !allowed {
				return false, fmt.Errorf("%w: %s at %d/%d in window", ErrAdmissionDenied, msg.SubjectID, n, limit.MaxRequests)
			}
		}
	}

	conversation, err := convo.Ensure(p.DB, msg.SubjectID, msg.ChannelID, msg.Platform)
	if err != nil {
		return false, err
	}
	return convo.HandleInbound(ctx, p.DB, conversation.ID, msg.Text, p.Ceiling, p.Process)
}

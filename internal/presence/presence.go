// Package presence emits periodic "working" indicators to chat
// destinations while long work (a conversation run, an image job) is in
// flight, and guarantees emission stops once the work completes.
package presence

import (
	"context"
	"log"
	"sync"
	"time"
)

// DefaultInterval keeps emissions under the platforms' own presence
// expiry window (typing indicators fade after roughly 10 seconds).
const DefaultInterval = 4500 * time.Millisecond

// Typer emits one transient "working" indicator to a destination.
type Typer interface {
	Typing(ctx context.Context, channelID string) error
}

// manager is one destination's background emitter.
type manager struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns the active manager per destination. It is passed by
// injection to whatever starts or finishes long work, so a completion
// event (for example a webhook callback) can cancel a manager started
// by an unrelated task.
type Registry struct {
	typer    Typer
	interval time.Duration

	mu     sync.Mutex
	active map[string]*manager
}

// NewRegistry creates a Registry emitting through typer every interval.
func NewRegistry(typer Typer, interval time.Duration) *Registry {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Registry{
		typer:    typer,
		interval: interval,
		active:   make(map[string]*manager),
	}
}

// Start begins emitting for the destination. A destination has exactly
// one owner: starting again stops the previous manager first.
func (r *Registry) Start(channelID string) {
	r.mu.Lock()
	if old, ok := r.active[channelID]; ok {
		delete(r.active, channelID)
		r.mu.Unlock()
		old.stop()
		r.mu.Lock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &manager{cancel: cancel, done: make(chan struct{})}
	r.active[channelID] = m
	r.mu.Unlock()

	go r.emit(ctx, channelID, m)
}

// emit sends one indicator immediately, then repeats on the interval
// until cancelled.
func (r *Registry) emit(ctx context.Context, channelID string, m *manager) {
	defer close(m.done)

	if err := r.typer.Typing(ctx, channelID); err != nil && ctx.Err() == nil {
		log.Printf("presence: typing %s: %v", channelID, err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.typer.Typing(ctx, channelID); err != nil && ctx.Err() == nil {
				log.Printf("presence: typing %s: %v", channelID, err)
			}
		}
	}
}

// Stop cancels the destination's manager and waits for its goroutine to
// exit: no further indicator is emitted after Stop returns. Stopping a
// destination with no active manager is a no-op.
func (r *Registry) Stop(channelID string) {
	r.mu.Lock()
	m, ok := r.active[channelID]
	if ok {
		delete(r.active, channelID)
	}
	r.mu.Unlock()

	if ok {
		m.stop()
	}
}

// StopAll stops every active manager, awaiting each.
func (r *Registry) StopAll() {
	r.mu.Lock()
	managers := make([]*manager, 0, len(r.active))
	for k, m := range r.active {
		managers = append(managers, m)
		delete(r.active, k)
	}
	r.mu.Unlock()

	for _, m := range managers {
		m.stop()
	}
}

// Active reports whether the destination currently has a manager.
func (r *Registry) Active(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[channelID]
	return ok
}

func (m *manager) stop() {
	m.cancel()
	<-m.done
}

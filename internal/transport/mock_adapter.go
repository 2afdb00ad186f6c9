package transport

import (
	"context"
	"fmt"
	"sync"
)

// MockAdapter implements Adapter for testing. It records sent messages
// and typing emissions, and lets tests script per-channel failures.
type MockAdapter struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	sent      []Message
	typing    map[string]int
	failWith  map[string]error // channelID -> error returned by Send
	nextRef   int
}

// NewMockAdapter creates a connected-on-demand mock.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		typing:   map[string]int{},
		failWith: map[string]error{},
	}
}

// Connect marks the adapter as connected.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	m.connected = true
	return nil
}

// Send records the message, or returns the scripted error for the
// channel.
func (m *MockAdapter) Send(ctx context.Context, msg Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failWith[msg.ChannelID]; ok && err != nil {
		return "", err
	}
	m.sent = append(m.sent, msg)
	m.nextRef++
	return fmt.Sprintf("mock-%d", m.nextRef), nil
}

// Typing counts the emission.
func (m *MockAdapter) Typing(ctx context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing[channelID]++
	return nil
}

// Close marks the adapter closed.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.connected = false
	return nil
}

// FailChannel scripts Send to fail for the channel. Passing nil clears
// the failure.
func (m *MockAdapter) FailChannel(channelID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failWith, channelID)
		return
	}
	m.failWith[channelID] = err
}

// Sent returns a copy of the recorded messages.
func (m *MockAdapter) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}

// TypingCount returns how many indicators were emitted for the channel.
func (m *MockAdapter) TypingCount(channelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typing[channelID]
}

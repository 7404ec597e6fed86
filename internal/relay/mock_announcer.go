package relay

import (
	"context"
	"fmt"
	"sync"
)

// MockAnnouncer implements Announcer for testing. It records every
// announcement it receives.
type MockAnnouncer struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	announced []Announcement

	// Err, when set, is returned by Announce instead of recording.
	Err error
}

// NewMockAnnouncer creates a MockAnnouncer.
func NewMockAnnouncer() *MockAnnouncer {
	return &MockAnnouncer{}
}

// Connect marks the announcer as connected.
func (m *MockAnnouncer) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock announcer: already closed")
	}
	m.connected = true
	return nil
}

// Announce records a.
func (m *MockAnnouncer) Announce(ctx context.Context, a Announcement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock announcer: not connected")
	}
	if m.Err != nil {
		return m.Err
	}
	m.announced = append(m.announced, a)
	return nil
}

// Close marks the announcer as closed.
func (m *MockAnnouncer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.connected = false
	return nil
}

// Announced returns a copy of the recorded announcements.
func (m *MockAnnouncer) Announced() []Announcement {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Announcement, len(m.announced))
	copy(out, m.announced)
	return out
}

// Closed reports whether Close was called.
func (m *MockAnnouncer) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

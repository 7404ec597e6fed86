package broadcast

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/zulandar/converge/internal/syncerr"
)

// DefaultBuffer is the per-subscriber queue depth when none is configured.
const DefaultBuffer = 256

// ErrHubClosed is returned by Subscribe and Publish after Close.
var ErrHubClosed = errors.New("broadcast: hub closed")

// Publisher accepts committed events for fan-out.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Hub is an in-process fan-out of session events.
type Hub struct {
	buffer int

	mu       sync.RWMutex
	nextID   uint64
	sessions map[string]map[uint64]*Subscription
	all      map[uint64]*Subscription
	closed   bool
}

// NewHub returns a hub whose subscribers queue up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		buffer:   buffer,
		sessions: make(map[string]map[uint64]*Subscription),
		all:      make(map[uint64]*Subscription),
	}
}

// Subscribe registers a subscriber for one session's events.
func (h *Hub) Subscribe(sessionID string) (*Subscription, error) {
	if err := syncerr.CheckID("session", sessionID); err != nil {
		return nil, err
	}
	return h.add(sessionID)
}

// SubscribeAll registers a subscriber for every session's events.
func (h *Hub) SubscribeAll() (*Subscription, error) {
	return h.add("")
}

func (h *Hub) add(sessionID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}

	h.nextID++
	sub := &Subscription{
		id:      h.nextID,
		session: sessionID,
		hub:     h,
		ch:      make(chan Event, h.buffer),
	}
	if sessionID == "" {
		h.all[sub.id] = sub
		return sub, nil
	}
	subs, ok := h.sessions[sessionID]
	if !ok {
		subs = make(map[uint64]*Subscription)
		h.sessions[sessionID] = subs
	}
	subs[sub.id] = sub
	return sub, nil
}

// Publish delivers evt to the session's subscribers and to every
// all-sessions subscriber. It never blocks on a subscriber.
func (h *Hub) Publish(_ context.Context, evt Event) error {
	var dropped []*Subscription

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrHubClosed
	}
	for _, sub := range h.sessions[evt.SessionID] {
		if !sub.send(evt) {
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range h.all {
		if !sub.send(evt) {
			dropped = append(dropped, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range dropped {
		log.Printf("broadcast: subscriber %d (session %q) fell behind, dropped", sub.id, sub.session)
		h.remove(sub)
	}
	return nil
}

// SubscriberCount returns the number of open subscribers for a session.
// An empty sessionID counts the all-sessions subscribers.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if sessionID == "" {
		return len(h.all)
	}
	return len(h.sessions[sessionID])
}

// DropAll ends every open subscription with err and returns how many it
// ended. The hub stays open for new subscribers.
func (h *Hub) DropAll(err error) int {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0
	}
	subs := h.detach()
	h.mu.Unlock()

	n := 0
	for _, sub := range subs {
		if sub.finish(err) {
			n++
		}
	}
	return n
}

// Close ends every subscription with ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.detach()
	h.mu.Unlock()

	for _, sub := range subs {
		sub.finish(ErrHubClosed)
	}
}

// detach empties the subscriber maps. Callers hold h.mu.
func (h *Hub) detach() []*Subscription {
	var subs []*Subscription
	for _, m := range h.sessions {
		for _, sub := range m {
			subs = append(subs, sub)
		}
	}
	for _, sub := range h.all {
		subs = append(subs, sub)
	}
	h.sessions = make(map[string]map[uint64]*Subscription)
	h.all = make(map[uint64]*Subscription)
	return subs
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.session == "" {
		delete(h.all, sub.id)
		return
	}
	subs := h.sessions[sub.session]
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(h.sessions, sub.session)
	}
}

// Subscription is one subscriber's event queue. C is closed when the
// subscription ends; Err then reports why (nil after Close).
type Subscription struct {
	id      uint64
	session string
	hub     *Hub
	ch      chan Event

	mu     sync.Mutex
	closed bool
	err    error
}

// C returns the event channel.
func (s *Subscription) C() <-chan Event { return s.ch }

// Err returns the reason the subscription ended, if it did.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes. Other subscribers are unaffected.
func (s *Subscription) Close() {
	if s.finish(nil) {
		s.hub.remove(s)
	}
}

// send queues evt, closing the subscription with ErrSubscriptionDropped
// when the queue is full. It reports false only when it dropped.
func (s *Subscription) send(evt Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- evt:
		return true
	default:
		s.closed = true
		s.err = syncerr.ErrSubscriptionDropped
		close(s.ch)
		return false
	}
}

// finish closes the channel once. It reports whether this call closed it.
func (s *Subscription) finish(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.err = err
	close(s.ch)
	return true
}

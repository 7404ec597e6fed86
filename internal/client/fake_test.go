package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/converge/internal/broadcast"
	"github.com/zulandar/converge/internal/models"
	"github.com/zulandar/converge/internal/session"
)

// fakeRemote is a scripted Remote.
type fakeRemote struct {
	mu        sync.Mutex
	cast      func(optionID string) (string, error)
	gate      chan struct{}
	appendFn  func(d Draft) (*models.Message, error)
	snap      *session.Snapshot
	snapErr   error
	snapCalls int
	streams   chan *fakeStream
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		snap:    &session.Snapshot{SessionID: "s1"},
		streams: make(chan *fakeStream, 4),
	}
}

func (f *fakeRemote) CastVote(ctx context.Context, sessionID, optionID, participantID string) (string, error) {
	f.mu.Lock()
	gate, cast := f.gate, f.cast
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if cast == nil {
		return models.VoteAdded, nil
	}
	return cast(optionID)
}

func (f *fakeRemote) AppendMessage(_ context.Context, _ string, d Draft) (*models.Message, error) {
	if f.appendFn == nil {
		return nil, errors.New("append not scripted")
	}
	return f.appendFn(d)
}

func (f *fakeRemote) Snapshot(context.Context, string) (*session.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapCalls++
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	cp := *f.snap
	return &cp, nil
}

func (f *fakeRemote) Subscribe(ctx context.Context, _ string) (Stream, error) {
	select {
	case s := <-f.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeRemote) setSnapshot(s *session.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = s
}

func (f *fakeRemote) snapshots() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapCalls
}

// fakeStream is a Stream driven by the test.
type fakeStream struct {
	ch     chan broadcast.Event
	mu     sync.Mutex
	err    error
	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan broadcast.Event, 16)}
}

func (s *fakeStream) Events() <-chan broadcast.Event { return s.ch }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() error {
	s.end(nil)
	return nil
}

func (s *fakeStream) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

func newTestReconciler(t *testing.T, remote Remote, participant string) *Reconciler {
	t.Helper()
	r, err := NewReconciler(ReconcilerOpts{
		Remote:        remote,
		SessionID:     "s1",
		ParticipantID: participant,
		MinBackoff:    10 * time.Millisecond,
		MaxBackoff:    50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	return r
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func voteEvt(id uint, option, participant string, added bool) broadcast.Event {
	action := models.VoteRemoved
	if added {
		action = models.VoteAdded
	}
	return broadcast.FromVote(models.VoteEvent{ID: id, SessionID: "s1", OptionID: option, ParticipantID: participant, Action: action})
}

func msgEvt(id uint, uid, content string) broadcast.Event {
	c := content
	return broadcast.FromMessage(&models.Message{ID: id, UID: uid, SessionID: "s1", Role: models.RoleSystem, Content: &c})
}

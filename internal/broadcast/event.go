// Package broadcast fans committed session mutations out to subscribers.
//
// A Hub keeps one bounded queue per subscriber. Publishing never blocks on
// a slow reader: a subscriber whose queue is full is closed with
// syncerr.ErrSubscriptionDropped and must resync from the stores. Events are
// never discarded while the subscriber stays open.
package broadcast

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/converge/internal/models"
)

// Kind tags a broadcast event.
type Kind string

const (
	KindVoteAdded       Kind = "vote.added"
	KindVoteRemoved     Kind = "vote.removed"
	KindMessageAppended Kind = "message.appended"
)

// Event is one committed mutation of a session.
type Event struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	SessionID     string          `json:"session"`
	OptionID      string          `json:"option,omitempty"`
	ParticipantID string          `json:"participant,omitempty"`
	Message       *models.Message `json:"message,omitempty"`
	Origin        string          `json:"origin,omitempty"`
	CommittedAt   time.Time       `json:"committed_at"`
}

// IsVote reports whether the event carries a vote toggle.
func (e Event) IsVote() bool {
	return e.Kind == KindVoteAdded || e.Kind == KindVoteRemoved
}

// VoteEventID returns the ledger event ID behind a vote event.
func (e Event) VoteEventID() (uint, bool) {
	if !e.IsVote() {
		return 0, false
	}
	raw, ok := strings.CutPrefix(e.ID, "vote:")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint(n), true
}

// FromVote builds the event for an applied toggle.
func FromVote(ev models.VoteEvent) Event {
	kind := KindVoteAdded
	if ev.Action == models.VoteRemoved {
		kind = KindVoteRemoved
	}
	return Event{
		ID:            fmt.Sprintf("vote:%d", ev.ID),
		Kind:          kind,
		SessionID:     ev.SessionID,
		OptionID:      ev.OptionID,
		ParticipantID: ev.ParticipantID,
		CommittedAt:   ev.CreatedAt,
	}
}

// FromMessage builds the event for an appended message.
func FromMessage(m *models.Message) Event {
	evt := Event{
		ID:          fmt.Sprintf("message:%d", m.ID),
		Kind:        KindMessageAppended,
		SessionID:   m.SessionID,
		Message:     m,
		CommittedAt: m.CreatedAt,
	}
	if m.SenderID != nil {
		evt.ParticipantID = *m.SenderID
	}
	return evt
}

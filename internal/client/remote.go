// Package client keeps one participant's optimistic view of a session and
// reconciles it with the server's committed state.
package client

import (
	"context"

	"github.com/zulandar/converge/internal/broadcast"
	"github.com/zulandar/converge/internal/models"
	"github.com/zulandar/converge/internal/session"
)

// Draft is a message the participant is sending. UID is the idempotency
// key; resending the same draft never creates a second message.
type Draft struct {
	UID      string
	SenderID string
	Content  string
}

// Remote is the server as the reconciler sees it.
type Remote interface {
	// CastVote toggles a vote and returns models.VoteAdded or models.VoteRemoved.
	CastVote(ctx context.Context, sessionID, optionID, participantID string) (string, error)
	AppendMessage(ctx context.Context, sessionID string, d Draft) (*models.Message, error)
	Snapshot(ctx context.Context, sessionID string) (*session.Snapshot, error)
	// Subscribe returns once the stream is live: every event committed after
	// it returns is delivered.
	Subscribe(ctx context.Context, sessionID string) (Stream, error)
}

// Stream is a live event feed. Events is closed when the stream ends; Err
// then says why.
type Stream interface {
	Events() <-chan broadcast.Event
	Err() error
	Close() error
}

package session

import (
	"context"

	"github.com/zulandar/converge/internal/ledger"
	"github.com/zulandar/converge/internal/messaging"
	"github.com/zulandar/converge/internal/models"
	"github.com/zulandar/converge/internal/tally"
)

// VoteRef is one vote in a snapshot.
type VoteRef struct {
	OptionID      string `json:"option"`
	ParticipantID string `json:"participant"`
}

// Snapshot is the full state a client rebuilds from after (re)connecting.
// Marks holds the newest vote event per (option, participant) pair; a vote
// event at or below its pair's mark is already reflected in Votes.
type Snapshot struct {
	SessionID   string           `json:"session"`
	Votes       []VoteRef        `json:"votes"`
	Marks       []ledger.Mark    `json:"marks"`
	VoteEventID uint             `json:"vote_event"`
	Tally       tally.Tally      `json:"tally"`
	Results     []tally.Result   `json:"results"`
	Messages    []models.Message `json:"messages"`
	Cursor      uint             `json:"cursor"`
}

// Snapshot reads the session's votes and full message log.
func (s *Service) Snapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	// Marks before votes: a toggle committed in between must land above
	// its mark, never under it.
	marks, err := ledger.LastEvents(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	votes, err := s.ListVotes(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := messaging.ListAll(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	catalog, err := s.Catalog(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		SessionID: sessionID,
		Votes:     make([]VoteRef, 0, len(votes)),
		Marks:     marks,
		Tally:     tally.Compute(votes),
		Messages:  msgs,
	}
	if snap.Marks == nil {
		snap.Marks = []ledger.Mark{}
	}
	for _, m := range marks {
		if m.EventID > snap.VoteEventID {
			snap.VoteEventID = m.EventID
		}
	}
	for _, v := range votes {
		snap.Votes = append(snap.Votes, VoteRef{OptionID: v.OptionID, ParticipantID: v.ParticipantID})
	}
	snap.Results = tally.Results(snap.Tally, catalog)
	if snap.Messages == nil {
		snap.Messages = []models.Message{}
	}
	if n := len(msgs); n > 0 {
		snap.Cursor = msgs[n-1].ID
	}
	return snap, nil
}

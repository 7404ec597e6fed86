package models

import "time"

// Vote actions reported by a toggle.
const (
	VoteAdded   = "added"
	VoteRemoved = "removed"
)

// Vote is one participant's vote for one option within a session. Existence
// is the signal: a toggle inserts or deletes the row, never updates it.
type Vote struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	SessionID     string `gorm:"size:128;not null;uniqueIndex:idx_vote_triple,priority:1;index"`
	OptionID      string `gorm:"size:128;not null;uniqueIndex:idx_vote_triple,priority:2"`
	ParticipantID string `gorm:"size:128;not null;uniqueIndex:idx_vote_triple,priority:3"`
	Weight        int    `gorm:"not null;default:1"`
	CreatedAt     time.Time
}

// VoteEvent is the append-only history of applied toggles. Its ID orders
// vote events within a session and identifies them on the broadcast channel.
type VoteEvent struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	SessionID     string    `gorm:"size:128;not null;index:idx_vote_event_session,priority:1"`
	OptionID      string    `gorm:"size:128;not null"`
	ParticipantID string    `gorm:"size:128;not null"`
	Action        string    `gorm:"size:8;not null"`
	CreatedAt     time.Time `gorm:"index:idx_vote_event_session,priority:2"`
}

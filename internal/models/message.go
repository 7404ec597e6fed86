package models

import "time"

// Message author roles.
const (
	RoleParticipant = "participant"
	RoleAssistant   = "assistant"
	RoleSystem      = "system"
)

// Message is an append-only entry in a session's conversation. ID is the
// message's sequence within its session. It is reserved from
// Session.LastSeq while the session row is locked, so a session's IDs
// become visible in increasing order.
type Message struct {
	SessionID string    `gorm:"primaryKey;size:128;not null" json:"session"`
	ID        uint      `gorm:"primaryKey;autoIncrement:false" json:"seq"`
	UID       string    `gorm:"size:36;not null;uniqueIndex" json:"id"`
	Role      string    `gorm:"size:16;not null" json:"role"`
	SenderID  *string   `gorm:"size:128" json:"sender,omitempty"`
	Content   *string   `gorm:"type:text" json:"content,omitempty"`
	Payload   *Payload  `gorm:"type:text;serializer:json" json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Proposal returns the message's proposal payload, or nil.
func (m *Message) Proposal() *Payload {
	if m.Payload == nil || m.Payload.Kind != PayloadProposal {
		return nil
	}
	return m.Payload
}

// Session tracks the first and latest activity of a session. Rows are
// upserted by the stores; nothing ever closes a session. LastSeq is the
// highest message ID handed out in the session.
type Session struct {
	ID             string `gorm:"primaryKey;size:128"`
	CreatedAt      time.Time
	LastActivityAt time.Time `gorm:"index"`
	LastSeq        uint      `gorm:"not null;default:0"`
}

// Package relay posts session activity to chat platforms.
//
// A Relay consumes every committed session event from the hub and turns the
// interesting ones (option proposals, assistant and system messages, and
// optionally votes) into Announcements handed to each configured Announcer.
package relay

import "context"

// Sidebar colors for announcement cards.
const (
	ColorProposal = "#2196f3"
	ColorVote     = "#36a64f"
	ColorRemoved  = "#ff9800"
	ColorSystem   = "#9e9e9e"
)

// Announcer delivers announcements to one chat platform.
type Announcer interface {
	// Connect prepares the platform client. Must be called before Announce.
	Connect(ctx context.Context) error
	Announce(ctx context.Context, a Announcement) error
	Close() error
}

// Announcement is a platform-neutral chat post.
type Announcement struct {
	SessionID string
	Text      string // plain-text body, also the notification fallback
	Cards     []Card
}

// Card is one rich block rendered as a Slack attachment or Discord embed.
type Card struct {
	Title    string
	Body     string
	Color    string
	ImageURL string
	Fields   []Field
}

// Field is a key/value pair shown inside a card.
type Field struct {
	Name  string
	Value string
	Short bool
}

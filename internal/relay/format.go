package relay

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zulandar/converge/internal/models"
	"github.com/zulandar/converge/internal/tally"
)

// maxCards caps the cards attached to one proposal announcement.
const maxCards = 10

// FormatMessage renders an appended message. It returns false for messages
// that are not announced: participant chatter and empty messages.
func FormatMessage(m *models.Message) (Announcement, bool) {
	if m == nil {
		return Announcement{}, false
	}
	if p := m.Proposal(); p != nil {
		return formatProposal(m.SessionID, p), true
	}
	if m.Content == nil || *m.Content == "" {
		return Announcement{}, false
	}
	switch m.Role {
	case models.RoleAssistant:
		return Announcement{
			SessionID: m.SessionID,
			Text:      fmt.Sprintf("[%s] %s", m.SessionID, *m.Content),
		}, true
	case models.RoleSystem:
		return Announcement{
			SessionID: m.SessionID,
			Text:      fmt.Sprintf("[%s] %s", m.SessionID, *m.Content),
			Cards: []Card{{
				Title: "Session " + m.SessionID,
				Body:  *m.Content,
				Color: ColorSystem,
			}},
		}, true
	}
	return Announcement{}, false
}

func formatProposal(sessionID string, p *models.Payload) Announcement {
	text := fmt.Sprintf("%d new option(s) proposed in session %s", len(p.Options), sessionID)
	if p.Reasoning != "" {
		text += ": " + p.Reasoning
	}
	a := Announcement{SessionID: sessionID, Text: text}
	for i, opt := range p.Options {
		if i == maxCards {
			a.Text += fmt.Sprintf(" (%d more not shown)", len(p.Options)-maxCards)
			break
		}
		a.Cards = append(a.Cards, optionCard(opt))
	}
	return a
}

func optionCard(opt models.Option) Card {
	c := Card{
		Title:    opt.Name,
		Body:     opt.PlainSnippet(),
		Color:    ColorProposal,
		ImageURL: opt.ImageURL,
	}
	if c.Title == "" {
		c.Title = opt.ID
	}
	if opt.Rating > 0 {
		rating := strconv.FormatFloat(opt.Rating, 'f', 1, 64)
		if opt.ReviewCount > 0 {
			rating += fmt.Sprintf(" (%d reviews)", opt.ReviewCount)
		}
		c.Fields = append(c.Fields, Field{Name: "Rating", Value: rating, Short: true})
	}
	if opt.Price != "" {
		c.Fields = append(c.Fields, Field{Name: "Price", Value: opt.Price, Short: true})
	}
	if cats := opt.CategoryTitles(); len(cats) > 0 {
		c.Fields = append(c.Fields, Field{Name: "Categories", Value: strings.Join(cats, ", "), Short: true})
	}
	if opt.Phone != "" {
		c.Fields = append(c.Fields, Field{Name: "Phone", Value: opt.Phone, Short: true})
	}
	return c
}

// FormatVote renders a vote toggle with the standings after it.
func FormatVote(sessionID, participantID, optionName string, added bool, results []tally.Result) Announcement {
	verb, color := "voted for", ColorVote
	if !added {
		verb, color = "withdrew their vote for", ColorRemoved
	}
	text := fmt.Sprintf("%s %s %s", participantID, verb, optionName)
	return Announcement{
		SessionID: sessionID,
		Text:      fmt.Sprintf("[%s] %s", sessionID, text),
		Cards: []Card{{
			Title:  text,
			Color:  color,
			Fields: []Field{{Name: "Standings", Value: tally.Summary(results)}},
		}},
	}
}

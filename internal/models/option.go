package models

import "strings"

// PayloadProposal is the only payload kind the reconciliation layer consumes.
const PayloadProposal = "proposal"

// Snippet highlight markers emitted by the search provider.
const (
	HighlightStart = "[[HIGHLIGHT]]"
	HighlightEnd   = "[[ENDHIGHLIGHT]]"
)

// Payload is the structured attachment of a message.
type Payload struct {
	Kind      string   `json:"kind"`
	Reasoning string   `json:"reasoning,omitempty"`
	Options   []Option `json:"options,omitempty"`
}

// Option is a proposed item. It lives only inside the payload that
// introduced it and is referenced by ID from votes.
type Option struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Rating        float64      `json:"rating,omitempty"`
	ReviewCount   int          `json:"review_count,omitempty"`
	ImageURL      string       `json:"image_url,omitempty"`
	Price         string       `json:"price,omitempty"`
	Phone         string       `json:"display_phone,omitempty"`
	Categories    []Category   `json:"categories,omitempty"`
	Coordinates   *Coordinates `json:"coordinates,omitempty"`
	ReviewSnippet string       `json:"review_snippet,omitempty"`
}

type Category struct {
	Alias string `json:"alias"`
	Title string `json:"title"`
}

type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Segment is a run of snippet text, highlighted or not.
type Segment struct {
	Text        string
	Highlighted bool
}

// SnippetSegments splits ReviewSnippet on the highlight markers. An
// unterminated highlight runs to the end of the snippet.
func (o Option) SnippetSegments() []Segment {
	var segs []Segment
	rest := o.ReviewSnippet
	for rest != "" {
		i := strings.Index(rest, HighlightStart)
		if i < 0 {
			segs = append(segs, Segment{Text: rest})
			break
		}
		if i > 0 {
			segs = append(segs, Segment{Text: rest[:i]})
		}
		rest = rest[i+len(HighlightStart):]
		j := strings.Index(rest, HighlightEnd)
		if j < 0 {
			if rest != "" {
				segs = append(segs, Segment{Text: rest, Highlighted: true})
			}
			break
		}
		if j > 0 {
			segs = append(segs, Segment{Text: rest[:j], Highlighted: true})
		}
		rest = rest[j+len(HighlightEnd):]
	}
	return segs
}

// PlainSnippet returns ReviewSnippet with the highlight markers removed.
func (o Option) PlainSnippet() string {
	var b strings.Builder
	for _, s := range o.SnippetSegments() {
		b.WriteString(s.Text)
	}
	return b.String()
}

// CategoryTitles returns the display titles of the option's categories.
func (o Option) CategoryTitles() []string {
	titles := make([]string, 0, len(o.Categories))
	for _, c := range o.Categories {
		titles = append(titles, c.Title)
	}
	return titles
}

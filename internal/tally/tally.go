// Package tally derives per-option vote counts. Nothing here stores state:
// a Tally is either computed from a vote set or adjusted one event at a time.
package tally

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zulandar/converge/internal/models"
)

// UnknownOption names options whose proposal metadata is missing.
const UnknownOption = "Unknown Place"

// Tally maps option ID to vote count. Options with no votes are absent.
type Tally map[string]int

// Compute counts votes per option.
func Compute(votes []models.Vote) Tally {
	t := make(Tally)
	for _, v := range votes {
		t[v.OptionID]++
	}
	return t
}

// Increment records one observed vote addition.
func (t Tally) Increment(optionID string) {
	t[optionID]++
}

// Decrement records one observed vote removal. Counts never go below zero,
// and an option that reaches zero is dropped.
func (t Tally) Decrement(optionID string) {
	n := t[optionID] - 1
	if n <= 0 {
		delete(t, optionID)
		return
	}
	t[optionID] = n
}

// Count returns the votes for an option.
func (t Tally) Count(optionID string) int { return t[optionID] }

// Total returns the number of votes across all options.
func (t Tally) Total() int {
	n := 0
	for _, c := range t {
		n += c
	}
	return n
}

// Clone returns an independent copy.
func (t Tally) Clone() Tally {
	c := make(Tally, len(t))
	for k, v := range t {
		c[k] = v
	}
	return c
}

// Equal reports whether two tallies hold the same non-zero counts.
func (t Tally) Equal(o Tally) bool {
	if len(t) != len(o) {
		return false
	}
	for k, v := range t {
		if o[k] != v {
			return false
		}
	}
	return true
}

// Result is one row of the human-readable standings.
type Result struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Votes int    `json:"votes"`
}

// Catalog is display metadata for the options introduced in a session,
// keyed by option ID.
type Catalog map[string]models.Option

// Results joins a tally against the option catalog. Only options with votes
// appear, ordered by votes descending then ID.
func Results(t Tally, catalog Catalog) []Result {
	results := make([]Result, 0, len(t))
	for id, n := range t {
		if n <= 0 {
			continue
		}
		name := UnknownOption
		if opt, ok := catalog[id]; ok && opt.Name != "" {
			name = opt.Name
		}
		results = append(results, Result{ID: id, Name: name, Votes: n})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Votes != results[j].Votes {
			return results[i].Votes > results[j].Votes
		}
		return results[i].ID < results[j].ID
	})
	return results
}

// Leaders returns the entries tied for the most votes. results must be
// ordered as Results returns them.
func Leaders(results []Result) []Result {
	if len(results) == 0 {
		return nil
	}
	top := results[0].Votes
	n := 1
	for n < len(results) && results[n].Votes == top {
		n++
	}
	return results[:n]
}

// Summary renders standings as a single line, e.g.
// "Franklin Barbecue (3), Veracruz (1)".
func Summary(results []Result) string {
	if len(results) == 0 {
		return "No votes have been cast yet."
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("%s (%d)", r.Name, r.Votes))
	}
	return strings.Join(parts, ", ")
}

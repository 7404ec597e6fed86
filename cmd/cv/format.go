package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/zulandar/converge/internal/models"
	"github.com/zulandar/converge/internal/tally"
)

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if maxLen <= 3 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func joinTruncated(items []string, maxLen int) string {
	return truncate(strings.Join(items, ", "), maxLen)
}

func printResults(out io.Writer, results []tally.Result) {
	if len(results) == 0 {
		fmt.Fprintln(out, tally.Summary(results))
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tOPTION\tVOTES\tID")
	for i, r := range results {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", i+1, r.Name, r.Votes, r.ID)
	}
	w.Flush()

	if leaders := tally.Leaders(results); len(leaders) > 1 {
		fmt.Fprintf(out, "\n%d-way tie for first.\n", len(leaders))
	}
}

// printMessage writes one conversation line, followed by the options of a
// proposal.
func printMessage(out io.Writer, m models.Message, width int) {
	ts := m.CreatedAt.Local().Format("15:04:05")
	who := m.Role
	if m.SenderID != nil && *m.SenderID != "" {
		who = *m.SenderID
	}
	content := ""
	if m.Content != nil {
		content = *m.Content
	}

	if p := m.Proposal(); p != nil {
		line := fmt.Sprintf("[%s] #%d %s proposed %d option(s)", ts, m.ID, who, len(p.Options))
		if p.Reasoning != "" {
			line += ": " + p.Reasoning
		}
		fmt.Fprintln(out, truncate(line, width))
		for _, o := range p.Options {
			fmt.Fprintln(out, truncate("    "+optionLine(o), width))
		}
		return
	}
	fmt.Fprintln(out, truncate(fmt.Sprintf("[%s] #%d %s: %s", ts, m.ID, who, content), width))
}

// optionLine summarizes an option on one line.
func optionLine(o models.Option) string {
	parts := []string{o.Name}
	if o.Rating > 0 {
		parts = append(parts, fmt.Sprintf("%.1f★ (%d)", o.Rating, o.ReviewCount))
	}
	if o.Price != "" {
		parts = append(parts, o.Price)
	}
	if cats := o.CategoryTitles(); len(cats) > 0 {
		parts = append(parts, strings.Join(cats, ", "))
	}
	return fmt.Sprintf("%s  [%s]", strings.Join(parts, " · "), o.ID)
}

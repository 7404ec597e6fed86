package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/converge/internal/client"
	"github.com/zulandar/converge/internal/syncerr"
	"github.com/zulandar/converge/internal/tally"
)

// watchMessageLines is how many recent messages the live screen keeps.
const watchMessageLines = 15

func newWatchCmd() *cobra.Command {
	var (
		server      string
		participant string
	)

	cmd := &cobra.Command{
		Use:   "watch <session>",
		Short: "Follow a session live",
		Long: `Streams a session's votes and messages as they happen.

Lines typed on stdin are sent as messages. "/vote <option>" toggles your
vote and "/quit" exits. On a terminal the screen is redrawn on every
change; otherwise changes are printed one per line.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, server, args[0], participant)
		},
	}

	addServerFlag(cmd, &server)
	cmd.Flags().StringVar(&participant, "as", "", "participant ID to watch as (required)")
	cmd.MarkFlagRequired("as")
	return cmd
}

func runWatch(cmd *cobra.Command, server, sessionID, participant string) error {
	out := cmd.OutOrStdout()
	remote, err := newRemote(server)
	if err != nil {
		return err
	}
	rec, err := client.NewReconciler(client.ReconcilerOpts{
		Remote:        remote,
		SessionID:     sessionID,
		ParticipantID: participant,
	})
	if err != nil {
		return err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- rec.Run(ctx) }()

	notices := make(chan string, 16)
	go readWatchInput(ctx, cmd.InOrStdin(), rec, notices, stop)

	var r watchRenderer = &lineRenderer{out: out}
	if isTerminal(out) {
		r = &screenRenderer{out: out}
	} else {
		fmt.Fprintf(out, "Watching session %s as %s... (Ctrl+C to stop)\n", sessionID, participant)
	}

	for {
		select {
		case <-ctx.Done():
			<-runErr
			return nil
		case err := <-runErr:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case c := <-rec.Changes():
			r.change(c, rec.View())
		case n := <-notices:
			r.notice(n, rec.View())
		}
	}
}

// readWatchInput turns stdin lines into toggles and messages. It returns at
// EOF; watching continues without input.
func readWatchInput(ctx context.Context, in io.Reader, rec *client.Reconciler, notices chan<- string, quit func()) {
	notify := func(text string) {
		select {
		case notices <- text:
		case <-ctx.Done():
		}
	}
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			quit()
			return
		case strings.HasPrefix(line, "/vote "):
			option := strings.TrimSpace(strings.TrimPrefix(line, "/vote "))
			applied, err := rec.Toggle(ctx, option)
			switch {
			case errors.Is(err, syncerr.ErrConflictOnToggle):
				notify(fmt.Sprintf("vote on %s crossed another toggle, refreshing", option))
				continue
			case err != nil:
				notify(fmt.Sprintf("vote on %s failed: %v", option, err))
				continue
			}
			notify(fmt.Sprintf("vote on %s %s", option, applied))
		default:
			if _, err := rec.Send(ctx, line); err != nil {
				notify(fmt.Sprintf("send failed: %v", err))
			}
		}
	}
}

type watchRenderer interface {
	change(c client.Change, v client.View)
	notice(text string, v client.View)
}

// lineRenderer appends one line per change, for pipes and logs.
type lineRenderer struct {
	out       io.Writer
	lastSeq   uint
	connected bool
}

func (l *lineRenderer) change(c client.Change, v client.View) {
	switch c.Kind {
	case client.ChangeStatus:
		if v.Connected != l.connected {
			l.connected = v.Connected
			if v.Connected {
				fmt.Fprintln(l.out, "-- connected")
			} else if c.Err != nil {
				fmt.Fprintf(l.out, "-- disconnected: %v\n", c.Err)
			} else {
				fmt.Fprintln(l.out, "-- disconnected")
			}
		}
	case client.ChangeResync:
		l.printNew(v)
		fmt.Fprintf(l.out, "-- standings: %s\n", tally.Summary(v.Results))
	case client.ChangeMessage:
		if c.Err != nil {
			fmt.Fprintf(l.out, "-- message failed: %v\n", c.Err)
		}
		l.printNew(v)
	case client.ChangeVote:
		if c.OptionID == "" {
			return
		}
		line := fmt.Sprintf("-- %s: %d vote(s)", c.OptionID, v.Tally.Count(c.OptionID))
		if c.State != client.Unvoted {
			line += " (you: " + c.State.String() + ")"
		}
		if c.Err != nil {
			line += fmt.Sprintf(" error: %v", c.Err)
		}
		fmt.Fprintln(l.out, line)
	}
}

func (l *lineRenderer) notice(text string, _ client.View) {
	fmt.Fprintf(l.out, "-- %s\n", text)
}

func (l *lineRenderer) printNew(v client.View) {
	for _, m := range v.Messages {
		if m.ID <= l.lastSeq {
			continue
		}
		printMessage(l.out, m, 200)
		l.lastSeq = m.ID
	}
}

// screenRenderer redraws the whole view on every change.
type screenRenderer struct {
	out  io.Writer
	last string
}

func (s *screenRenderer) change(c client.Change, v client.View) {
	if c.Err != nil {
		s.last = c.Err.Error()
	}
	s.draw(v)
}

func (s *screenRenderer) notice(text string, v client.View) {
	s.last = text
	s.draw(v)
}

func (s *screenRenderer) draw(v client.View) {
	width := terminalWidth(s.out, 100)
	fmt.Fprint(s.out, "\033[2J\033[H")

	status := "connected"
	if !v.Connected {
		status = "reconnecting"
	}
	fmt.Fprintf(s.out, "Session %s as %s [%s]\n\n", v.SessionID, v.ParticipantID, status)

	fmt.Fprintln(s.out, "STANDINGS")
	if len(v.Results) == 0 {
		fmt.Fprintln(s.out, "  "+tally.Summary(v.Results))
	} else {
		w := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', 0)
		for _, r := range v.Results {
			mark := " "
			if st := v.States[r.ID]; st != client.Unvoted {
				mark = "*"
				if st.Optimistic() {
					mark = "~"
				}
			}
			fmt.Fprintf(w, "  %s %s\t%d\t[%s]\n", mark, truncate(r.Name, width/2), r.Votes, r.ID)
		}
		w.Flush()
	}

	fmt.Fprintln(s.out, "\nMESSAGES")
	msgs := v.Messages
	if len(msgs) > watchMessageLines {
		msgs = msgs[len(msgs)-watchMessageLines:]
	}
	for _, m := range msgs {
		printMessage(s.out, m, width)
	}
	for _, p := range v.Pending {
		fmt.Fprintln(s.out, truncate(fmt.Sprintf("[sending] %s: %s", v.ParticipantID, p.Content), width))
	}

	fmt.Fprintln(s.out)
	if s.last != "" {
		fmt.Fprintln(s.out, truncate("> "+s.last, width))
	}
	fmt.Fprintln(s.out, "/vote <option> toggles your vote, /quit exits, anything else is sent.")
}

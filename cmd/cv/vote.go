package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/converge/internal/models"
	"github.com/zulandar/converge/internal/tally"
)

func newVoteCmd() *cobra.Command {
	var (
		server      string
		participant string
	)

	cmd := &cobra.Command{
		Use:   "vote <session> <option>",
		Short: "Toggle your vote on an option",
		Long:  "Adds your vote for the option, or removes it if you had already voted for it.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVote(cmd, server, args[0], args[1], participant)
		},
	}

	addServerFlag(cmd, &server)
	cmd.Flags().StringVar(&participant, "as", "", "participant ID to vote as (required)")
	cmd.MarkFlagRequired("as")
	return cmd
}

func runVote(cmd *cobra.Command, server, sessionID, optionID, participant string) error {
	remote, err := newRemote(server)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	applied, err := remote.CastVote(ctx, sessionID, optionID, participant)
	if err != nil {
		return err
	}
	verb := "Voted for"
	if applied == models.VoteRemoved {
		verb = "Removed vote for"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s in session %s\n", verb, optionID, sessionID)
	return nil
}

func newVotesCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "votes <session>",
		Short: "List the current votes in a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVotes(cmd, server, args[0])
		},
	}

	addServerFlag(cmd, &server)
	return cmd
}

func runVotes(cmd *cobra.Command, server, sessionID string) error {
	out := cmd.OutOrStdout()
	remote, err := newRemote(server)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	snap, err := remote.Snapshot(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(snap.Votes) == 0 {
		fmt.Fprintf(out, "No votes in session %s.\n", sessionID)
		return nil
	}

	byOption := make(map[string][]string)
	for _, v := range snap.Votes {
		byOption[v.OptionID] = append(byOption[v.OptionID], v.ParticipantID)
	}
	ids := make([]string, 0, len(byOption))
	for id := range byOption {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OPTION\tVOTES\tPARTICIPANTS")
	for _, id := range ids {
		voters := byOption[id]
		sort.Strings(voters)
		fmt.Fprintf(w, "%s\t%d\t%s\n", id, len(voters), joinTruncated(voters, 60))
	}
	return w.Flush()
}

func newResultsCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "results <session>",
		Short: "Show the standings of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResults(cmd, server, args[0])
		},
	}

	addServerFlag(cmd, &server)
	return cmd
}

func runResults(cmd *cobra.Command, server, sessionID string) error {
	out := cmd.OutOrStdout()
	remote, err := newRemote(server)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	rows, err := remote.Results(ctx, sessionID)
	if err != nil {
		return err
	}
	results := make([]tally.Result, 0, len(rows))
	for _, r := range rows {
		results = append(results, tally.Result{ID: r.ID, Name: r.Name, Votes: r.Votes})
	}
	printResults(out, results)
	return nil
}

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/converge/internal/db"
)

func newSessionsCmd() *cobra.Command {
	var (
		configPath string
		since      time.Duration
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recently active sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions(cmd, configPath, since, limit)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "only show sessions active within this window")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum sessions to show")
	return cmd
}

func runSessions(cmd *cobra.Command, configPath string, since time.Duration, limit int) error {
	out := cmd.OutOrStdout()
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	sessions, err := db.ListSessions(gormDB, time.Now().UTC().Add(-since), limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintf(out, "No sessions active in the last %s.\n", since)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTARTED\tLAST ACTIVITY")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID,
			s.CreatedAt.Local().Format("2006-01-02 15:04"),
			s.LastActivityAt.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

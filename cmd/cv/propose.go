package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/zulandar/converge/internal/models"
)

func newProposeCmd() *cobra.Command {
	var (
		server    string
		file      string
		reasoning string
	)

	cmd := &cobra.Command{
		Use:   "propose <session>",
		Short: "Propose options to a session",
		Long: `Posts a proposal message carrying options the group can vote on.

The file holds either a JSON array of options or an object with
"reasoning" and "options" fields. Use --file - to read from stdin.
An option already introduced in the session keeps its first details.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPropose(cmd, server, args[0], file, reasoning)
		},
	}

	addServerFlag(cmd, &server)
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with the options, or - for stdin (required)")
	cmd.Flags().StringVar(&reasoning, "reasoning", "", "why these options were proposed")
	cmd.MarkFlagRequired("file")
	return cmd
}

func runPropose(cmd *cobra.Command, server, sessionID, file, reasoning string) error {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return fmt.Errorf("read options: %w", err)
	}

	fileReasoning, options, err := parseProposal(data)
	if err != nil {
		return err
	}
	if reasoning == "" {
		reasoning = fileReasoning
	}
	return postProposal(cmd, server, sessionID, reasoning, options)
}

// parseProposal accepts a bare option array or a {reasoning, options} object.
func parseProposal(data []byte) (string, []models.Option, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", nil, fmt.Errorf("parse options: input is empty")
	}
	if data[0] == '[' {
		var options []models.Option
		if err := json.Unmarshal(data, &options); err != nil {
			return "", nil, fmt.Errorf("parse options: %w", err)
		}
		return "", options, nil
	}
	var p struct {
		Reasoning string          `json:"reasoning"`
		Options   []models.Option `json:"options"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return "", nil, fmt.Errorf("parse options: %w", err)
	}
	return p.Reasoning, p.Options, nil
}

func postProposal(cmd *cobra.Command, server, sessionID, reasoning string, options []models.Option) error {
	if len(options) == 0 {
		return fmt.Errorf("no options to propose")
	}
	remote, err := newRemote(server)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	accepted, err := remote.Propose(ctx, sessionID, reasoning, options)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Proposed %d option(s) to session %s\n", accepted, sessionID)
	if skipped := len(options) - accepted; skipped > 0 {
		fmt.Fprintf(out, "Skipped %d repeated option(s)\n", skipped)
	}
	return nil
}

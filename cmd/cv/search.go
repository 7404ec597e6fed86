package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/converge/internal/config"
	"github.com/zulandar/converge/internal/models"
	"github.com/zulandar/converge/internal/search"
)

func newSearchCmd() *cobra.Command {
	var (
		configPath string
		location   string
		server     string
		propose    string
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Look up candidate options",
		Long:  "Queries the search provider and prints the options it returns. Use --propose to post them to a session.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, configPath, strings.Join(args, " "), location, server, propose)
		},
	}

	addConfigFlag(cmd, &configPath)
	addServerFlag(cmd, &server)
	cmd.Flags().StringVarP(&location, "location", "l", "", "where to search (e.g. \"Austin, TX\")")
	cmd.Flags().StringVar(&propose, "propose", "", "session to propose the results to")
	return cmd
}

func runSearch(cmd *cobra.Command, configPath, query, location, server, proposeTo string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Search.APIKey == "" {
		return fmt.Errorf("search.api_key is not set in %s", configPath)
	}

	finder, err := search.NewHTTPFinder(search.HTTPFinderOpts{
		Endpoint:  cfg.Search.Endpoint,
		APIKey:    cfg.Search.APIKey,
		Locale:    cfg.Search.Locale,
		Latitude:  cfg.Search.Latitude,
		Longitude: cfg.Search.Longitude,
	})
	if err != nil {
		return err
	}

	ctx, cancel := requestContext(cmd)
	defer cancel()
	options, summary, err := finder.Find(ctx, query, location)
	if err != nil {
		return err
	}

	if summary != "" {
		fmt.Fprintf(out, "%s\n\n", summary)
	}
	if len(options) == 0 {
		fmt.Fprintln(out, "No options found.")
		return nil
	}
	printOptions(out, options, terminalWidth(out, 200))

	if proposeTo == "" {
		return nil
	}
	fmt.Fprintln(out)
	return postProposal(cmd, server, proposeTo, summary, options)
}

func printOptions(out io.Writer, options []models.Option, width int) {
	for i, o := range options {
		fmt.Fprintln(out, truncate(fmt.Sprintf("%2d. %s", i+1, optionLine(o)), width))
		if snippet := o.PlainSnippet(); snippet != "" {
			fmt.Fprintln(out, truncate("    \""+snippet+"\"", width))
		}
	}
}

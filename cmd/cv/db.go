package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/converge/internal/config"
	"github.com/zulandar/converge/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBResetCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the Converge database",
		Long:  "Creates the configured database if needed and migrates all tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprintf(out, "Loaded %s config from %s\n", cfg.Store.Driver, configPath)

	if err := ensureDatabase(cmd, cfg.Store); err != nil {
		return err
	}
	return migrate(cmd, cfg.Store, "\nConverge database initialized successfully.")
}

// ensureDatabase creates the server-side database. SQLite creates its file
// on first connect.
func ensureDatabase(cmd *cobra.Command, store config.StoreConfig) error {
	if store.Driver == config.DriverSQLite {
		return nil
	}
	out := cmd.OutOrStdout()
	adminDB, err := db.ConnectAdmin(store)
	if err != nil {
		return fmt.Errorf("connect to %s at %s:%d: %w", store.Driver, store.Host, store.Port, err)
	}
	fmt.Fprintf(out, "Connected to %s at %s:%d\n", store.Driver, store.Host, store.Port)

	if err := db.CreateDatabase(adminDB, store.Database); err != nil {
		return err
	}
	fmt.Fprintf(out, "Database %s ready\n", store.Database)
	return nil
}

func migrate(cmd *cobra.Command, store config.StoreConfig, done string) error {
	out := cmd.OutOrStdout()
	gormDB, err := db.Connect(store)
	if err != nil {
		return fmt.Errorf("connect to store: %w", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	fmt.Fprintln(out, done)
	return nil
}

func newDBResetCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and re-initialize the Converge database",
		Long: `Drops the configured database (or deletes the SQLite file) and
re-creates it with empty tables. Every vote and message is lost.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBReset(cmd, configPath, yes)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func runDBReset(cmd *cobra.Command, configPath string, skipConfirm bool) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store := cfg.Store
	target := store.Database
	if store.Driver == config.DriverSQLite {
		target = store.Path
	}

	if !skipConfirm {
		if !isTerminal(cmd.InOrStdin()) {
			return fmt.Errorf("refusing to reset %s without --yes: stdin is not a terminal", target)
		}
		if !confirmReset(cmd, target) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	if store.Driver == config.DriverSQLite {
		if err := db.RemoveSQLite(store.Path); err != nil {
			return err
		}
		fmt.Fprintf(out, "Removed %s\n", store.Path)
	} else {
		adminDB, err := db.ConnectAdmin(store)
		if err != nil {
			return fmt.Errorf("connect to %s at %s:%d: %w", store.Driver, store.Host, store.Port, err)
		}
		if err := db.DropDatabase(adminDB, store.Database); err != nil {
			return err
		}
		fmt.Fprintf(out, "Dropped database %s\n", store.Database)
		if err := db.CreateDatabase(adminDB, store.Database); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s re-created\n", store.Database)
	}

	return migrate(cmd, store, "\nConverge database reset successfully.")
}

func confirmReset(cmd *cobra.Command, target string) bool {
	out := cmd.OutOrStdout()
	in := cmd.InOrStdin()

	fmt.Fprintf(out, "WARNING: This will permanently delete all votes and messages in %q.\n", target)
	fmt.Fprintln(out, "This action cannot be undone.")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}

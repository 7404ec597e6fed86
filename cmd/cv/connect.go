package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/converge/internal/client"
	"github.com/zulandar/converge/internal/config"
	"github.com/zulandar/converge/internal/db"
	"gorm.io/gorm"
)

const (
	defaultConfigPath = "converge.yaml"
	defaultServerURL  = "http://localhost:8080"

	// requestTimeout bounds one-shot API calls from the CLI.
	requestTimeout = 15 * time.Second
)

// connectFromConfig loads config and returns a GORM DB connection.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to store: %w", err)
	}

	return cfg, gormDB, nil
}

func addConfigFlag(cmd *cobra.Command, configPath *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", defaultConfigPath, "path to Converge config file")
}

// addServerFlag registers --server, defaulting to $CONVERGE_SERVER.
func addServerFlag(cmd *cobra.Command, server *string) {
	def := os.Getenv("CONVERGE_SERVER")
	if def == "" {
		def = defaultServerURL
	}
	cmd.Flags().StringVarP(server, "server", "s", def, "Converge API base URL")
}

func newRemote(server string) (*client.HTTPRemote, error) {
	return client.NewHTTPRemote(server, nil)
}

// requestContext bounds a single CLI request.
func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, requestTimeout)
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/zulandar/converge/internal/broadcast"
	"github.com/zulandar/converge/internal/config"
	"github.com/zulandar/converge/internal/db"
	"github.com/zulandar/converge/internal/digest"
	"github.com/zulandar/converge/internal/relay"
	"github.com/zulandar/converge/internal/relay/discord"
	"github.com/zulandar/converge/internal/relay/slack"
	"github.com/zulandar/converge/internal/server"
	"github.com/zulandar/converge/internal/session"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Converge API server",
		Long: `Serves the JSON API and per-session event streams. When configured, also
bridges events across instances through Redis, relays session activity to
Slack and Discord, and posts a scheduled standings digest.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	background := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil {
				log.Printf("serve: %s: %v", name, err)
			}
		}()
	}

	hub := broadcast.NewHub(cfg.Broadcast.Buffer)
	defer hub.Close()

	var (
		svc       *session.Service
		bridge    *broadcast.RedisBridge
		publisher broadcast.Publisher = hub
		origin    string
		rc        *redis.Client
	)
	if cfg.Broadcast.Redis.Enabled() {
		rc = redis.NewClient(&redis.Options{
			Addr:     cfg.Broadcast.Redis.Addr,
			Password: cfg.Broadcast.Redis.Password,
			DB:       cfg.Broadcast.Redis.DB,
		})
		defer rc.Close()
		bridge, err = broadcast.NewRedisBridge(broadcast.RedisBridgeOpts{
			Client:   rc,
			Hub:      hub,
			Prefix:   cfg.Broadcast.Redis.Prefix,
			OnRemote: func(evt broadcast.Event) { svc.Observe(evt) },
		})
		if err != nil {
			return err
		}
		publisher = bridge
		origin = bridge.Origin()
	}

	svc, err = session.NewService(session.ServiceOpts{DB: gormDB, Hub: hub, Publisher: publisher})
	if err != nil {
		return err
	}
	if bridge != nil {
		background("redis bridge", bridge.Run)
		fmt.Fprintf(out, "Bridging events through redis at %s\n", cfg.Broadcast.Redis.Addr)
	}

	if cfg.Relay.Enabled() {
		announcers, err := buildAnnouncers(cfg.Relay)
		if err != nil {
			return err
		}
		r, err := relay.New(relay.Opts{
			Service:    svc,
			Announcers: announcers,
			Votes:      cfg.Relay.Votes,
			Origin:     origin,
		})
		if err != nil {
			return err
		}
		background("relay", r.Run)
		fmt.Fprintf(out, "Relaying session activity to %d chat channel(s)\n", len(announcers))
	}

	if cfg.Digest.Enabled {
		opts := digest.SchedulerOpts{
			Service: svc,
			Cron:    cfg.Digest.Cron,
			Window:  time.Duration(cfg.Digest.WindowMin) * time.Minute,
		}
		if rc != nil {
			lease, err := digest.NewRedisLease(rc, cfg.Broadcast.Redis.Prefix)
			if err != nil {
				return err
			}
			opts.Lease = lease
		}
		sched, err := digest.NewScheduler(opts)
		if err != nil {
			return err
		}
		background("digest", sched.Run)
		fmt.Fprintf(out, "Standings digest scheduled (%s)\n", cfg.Digest.Cron)
	}

	err = server.Start(ctx, server.StartOpts{
		Service:   svc,
		Port:      cfg.Server.Port,
		Heartbeat: time.Duration(cfg.Server.HeartbeatSec) * time.Second,
		Out:       out,
	})
	cancel()
	wg.Wait()
	return err
}

// buildAnnouncers creates an announcer for each configured chat platform.
func buildAnnouncers(cfg config.RelayConfig) ([]relay.Announcer, error) {
	var announcers []relay.Announcer
	if cfg.Slack.BotToken != "" {
		a, err := slack.New(slack.AnnouncerOpts{
			BotToken:  cfg.Slack.BotToken,
			ChannelID: cfg.Slack.ChannelID,
		})
		if err != nil {
			return nil, err
		}
		announcers = append(announcers, a)
	}
	if cfg.Discord.BotToken != "" {
		a, err := discord.New(discord.AnnouncerOpts{
			BotToken:  cfg.Discord.BotToken,
			ChannelID: cfg.Discord.ChannelID,
		})
		if err != nil {
			return nil, err
		}
		announcers = append(announcers, a)
	}
	return announcers, nil
}

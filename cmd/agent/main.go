package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"collabtext/internal/agent"
	"collabtext/internal/config"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "collabtext-agent: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "collabtext-agent",
		Short:         "Headless room member that mirrors a room to disk",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ReadFile(v, cfgFile); err != nil {
				return err
			}
			cfg, err := config.LoadAgent(v)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
			slog.SetDefault(logger)

			snapshots, err := agent.OpenSnapshots(cfg.SnapshotPath)
			if err != nil {
				return err
			}
			defer snapshots.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a := agent.New(agent.Config{
				URL:              cfg.ServerURL,
				RoomID:           cfg.RoomID,
				UserID:           cfg.UserID,
				DisplayName:      cfg.DisplayName,
				DiscoveryService: cfg.DiscoveryService,
			}, snapshots, logger)
			return a.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	flags.String("log-level", v.GetString(config.KeyLogLevel), "debug, info, warn or error")
	flags.String("server-url", "", "websocket URL of the sync server, e.g. ws://localhost:8081/ws")
	flags.String("room-id", "", "room to join")
	flags.String("user-id", "", "user id to join as")
	flags.String("display-name", "", "name shown to other members (defaults to the user id)")
	flags.String("snapshot-path", v.GetString(config.KeySnapshotPath), "bbolt file holding room snapshots")
	flags.Bool("discovery", false, "find the server over mDNS when no URL is given")
	cobra.CheckErr(config.BindFlags(v, flags,
		config.KeyLogLevel,
		config.KeyServerURL,
		config.KeyRoomID,
		config.KeyUserID,
		config.KeyDisplayName,
		config.KeySnapshotPath,
		config.KeyDiscovery,
	))
	return cmd
}

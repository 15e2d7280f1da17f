package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"collabtext/internal/config"
	"collabtext/internal/server"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "collabtext-server: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "collabtext-server",
		Short:         "Room synchronization server for CollabText",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ReadFile(v, cfgFile); err != nil {
				return err
			}
			cfg, err := config.LoadServer(v)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := server.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return srv.ListenAndServe(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	flags.String("listen-addr", v.GetString(config.KeyListenAddr), "address to serve websocket and HTTP on")
	flags.String("log-level", v.GetString(config.KeyLogLevel), "debug, info, warn or error")
	flags.Int("room-capacity", v.GetInt(config.KeyRoomCapacity), "members allowed in a room at once")
	flags.Int("chat-history", v.GetInt(config.KeyChatHistory), "chat messages kept per room")
	flags.Duration("reap-interval", v.GetDuration(config.KeyReapInterval), "how often stale connections are swept")
	flags.Duration("liveness-window", v.GetDuration(config.KeyLivenessWindow), "silence after which a connection counts as dead")
	flags.Duration("ping-interval", v.GetDuration(config.KeyPingInterval), "how often the server pings each connection")
	flags.String("room-lookup-url", "", "room service base URL for room existence checks")
	flags.String("redis-addr", "", "redis address for the room directory and content sink")
	flags.String("database-url", "", "postgres URL for the content sink")
	flags.String("s3-bucket", "", "S3 bucket for the content sink")
	flags.String("s3-endpoint", "", "endpoint of an S3-compatible store")
	flags.Bool("discovery", false, "advertise the server over mDNS")
	cobra.CheckErr(config.BindFlags(v, flags,
		config.KeyListenAddr,
		config.KeyLogLevel,
		config.KeyRoomCapacity,
		config.KeyChatHistory,
		config.KeyReapInterval,
		config.KeyLivenessWindow,
		config.KeyPingInterval,
		config.KeyRoomLookupURL,
		config.KeyRedisAddr,
		config.KeyDatabaseURL,
		config.KeyS3Bucket,
		config.KeyS3Endpoint,
		config.KeyDiscovery,
	))
	return cmd
}

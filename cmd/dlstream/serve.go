package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/adamwoolhether/dlstream/relay"
	"github.com/adamwoolhether/dlstream/web/server"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		addr           string
		maxSessions    int
		allowedOrigins []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the WebSocket stream relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				a.cfg.Addr = addr
			}
			if cmd.Flags().Changed("max-sessions") {
				a.cfg.MaxSessions = maxSessions
			}
			if cmd.Flags().Changed("allowed-origins") {
				a.cfg.AllowedOrigins = allowedOrigins
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return a.serve(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (env DLSTREAM_ADDR)")
	cmd.Flags().IntVar(&maxSessions, "max-sessions", 0, "concurrent stream sessions, 0 for no limit (env DLSTREAM_MAX_SESSIONS)")
	cmd.Flags().StringSliceVar(&allowedOrigins, "allowed-origins", nil, "browser origins allowed to connect (env DLSTREAM_ALLOWED_ORIGINS)")

	return cmd
}

func (a *app) serve(ctx context.Context) error {
	relayOpts := []relay.Option{
		relay.WithLogger(a.log),
		relay.WithMaxSessions(a.cfg.MaxSessions),
		relay.WithMaxSize(a.cfg.MaxSize),
		relay.WithAllowedOrigins(a.cfg.AllowedOrigins...),
		relay.WithStreamOptions(a.streamOptions()...),
	}
	if a.cfg.Throttled() {
		relayOpts = append(relayOpts, relay.WithThrottle(a.cfg.ThrottleRPS, a.cfg.ThrottleBurst))
	}

	rl, err := relay.New(relayOpts...)
	if err != nil {
		return err
	}

	opts := []server.Option{
		server.WithHost(a.cfg.Addr),
		server.WithLogger(a.log),
		server.WithShutdownTimeout(a.cfg.ShutdownTimeout),
		server.WithShutdownFunc(rl.Shutdown),
	}
	if a.cfg.TLSCertFile != "" {
		opts = append(opts, server.WithTLS(a.cfg.TLSCertFile, a.cfg.TLSKeyFile))
	}

	return server.New(rl.Handler(), opts...).Run(ctx)
}

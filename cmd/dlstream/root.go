package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/adamwoolhether/dlstream/internal/config"
	"github.com/adamwoolhether/dlstream/internal/logger"
	"github.com/adamwoolhether/dlstream/stream"
)

// app is the state shared by subcommands once the root has loaded it.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	closeLog io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	var (
		envFiles []string
		logLevel string
		logFile  string
	)

	root := &cobra.Command{
		Use:           "dlstream",
		Short:         "Stream HTTP downloads as data, complete and error events",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFiles...)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if cmd.Flags().Changed("log-file") {
				cfg.LogFile = logFile
			}

			log, closer, err := logger.New(cmd.ErrOrStderr(), logger.Config{Level: cfg.LogLevel, File: cfg.LogFile})
			if err != nil {
				return err
			}

			a.cfg, a.log, a.closeLog = cfg, log, closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.closeLog == nil {
				return nil
			}
			return a.closeLog.Close()
		},
	}

	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (env DLSTREAM_LOG_LEVEL)")
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this rotated file (env DLSTREAM_LOG_FILE)")

	root.AddCommand(newServeCmd(a), newFetchCmd(a), newEnvCmd())

	return root
}

// streamOptions turns the loaded configuration into streamer options.
// Throttling is left to the caller: the relay limits all its sessions
// together while a fetch owns its streamer.
func (a *app) streamOptions() []stream.Option {
	opts := []stream.Option{
		stream.WithLogger(a.log),
		stream.WithUserAgent(a.cfg.UserAgent),
	}

	if a.cfg.Timeout > 0 {
		opts = append(opts, stream.WithTimeout(a.cfg.Timeout))
	}

	return opts
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List the environment variables dlstream reads",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.Usage()
		},
	}
}

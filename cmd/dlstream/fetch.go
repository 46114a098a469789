package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/adamwoolhether/dlstream/stream"
)

type fetchFlags struct {
	maxSize  int64
	out      string
	checksum string
}

func newFetchCmd(a *app) *cobra.Command {
	var f fetchFlags

	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Stream one URL to a file or stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("max-size") {
				f.maxSize = a.cfg.MaxSize
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return a.fetch(ctx, args[0], f, cmd.OutOrStdout())
		},
	}

	cmd.Flags().Int64Var(&f.maxSize, "max-size", 0, "fail once the body exceeds this many bytes, 0 for no limit (env DLSTREAM_MAX_SIZE)")
	cmd.Flags().StringVarP(&f.out, "out", "o", "-", "destination file, - for stdout")
	cmd.Flags().StringVar(&f.checksum, "sha256", "", "expected hex SHA-256 of the body")

	return cmd
}

// fetch runs one transfer to completion. Interrupting ctx cancels it.
func (a *app) fetch(ctx context.Context, rawURL string, f fetchFlags, stdout io.Writer) (err error) {
	w := stdout
	if f.out != "" && f.out != "-" {
		file, cerr := os.Create(f.out)
		if cerr != nil {
			return fmt.Errorf("creating output: %w", cerr)
		}
		defer func() {
			if cerr := file.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("closing output: %w", cerr)
			}
		}()
		w = file
	}

	opts := a.streamOptions()
	if a.cfg.Throttled() {
		opts = append(opts, stream.WithThrottle(a.cfg.ThrottleRPS, a.cfg.ThrottleBurst))
	}

	var (
		streamer *stream.Streamer
		writeErr error
	)
	sink := stream.SinkFunc(func(ev stream.Event) {
		if ev.Kind() != stream.KindData {
			return
		}
		if _, err := w.Write(ev.Data); err != nil {
			writeErr = err
			streamer.Cancel()
		}
	})

	streamer, err = stream.New(sink, opts...)
	if err != nil {
		return err
	}

	req := stream.Request{URL: rawURL, MaxSize: f.maxSize}
	if f.checksum != "" {
		req.Checksum = &stream.Checksum{New: sha256.New, Expected: f.checksum}
	}

	t := streamer.Start(ctx, req)
	<-t.Done()

	switch {
	case writeErr != nil:
		return fmt.Errorf("writing output: %w", writeErr)
	case t.State() == stream.StateCancelled:
		return fmt.Errorf("fetch interrupted after %d bytes: %w", t.Bytes(), context.Cause(ctx))
	}

	if err := t.Err(); err != nil {
		return err
	}

	a.log.Info("fetch complete", "url", t.Request().URL, "max_size", t.Request().MaxSize, "bytes", t.Bytes(), "out", f.out)
	return nil
}

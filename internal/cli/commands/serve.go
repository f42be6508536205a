package commands

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/leapstack-labs/geoquery/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job consumer and the HTTP surface",
		Long: `Start the queue consumer and the HTTP server widgets talk to.

Pending jobs already in the table are processed at startup. After that the
consumer reacts to writes from this process, to writes from other processes
through a watch on the database file (--watch), and optionally to a poll
interval. Finished jobs older than queue.cleanup_max_age are removed hourly.`,
		Example: `  # Serve on the default address
  geoquery serve

  # Listen on all interfaces and poll every 5 seconds
  geoquery serve --addr 0.0.0.0:8765 --poll-interval 5s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}

	// These are read through the config layer, not bound to variables.
	cmd.Flags().String("addr", "", "HTTP listen address")
	cmd.Flags().Duration("poll-interval", 0, "Also sweep the queue on this interval (0 disables)")
	cmd.Flags().Bool("watch", true, "Watch the database file for writes by other processes")
	cmd.Flags().Int("max-history", 0, "Undo history length of the reactive store")

	return cmd
}

// cleanupInterval is how often serve removes aged jobs.
const cleanupInterval = time.Hour

func runServe(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmdCtx, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := cmdCtx.Cfg
	logger := cmdCtx.Logger

	pipeline, err := cmdCtx.NewPipeline()
	if err != nil {
		return err
	}

	srv := server.NewServer(server.Config{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		State:           pipeline.State,
		Jobs:            cmdCtx.Store,
		Runner:          pipeline.Consumer,
		Notices:         pipeline.Notices,
		Logger:          logger,
	})

	eg, egctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return srv.Serve(egctx)
	})

	if !cfg.Queue.Enabled {
		logger.Info("queue consumer disabled by configuration")
		return eg.Wait()
	}

	// Subscribe before Init so writes landing during the startup sweep
	// still produce a ping.
	changes := cmdCtx.Store.Changes().Subscribe()
	defer cmdCtx.Store.Changes().Unsubscribe(changes)

	if err := pipeline.Consumer.Init(egctx); err != nil {
		// The consumer disabled itself; the HTTP surface keeps running.
		logger.Error("queue consumer not started", "error", err)
		return eg.Wait()
	}

	eg.Go(func() error {
		return pipeline.Consumer.Run(egctx, changes, cfg.Queue.PollInterval)
	})

	if cfg.Queue.Watch && cfg.StatePath != ":memory:" {
		eg.Go(func() error {
			if err := cmdCtx.Store.Watch(egctx, cfg.Queue.Debounce); err != nil {
				logger.Warn("database watch stopped", "error", err)
			}
			return nil
		})
	}

	if cfg.Queue.CleanupMaxAge > 0 {
		eg.Go(func() error {
			runCleanupLoop(egctx, cmdCtx, pipeline, cfg.Queue.CleanupMaxAge)
			return nil
		})
	}

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runCleanupLoop(ctx context.Context, cmdCtx *CommandContext, pipeline *Pipeline, maxAge time.Duration) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := pipeline.Consumer.Cleanup(ctx, maxAge); err != nil && ctx.Err() == nil {
				cmdCtx.Logger.Warn("job cleanup failed", "error", err)
			}
		}
	}
}

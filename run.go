package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/stagesync/internal/admin"
	"github.com/tonimelisma/stagesync/internal/config"
	"github.com/tonimelisma/stagesync/internal/sync"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the sync daemon in the foreground: watch the source tree, reconcile on
schedule, and serve the admin API. Publishing happens only when an operator
starts the worker.

The first SIGINT or SIGTERM shuts down gracefully; a second one exits
immediately.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			return runDaemon(shutdownContext(cmd.Context(), cc.Logger), cc.Cfg, cc.Logger)
		},
	}

	cmd.Flags().String(flagSourceDir, "", "source directory (overrides config)")
	cmd.Flags().String(flagStagingDir, "", "staging directory (overrides config)")
	cmd.Flags().String(flagTargetDir, "", "target directory (overrides config)")

	return cmd
}

// runDaemon validates and prepares the directories, takes the PID lock,
// starts the engine and the admin API, and blocks until ctx is cancelled.
func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := config.ValidateResolved(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if err := config.PrepareDirs(cfg); err != nil {
		return fmt.Errorf("preparing directories: %w", err)
	}

	cleanup, err := writePIDFile(cfg.PIDFilePath())
	if err != nil {
		return err
	}
	defer cleanup()

	engine, err := sync.NewEngine(ctx, &sync.EngineConfig{
		DBPath:            cfg.DBPath(),
		SourceDir:         cfg.Paths.SourceDir,
		StagingDir:        cfg.Paths.StagingDir,
		TargetDir:         cfg.Paths.TargetDir,
		WatcherEnabled:    cfg.Watcher.Enabled,
		ReconcileEnabled:  cfg.Reconcile.Enabled,
		ReconcileSchedule: cfg.Reconcile.Schedule,
		BatchSize:         cfg.Worker.BatchSize,
		StripSuffix:       cfg.Worker.StripSuffix,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	server := admin.NewServer(engine, cfg.Admin.ListenAddr, cfg.StatusInterval(), logger)

	ln, err := server.Listen()
	if err != nil {
		return err
	}

	// The engine outlives ctx: shutdown below needs a live run context
	// until components are stopped in order.
	if err := engine.Start(context.WithoutCancel(ctx)); err != nil {
		ln.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Serve(ln)
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()

		logger.Info("shutting down", slog.Duration("timeout", cfg.ShutdownTimeout()))

		return errors.Join(server.Shutdown(shutdownCtx), engine.Shutdown(shutdownCtx))
	})

	return g.Wait()
}

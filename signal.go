package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// forceExitCode is the exit status after a second interrupt.
const forceExitCode = 130

// shutdownContext returns a context that cancels on the first SIGINT or
// SIGTERM and force-exits on the second, so a hung shutdown can still be
// interrupted.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return watchSignals(parent, sigCh, func() { signal.Stop(sigCh) }, logger, os.Exit)
}

// watchSignals implements shutdownContext over an injectable signal channel
// and exit function.
func watchSignals(
	parent context.Context, sigCh <-chan os.Signal, stop func(), logger *slog.Logger, exit func(int),
) context.Context {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		defer stop()

		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down",
				slog.String("signal", sig.String()),
			)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing exit",
				slog.String("signal", sig.String()),
			)
			exit(forceExitCode)
		case <-parent.Done():
			return
		}
	}()

	return ctx
}

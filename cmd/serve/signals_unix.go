//go:build unix

package serve

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/graphchat/lib/engine"
)

// handleSignals sets up signal handlers for:
// - SIGTERM, SIGINT, SIGHUP: cancel ctx so the server shuts down
// - SIGUSR1: log the engine state without exiting
func handleSignals(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger, eng *engine.Engine) {
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		defer signal.Stop(shutdownCh)
		select {
		case sig := <-shutdownCh:
			logger.Info("Received shutdown signal, initiating graceful shutdown", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	dumpCh := make(chan os.Signal, 1)
	signal.Notify(dumpCh, syscall.SIGUSR1)
	go func() {
		defer signal.Stop(dumpCh)
		for {
			select {
			case <-dumpCh:
				logState(logger, eng)
			case <-ctx.Done():
				return
			}
		}
	}()
}

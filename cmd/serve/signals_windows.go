//go:build windows

package serve

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/coder/graphchat/lib/engine"
)

// handleSignals sets up signal handlers for Windows.
func handleSignals(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger, _ *engine.Engine) {
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt)
	go func() {
		defer signal.Stop(shutdownCh)
		select {
		case sig := <-shutdownCh:
			logger.Info("Received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
}

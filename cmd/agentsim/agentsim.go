package agentsim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"github.com/coder/graphchat/cmd/internal/cliflags"
	"github.com/coder/graphchat/lib/agentsim"
)

const (
	FlagPort   = "port"
	FlagScript = "script"
)

func flagSpecs() []cliflags.Spec {
	return []cliflags.Spec{
		{Name: FlagPort, Shorthand: "p", DefaultValue: 8000, Usage: "Port to serve the simulated agent on", FlagType: "int"},
		{Name: FlagScript, DefaultValue: "", Usage: "YAML script of turns to play. The built-in patching walkthrough is used when empty", FlagType: "string"},
		{Name: cliflags.FlagLogLevel, DefaultValue: "info", Usage: "Log level (debug, info, warn, error)", FlagType: "string"},
	}
}

func loadScript(path string) (agentsim.Script, error) {
	if path == "" {
		return agentsim.DefaultScript(), nil
	}
	return agentsim.LoadScript(path)
}

func runAgentsim(ctx context.Context, logger *slog.Logger) error {
	script, err := loadScript(viper.GetString(FlagScript))
	if err != nil {
		return xerrors.Errorf("failed to load script: %w", err)
	}
	sim := agentsim.New(script, agentsim.Config{Logger: logger})

	addr := fmt.Sprintf(":%d", viper.GetInt(FlagPort))
	srv := &http.Server{
		Addr:              addr,
		Handler:           sim.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down simulator", "error", err)
		}
	}()

	logger.Info("Simulated agent listening", "addr", addr, "turns", len(script.Turns))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return xerrors.Errorf("failed to serve: %w", err)
	}
	return nil
}

func CreateAgentsimCmd() *cobra.Command {
	specs := flagSpecs()
	simCmd := &cobra.Command{
		Use:   "agentsim",
		Short: "Run a scripted graph agent backend",
		Long:  "Serve the graph agent start and resume endpoints from a YAML script, for demos and tests without a real agent.",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return cliflags.Bind(cmd, specs)
		},
		Run: func(cmd *cobra.Command, args []string) {
			if viper.GetBool(cliflags.FlagExit) {
				return
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := runAgentsim(ctx, cliflags.NewLogger(os.Stderr)); err != nil {
				fmt.Fprintf(os.Stderr, "%+v\n", err)
				os.Exit(1)
			}
		},
	}
	cliflags.Register(simCmd, specs)
	return simCmd
}

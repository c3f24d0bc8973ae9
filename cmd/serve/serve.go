package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"github.com/coder/graphchat/cmd/internal/cliflags"
	"github.com/coder/graphchat/lib/engine"
	"github.com/coder/graphchat/lib/httpapi"
	"github.com/coder/graphchat/lib/logctx"
	"github.com/coder/graphchat/lib/storage"
	"github.com/coder/graphchat/lib/threadstore"
)

const (
	FlagPort           = "port"
	FlagAllowedHosts   = "allowed-hosts"
	FlagAllowedOrigins = "allowed-origins"
	FlagPrintOpenAPI   = "print-openapi"
	FlagPidFile        = "pid-file"
)

func flagSpecs() []cliflags.Spec {
	return append(cliflags.Common(),
		cliflags.Spec{Name: FlagPort, Shorthand: "p", DefaultValue: 3284, Usage: "Port to run the server on", FlagType: "int"},
		// Port is ignored during host matching.
		cliflags.Spec{Name: FlagAllowedHosts, Shorthand: "a", DefaultValue: []string{"localhost", "127.0.0.1", "[::1]"}, Usage: "HTTP allowed hosts (hostnames only, no ports). Use '*' for all, comma-separated list via flag, space-separated list via GRAPHCHAT_ALLOWED_HOSTS env var", FlagType: "stringSlice"},
		cliflags.Spec{Name: FlagAllowedOrigins, Shorthand: "o", DefaultValue: []string{"http://localhost:3284", "http://localhost:5173"}, Usage: "HTTP allowed origins. Use '*' for all, comma-separated list via flag, space-separated list via GRAPHCHAT_ALLOWED_ORIGINS env var", FlagType: "stringSlice"},
		cliflags.Spec{Name: FlagPrintOpenAPI, Shorthand: "P", DefaultValue: false, Usage: "Print the OpenAPI schema to stdout and exit", FlagType: "bool"},
		cliflags.Spec{Name: FlagPidFile, DefaultValue: "", Usage: "Path to file where the server process ID will be written for shutdown scripts", FlagType: "string"},
	)
}

func runServe(ctx context.Context, logger *slog.Logger) error {
	printOpenAPI := viper.GetBool(FlagPrintOpenAPI)

	pidFile := viper.GetString(FlagPidFile)
	if pidFile != "" && !printOpenAPI {
		if err := writePIDFile(pidFile, logger); err != nil {
			return xerrors.Errorf("failed to write PID file: %w", err)
		}
		defer cleanupPIDFile(pidFile, logger)
	}

	emitter := httpapi.NewEventEmitter()
	var eng *engine.Engine
	if printOpenAPI {
		// The schema does not depend on stored state.
		e, err := memoryEngine(ctx, emitter)
		if err != nil {
			return xerrors.Errorf("failed to create engine: %w", err)
		}
		eng = e
	} else {
		e, closeStore, err := engine.Setup(ctx, cliflags.SetupConfig(), emitter)
		if err != nil {
			return xerrors.Errorf("failed to set up engine: %w", err)
		}
		defer func() {
			if err := closeStore(); err != nil {
				logger.Error("Failed to close storage", "error", err)
			}
		}()
		eng = e
	}

	port := viper.GetInt(FlagPort)
	srv, err := httpapi.NewServer(ctx, httpapi.ServerConfig{
		Engine:         eng,
		Emitter:        emitter,
		Port:           port,
		AllowedHosts:   viper.GetStringSlice(FlagAllowedHosts),
		AllowedOrigins: viper.GetStringSlice(FlagAllowedOrigins),
	})
	if err != nil {
		return xerrors.Errorf("failed to create server: %w", err)
	}
	if printOpenAPI {
		fmt.Println(srv.GetOpenAPI())
		return nil
	}

	gracefulCtx, gracefulCancel := context.WithCancel(ctx)
	defer gracefulCancel()
	handleSignals(gracefulCtx, gracefulCancel, logger, eng)

	logger.Info("Starting server on port", "port", port)
	serverErrCh := make(chan error, 1)
	go func() {
		defer close(serverErrCh)
		if err := srv.Start(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	select {
	case err := <-serverErrCh:
		if err != nil {
			return xerrors.Errorf("failed to start server: %w", err)
		}
	case <-gracefulCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop HTTP server", "error", err)
	}
	return nil
}

func memoryEngine(ctx context.Context, emitter engine.Emitter) (*engine.Engine, error) {
	kv, err := storage.NewFileKV(afero.NewMemMapFs(), "/")
	if err != nil {
		return nil, err
	}
	store, err := threadstore.Open(ctx, kv, threadstore.Config{})
	if err != nil {
		return nil, err
	}
	return engine.New(ctx, engine.Config{Store: store}, emitter)
}

// writePIDFile writes the current process ID to pidFile. It refuses to
// replace the file of a server that is still running.
func writePIDFile(pidFile string, logger *slog.Logger) error {
	if data, err := os.ReadFile(pidFile); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid != os.Getpid() && isProcessRunning(pid) {
			return xerrors.Errorf("another server is running with pid %d", pid)
		}
		logger.Info("Replacing stale PID file", "pidFile", pidFile)
	}

	pid := os.Getpid()
	if err := os.MkdirAll(filepath.Dir(pidFile), 0o700); err != nil {
		return xerrors.Errorf("failed to create PID file directory: %w", err)
	}
	if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", pid)), 0o600); err != nil {
		return xerrors.Errorf("failed to write PID file: %w", err)
	}
	logger.Info("Wrote PID file", "pidFile", pidFile, "pid", pid)
	return nil
}

// cleanupPIDFile removes the PID file if it exists
func cleanupPIDFile(pidFile string, logger *slog.Logger) {
	if err := os.Remove(pidFile); err != nil && !os.IsNotExist(err) {
		logger.Error("Failed to remove PID file", "pidFile", pidFile, "error", err)
	} else if err == nil {
		logger.Info("Removed PID file", "pidFile", pidFile)
	}
}

func CreateServeCmd() *cobra.Command {
	specs := flagSpecs()
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the conversation engine behind an HTTP API",
		Long:  "Run the conversation engine and expose its state and operations over HTTP, with a server-sent event feed of changes.",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return cliflags.Bind(cmd, specs)
		},
		Run: func(cmd *cobra.Command, args []string) {
			// The --exit flag is used for testing validation of flags in the test suite
			if viper.GetBool(cliflags.FlagExit) {
				return
			}
			logger := cliflags.NewLogger(os.Stderr)
			if viper.GetBool(FlagPrintOpenAPI) {
				// We don't want log output here.
				logger = slog.New(logctx.DiscardHandler)
			}
			ctx := logctx.WithLogger(context.Background(), logger)
			if err := runServe(ctx, logger); err != nil {
				fmt.Fprintf(os.Stderr, "%+v\n", err)
				os.Exit(1)
			}
		},
	}
	cliflags.Register(serveCmd, specs)
	return serveCmd
}

// Package cliflags holds the flag table shared by the graphchat commands.
// Flags are bound to viper when a command runs, so commands that share a flag
// name never read each other's values.
package cliflags

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/coder/graphchat/lib/agentclient"
	"github.com/coder/graphchat/lib/engine"
	"github.com/coder/graphchat/lib/logctx"
	"github.com/coder/graphchat/lib/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"
)

const EnvPrefix = "GRAPHCHAT"

const (
	FlagBaseURL  = "base-url"
	FlagStateDir = "state-dir"
	FlagStorage  = "storage"
	FlagLogLevel = "log-level"
	FlagExit     = "exit"
)

type Spec struct {
	Name         string
	Shorthand    string
	DefaultValue any
	Usage        string
	FlagType     string
}

// Common are the flags of every command that runs an engine.
func Common() []Spec {
	backends := make([]string, 0, len(storage.BackendValues))
	for _, b := range storage.BackendValues {
		backends = append(backends, string(b))
	}
	return []Spec{
		{FlagBaseURL, "u", agentclient.DefaultBaseURL, "Base URL of the graph agent backend", "string"},
		{FlagStateDir, "d", DefaultStateDir(), "Directory holding threads and transcripts", "string"},
		{FlagStorage, "s", string(storage.BackendBolt), fmt.Sprintf("Storage backend (one of: %s)", strings.Join(backends, ", ")), "string"},
		{FlagLogLevel, "", "info", "Log level (debug, info, warn, error)", "string"},
	}
}

// DefaultStateDir is graphchat under the user config directory, or under the
// working directory when there is none.
func DefaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".graphchat"
	}
	return filepath.Join(dir, "graphchat")
}

// Register defines specs on cmd, plus the hidden --exit flag used to test
// argument parsing.
func Register(cmd *cobra.Command, specs []Spec) {
	for _, spec := range specs {
		switch spec.FlagType {
		case "string":
			cmd.Flags().StringP(spec.Name, spec.Shorthand, spec.DefaultValue.(string), spec.Usage)
		case "int":
			cmd.Flags().IntP(spec.Name, spec.Shorthand, spec.DefaultValue.(int), spec.Usage)
		case "bool":
			cmd.Flags().BoolP(spec.Name, spec.Shorthand, spec.DefaultValue.(bool), spec.Usage)
		case "stringSlice":
			cmd.Flags().StringSliceP(spec.Name, spec.Shorthand, spec.DefaultValue.([]string), spec.Usage)
		default:
			panic(fmt.Sprintf("unknown flag type: %s", spec.FlagType))
		}
	}
	cmd.Flags().Bool(FlagExit, false, "Exit immediately after parsing arguments")
	if err := cmd.Flags().MarkHidden(FlagExit); err != nil {
		panic(fmt.Sprintf("failed to mark flag %s as hidden: %v", FlagExit, err))
	}
}

// Bind points the viper keys of specs at cmd's flags and enables the
// GRAPHCHAT_ environment overrides.
func Bind(cmd *cobra.Command, specs []Spec) error {
	for _, spec := range append(specs, Spec{Name: FlagExit}) {
		if err := viper.BindPFlag(spec.Name, cmd.Flags().Lookup(spec.Name)); err != nil {
			return xerrors.Errorf("failed to bind flag %s: %w", spec.Name, err)
		}
	}
	viper.SetEnvPrefix(EnvPrefix)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	return nil
}

// NewLogger returns a text logger at the configured level.
func NewLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logctx.ParseLevel(viper.GetString(FlagLogLevel)),
	}))
}

// SetupConfig reads the engine settings of Common.
func SetupConfig() engine.SetupConfig {
	return engine.SetupConfig{
		StateDir: viper.GetString(FlagStateDir),
		Backend:  storage.Backend(viper.GetString(FlagStorage)),
		BaseURL:  viper.GetString(FlagBaseURL),
	}
}

package engine

import (
	"context"
	"os"

	"github.com/coder/graphchat/lib/agentclient"
	"github.com/coder/graphchat/lib/logctx"
	"github.com/coder/graphchat/lib/storage"
	"github.com/coder/graphchat/lib/threadstore"
	"golang.org/x/xerrors"
)

type SetupConfig struct {
	StateDir string
	Backend  storage.Backend
	BaseURL  string
}

// Setup opens the device-local store under StateDir and builds an engine on
// it. The returned close func releases the store.
func Setup(ctx context.Context, config SetupConfig, emitter Emitter) (*Engine, func() error, error) {
	logger := logctx.From(ctx)
	if config.StateDir == "" {
		return nil, nil, xerrors.New("state directory is required")
	}
	if err := os.MkdirAll(config.StateDir, 0o700); err != nil {
		return nil, nil, xerrors.Errorf("failed to create state directory: %w", err)
	}
	kv, err := storage.Open(config.Backend, config.StateDir)
	if err != nil {
		return nil, nil, xerrors.Errorf("failed to open storage: %w", err)
	}
	logger.Info("Opened storage", "backend", config.Backend, "dir", config.StateDir)

	store, err := threadstore.Open(ctx, kv, threadstore.Config{})
	if err != nil {
		_ = kv.Close()
		return nil, nil, xerrors.Errorf("failed to open thread store: %w", err)
	}
	e, err := New(ctx, Config{
		Store:     store,
		Transport: agentclient.New(config.BaseURL),
		BaseURL:   config.BaseURL,
		Logger:    logger,
	}, emitter)
	if err != nil {
		_ = kv.Close()
		return nil, nil, xerrors.Errorf("failed to create engine: %w", err)
	}
	logger.Info("Agent backend", "baseURL", e.cfg.BaseURL, "threads", len(store.List()))
	return e, kv.Close, nil
}

// Package storage is the device-local key/value store behind the thread store.
package storage

import (
	"context"
	"path/filepath"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// Entry is one key/value pair of a batch write.
type Entry struct {
	Key   string
	Value []byte
}

// KV is a flat byte store. Get returns a nil value and no error for a missing
// key. The bolt and sqlite backends apply a PutBatch in one transaction;
// FileKV only guarantees that a failed batch replaces a prefix of its entries.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	PutBatch(ctx context.Context, entries ...Entry) error
	Close() error
}

type Backend string

const (
	BackendBolt   Backend = "bolt"
	BackendSQLite Backend = "sqlite"
	BackendFile   Backend = "file"
)

var BackendValues = []Backend{
	BackendBolt,
	BackendSQLite,
	BackendFile,
}

// Open opens the backend's store under dir.
func Open(backend Backend, dir string) (KV, error) {
	switch backend {
	case BackendBolt, "":
		return OpenBolt(filepath.Join(dir, "graphchat.db"))
	case BackendSQLite:
		return OpenSQLite(filepath.Join(dir, "graphchat.sqlite"))
	case BackendFile:
		return NewFileKV(afero.NewOsFs(), filepath.Join(dir, "state"))
	default:
		return nil, xerrors.Errorf("unknown storage backend: %q", backend)
	}
}

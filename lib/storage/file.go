package storage

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// FileKV keeps one file per key under a directory of an afero filesystem.
// Writes go to a temp file first and are renamed into place.
type FileKV struct {
	fs  afero.Fs
	dir string
	mu  sync.Mutex
}

var _ KV = (*FileKV)(nil)

func NewFileKV(fs afero.Fs, dir string) (*FileKV, error) {
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return nil, xerrors.Errorf("failed to create state directory: %w", err)
	}
	return &FileKV{fs: fs, dir: dir}, nil
}

func (f *FileKV) path(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key)+".json")
}

func (f *FileKV) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := afero.ReadFile(f.fs, f.path(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("failed to read %q: %w", key, err)
	}
	return data, nil
}

func (f *FileKV) Put(ctx context.Context, key string, value []byte) error {
	return f.PutBatch(ctx, Entry{Key: key, Value: value})
}

// PutBatch writes every temp file before renaming any of them, so a failed
// write leaves all keys untouched. Renames are per key: if one fails, keys
// renamed before it keep their new value. No temp files are left behind.
func (f *FileKV) PutBatch(_ context.Context, entries ...Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	temps := make([]string, 0, len(entries))
	cleanup := func() {
		for _, tmp := range temps {
			_ = f.fs.Remove(tmp)
		}
	}
	for _, e := range entries {
		tmp := f.path(e.Key) + ".tmp"
		if err := afero.WriteFile(f.fs, tmp, e.Value, 0o600); err != nil {
			cleanup()
			return xerrors.Errorf("failed to write temp file for %q: %w", e.Key, err)
		}
		temps = append(temps, tmp)
	}
	for i, e := range entries {
		if err := f.fs.Rename(temps[i], f.path(e.Key)); err != nil {
			cleanup()
			return xerrors.Errorf("failed to rename state file for %q: %w", e.Key, err)
		}
	}
	return nil
}

func (f *FileKV) Close() error {
	return nil
}

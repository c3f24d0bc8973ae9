package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]func(t *testing.T) KV {
	return map[string]func(t *testing.T) KV{
		"bolt": func(t *testing.T) KV {
			kv, err := OpenBolt(filepath.Join(t.TempDir(), "test.db"))
			require.NoError(t, err)
			return kv
		},
		"sqlite": func(t *testing.T) KV {
			kv, err := OpenSQLite(filepath.Join(t.TempDir(), "test.sqlite"))
			require.NoError(t, err)
			return kv
		},
		"file": func(t *testing.T) KV {
			kv, err := NewFileKV(afero.NewMemMapFs(), "/state")
			require.NoError(t, err)
			return kv
		},
	}
}

func TestKV(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			kv := open(t)
			defer kv.Close()

			value, err := kv.Get(ctx, "missing")
			require.NoError(t, err)
			assert.Nil(t, value)

			require.NoError(t, kv.Put(ctx, "chat_threads", []byte(`[]`)))
			value, err = kv.Get(ctx, "chat_threads")
			require.NoError(t, err)
			assert.Equal(t, []byte(`[]`), value)

			require.NoError(t, kv.Put(ctx, "chat_threads", []byte(`[{"id":"a"}]`)))
			value, err = kv.Get(ctx, "chat_threads")
			require.NoError(t, err)
			assert.Equal(t, []byte(`[{"id":"a"}]`), value)

			require.NoError(t, kv.PutBatch(ctx,
				Entry{Key: "active_thread_id", Value: []byte("a")},
				Entry{Key: "chat_messages:a/b", Value: []byte(`[]`)},
			))
			value, err = kv.Get(ctx, "active_thread_id")
			require.NoError(t, err)
			assert.Equal(t, []byte("a"), value)
			value, err = kv.Get(ctx, "chat_messages:a/b")
			require.NoError(t, err)
			assert.Equal(t, []byte(`[]`), value)
		})
	}
}

func TestBoltReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "test.db")
	kv, err := OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, kv.Put(ctx, "k", []byte("v")))
	require.NoError(t, kv.Close())
	require.NoError(t, kv.Close())

	kv, err = OpenBolt(path)
	require.NoError(t, err)
	defer kv.Close()
	value, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}

func TestFileKVBatchFailedWrite(t *testing.T) {
	ctx := context.Background()
	base := afero.NewMemMapFs()
	kv, err := NewFileKV(base, "/state")
	require.NoError(t, err)
	require.NoError(t, kv.Put(ctx, "a", []byte("old")))

	// a read-only view fails every write
	ro := &FileKV{fs: afero.NewReadOnlyFs(base), dir: "/state"}
	err = ro.PutBatch(ctx, Entry{Key: "a", Value: []byte("new")}, Entry{Key: "b", Value: []byte("new")})
	require.Error(t, err)

	value, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), value)
	value, err = kv.Get(ctx, "b")
	require.NoError(t, err)
	assert.Nil(t, value)
}

// renameFailFs fails every rename after the first allowed ones.
type renameFailFs struct {
	afero.Fs
	allowed int
}

func (r *renameFailFs) Rename(oldname, newname string) error {
	if r.allowed == 0 {
		return os.ErrPermission
	}
	r.allowed--
	return r.Fs.Rename(oldname, newname)
}

func TestFileKVBatchFailedRename(t *testing.T) {
	ctx := context.Background()
	base := afero.NewMemMapFs()
	kv, err := NewFileKV(base, "/state")
	require.NoError(t, err)
	require.NoError(t, kv.PutBatch(ctx, Entry{Key: "a", Value: []byte("old")}, Entry{Key: "b", Value: []byte("old")}))

	flaky := &FileKV{fs: &renameFailFs{Fs: base, allowed: 1}, dir: "/state"}
	err = flaky.PutBatch(ctx, Entry{Key: "a", Value: []byte("new")}, Entry{Key: "b", Value: []byte("new")})
	require.ErrorIs(t, err, os.ErrPermission)

	value, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), value)
	value, err = kv.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), value)

	names, err := afero.Glob(base, "/state/*.tmp")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	for _, backend := range BackendValues {
		kv, err := Open(backend, dir)
		require.NoError(t, err, backend)
		require.NoError(t, kv.Close())
	}
	_, err := Open("etcd", dir)
	require.Error(t, err)
}

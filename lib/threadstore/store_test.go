package threadstore_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/coder/graphchat/lib/chat"
	"github.com/coder/graphchat/lib/storage"
	"github.com/coder/graphchat/lib/threadstore"
	"github.com/coder/quartz"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func newKV(t *testing.T) storage.KV {
	t.Helper()
	kv, err := storage.NewFileKV(afero.NewMemMapFs(), "/state")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("thread-%d", n)
	}
}

func openStore(t *testing.T, kv storage.KV) (*threadstore.Store, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := threadstore.Open(context.Background(), kv, threadstore.Config{
		Clock: clock,
		NewID: sequentialIDs(),
	})
	require.NoError(t, err)
	return store, clock
}

// failingKV fails writes while broken is set.
type failingKV struct {
	storage.KV
	broken bool
}

var errDiskFull = xerrors.New("disk full")

func (f *failingKV) Put(ctx context.Context, key string, value []byte) error {
	if f.broken {
		return errDiskFull
	}
	return f.KV.Put(ctx, key, value)
}

func (f *failingKV) PutBatch(ctx context.Context, entries ...storage.Entry) error {
	if f.broken {
		return errDiskFull
	}
	return f.KV.PutBatch(ctx, entries...)
}

func TestOpenEmpty(t *testing.T) {
	store, _ := openStore(t, newKV(t))
	assert.Empty(t, store.List())
	assert.Equal(t, "", store.ActiveID())
	_, ok := store.Active()
	assert.False(t, ok)
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	store, clock := openStore(t, newKV(t))

	first, err := store.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, "thread-1", first.ID)
	assert.Equal(t, chat.DefaultThreadTitle, first.Title)
	assert.Equal(t, clock.Now(), first.CreatedAt)
	assert.True(t, first.IsActive)

	clock.Advance(time.Minute)
	second, err := store.Create(ctx)
	require.NoError(t, err)

	threads := store.List()
	require.Len(t, threads, 2)
	assert.Equal(t, second.ID, threads[0].ID, "newest first")
	assert.True(t, threads[0].IsActive)
	assert.Equal(t, first.ID, threads[1].ID)
	assert.False(t, threads[1].IsActive)
	assert.Equal(t, second.ID, store.ActiveID())
}

func TestReload(t *testing.T) {
	ctx := context.Background()
	kv := newKV(t)
	store, _ := openStore(t, kv)

	first, err := store.Create(ctx)
	require.NoError(t, err)
	_, err = store.Create(ctx)
	require.NoError(t, err)
	_, err = store.Select(ctx, first.ID)
	require.NoError(t, err)
	require.NoError(t, store.SetTitle(ctx, first.ID, "Patch all Windows hosts"))
	require.NoError(t, store.MarkStarted(ctx, first.ID))
	messages := []chat.Message{
		{ID: "m1", Role: chat.RoleUser, Content: "Patch all Windows hosts", Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		{ID: "m2", Role: chat.RoleAssistant, Content: "Checking...", Timestamp: time.Date(2025, 3, 1, 12, 0, 1, 0, time.UTC)},
		{
			ID:               "m3",
			Role:             chat.RoleUser,
			Content:          `["h1"]`,
			Timestamp:        time.Date(2025, 3, 1, 12, 0, 2, 0, time.UTC),
			SelectionSummary: &chat.SelectionSummary{Label: "Selected items", Items: []string{"web-01"}},
		},
	}
	require.NoError(t, store.PersistMessages(ctx, first.ID, messages))

	reloaded, _ := openStore(t, kv)
	assert.Equal(t, store.List(), reloaded.List())
	assert.Equal(t, first.ID, reloaded.ActiveID())

	active, ok := reloaded.Active()
	require.True(t, ok)
	assert.Equal(t, "Patch all Windows hosts", active.Title)
	assert.True(t, active.Titled)
	assert.True(t, active.Started)

	loaded, err := reloaded.Messages(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, messages, loaded)
}

func TestOpenReconcilesActiveFlags(t *testing.T) {
	ctx := context.Background()
	kv := newKV(t)
	require.NoError(t, kv.PutBatch(ctx,
		storage.Entry{Key: "chat_threads", Value: []byte(`[
			{"id":"a","title":"A","createdAt":"2025-03-01T12:00:00Z","isActive":true},
			{"id":"b","title":"B","createdAt":"2025-03-01T11:00:00Z","isActive":true}
		]`)},
		storage.Entry{Key: "active_thread_id", Value: []byte("b")},
	))

	store, _ := openStore(t, kv)
	threads := store.List()
	require.Len(t, threads, 2)
	assert.False(t, threads[0].IsActive)
	assert.True(t, threads[1].IsActive)

	t.Run("DanglingActiveID", func(t *testing.T) {
		require.NoError(t, kv.Put(ctx, "active_thread_id", []byte("gone")))
		store, _ := openStore(t, kv)
		assert.Equal(t, "", store.ActiveID())
		for _, thread := range store.List() {
			assert.False(t, thread.IsActive)
		}
	})
}

func TestOpenCorrupted(t *testing.T) {
	kv := newKV(t)
	require.NoError(t, kv.Put(context.Background(), "chat_threads", []byte(`{not json`)))
	_, err := threadstore.Open(context.Background(), kv, threadstore.Config{})
	require.Error(t, err)
}

func TestSelect(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t, newKV(t))

	first, err := store.Create(ctx)
	require.NoError(t, err)
	second, err := store.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, store.PersistMessages(ctx, first.ID, []chat.Message{
		{ID: "m1", Role: chat.RoleUser, Content: "hello"},
	}))

	messages, err := store.Select(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Content)
	assert.Equal(t, first.ID, store.ActiveID())

	t.Run("Idempotent", func(t *testing.T) {
		before := store.List()
		again, err := store.Select(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, messages, again)
		assert.Equal(t, before, store.List())
	})

	t.Run("EmptyTranscript", func(t *testing.T) {
		messages, err := store.Select(ctx, second.ID)
		require.NoError(t, err)
		assert.NotNil(t, messages)
		assert.Empty(t, messages)
	})

	t.Run("UnknownThread", func(t *testing.T) {
		_, err := store.Select(ctx, "nope")
		require.ErrorIs(t, err, threadstore.ErrThreadNotFound)
		assert.Equal(t, second.ID, store.ActiveID())
	})
}

func TestFailedWriteKeepsState(t *testing.T) {
	ctx := context.Background()
	kv := &failingKV{KV: newKV(t)}
	store, _ := openStore(t, kv)

	first, err := store.Create(ctx)
	require.NoError(t, err)
	second, err := store.Create(ctx)
	require.NoError(t, err)
	before := store.List()

	kv.broken = true
	_, err = store.Create(ctx)
	require.ErrorIs(t, err, errDiskFull)
	_, err = store.Select(ctx, first.ID)
	require.ErrorIs(t, err, errDiskFull)
	err = store.SetTitle(ctx, second.ID, "title")
	require.ErrorIs(t, err, errDiskFull)
	err = store.PersistMessages(ctx, second.ID, nil)
	require.ErrorIs(t, err, errDiskFull)

	assert.Equal(t, before, store.List())
	assert.Equal(t, second.ID, store.ActiveID())

	kv.broken = false
	reloaded, _ := openStore(t, kv)
	assert.Equal(t, before, reloaded.List())
	assert.Equal(t, second.ID, reloaded.ActiveID())
}

func TestUpdateUnknownThread(t *testing.T) {
	store, _ := openStore(t, newKV(t))
	require.ErrorIs(t, store.SetTitle(context.Background(), "nope", "x"), threadstore.ErrThreadNotFound)
	require.ErrorIs(t, store.MarkStarted(context.Background(), "nope"), threadstore.ErrThreadNotFound)
}

// Package threadstore keeps the device-local list of conversation threads and
// each thread's transcript.
package threadstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/coder/graphchat/lib/chat"
	"github.com/coder/graphchat/lib/storage"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

const (
	threadsKey        = "chat_threads"
	activeThreadKey   = "active_thread_id"
	messagesKeyPrefix = "chat_messages:"
)

var ErrThreadNotFound = xerrors.New("thread not found")

// MessagesKey is the storage key of a thread's transcript.
func MessagesKey(threadID string) string {
	return messagesKeyPrefix + threadID
}

type Config struct {
	Clock quartz.Clock
	NewID func() string
}

// Store mirrors the persisted thread list in memory. The in-memory list and
// active id only change after the matching write succeeded.
type Store struct {
	kv    storage.KV
	clock quartz.Clock
	newID func() string

	mu       sync.Mutex
	threads  []chat.Thread
	activeID string
}

// Open restores the thread list and the active thread id from kv.
func Open(ctx context.Context, kv storage.KV, cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	s := &Store{
		kv:      kv,
		clock:   cfg.Clock,
		newID:   cfg.NewID,
		threads: []chat.Thread{},
	}

	data, err := kv.Get(ctx, threadsKey)
	if err != nil {
		return nil, xerrors.Errorf("failed to read thread list: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.threads); err != nil {
			return nil, xerrors.Errorf("failed to unmarshal thread list (corrupted or invalid JSON): %w", err)
		}
	}
	active, err := kv.Get(ctx, activeThreadKey)
	if err != nil {
		return nil, xerrors.Errorf("failed to read active thread id: %w", err)
	}
	s.activeID = string(active)
	if _, ok := s.indexLocked(s.activeID); !ok {
		s.activeID = ""
	}
	// the id entry is authoritative over per-thread flags written by older runs
	for i := range s.threads {
		s.threads[i].IsActive = s.threads[i].ID == s.activeID
	}
	return s, nil
}

// List returns the threads, most recently created first.
func (s *Store) List() []chat.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Thread{}, s.threads...)
}

func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Active returns the active thread, if any.
func (s *Store) Active() (chat.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.indexLocked(s.activeID)
	if !ok {
		return chat.Thread{}, false
	}
	return s.threads[i], true
}

func (s *Store) Get(id string) (chat.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.indexLocked(id)
	if !ok {
		return chat.Thread{}, false
	}
	return s.threads[i], true
}

// Create prepends a new active thread and deactivates all others.
func (s *Store) Create(ctx context.Context) (chat.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread := chat.Thread{
		ID:        s.newID(),
		Title:     chat.DefaultThreadTitle,
		CreatedAt: s.clock.Now(),
		IsActive:  true,
	}
	next := make([]chat.Thread, 0, len(s.threads)+1)
	next = append(next, thread)
	for _, t := range s.threads {
		t.IsActive = false
		next = append(next, t)
	}
	if err := s.writeLocked(ctx, next, thread.ID); err != nil {
		return chat.Thread{}, err
	}
	return thread, nil
}

// Select activates id and returns its persisted transcript.
func (s *Store) Select(ctx context.Context, id string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.indexLocked(id); !ok {
		return nil, xerrors.Errorf("select %q: %w", id, ErrThreadNotFound)
	}
	messages, err := s.messages(ctx, id)
	if err != nil {
		return nil, err
	}
	next := make([]chat.Thread, len(s.threads))
	for i, t := range s.threads {
		t.IsActive = t.ID == id
		next[i] = t
	}
	if err := s.writeLocked(ctx, next, id); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *Store) SetTitle(ctx context.Context, id, title string) error {
	return s.update(ctx, id, func(t *chat.Thread) {
		t.Title = title
		t.Titled = true
	})
}

// MarkStarted records that the thread completed a turn.
func (s *Store) MarkStarted(ctx context.Context, id string) error {
	return s.update(ctx, id, func(t *chat.Thread) {
		t.Started = true
	})
}

func (s *Store) update(ctx context.Context, id string, mutate func(*chat.Thread)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.indexLocked(id)
	if !ok {
		return xerrors.Errorf("update %q: %w", id, ErrThreadNotFound)
	}
	next := append([]chat.Thread{}, s.threads...)
	mutate(&next[i])
	data, err := json.Marshal(next)
	if err != nil {
		return xerrors.Errorf("failed to marshal thread list: %w", err)
	}
	if err := s.kv.Put(ctx, threadsKey, data); err != nil {
		return xerrors.Errorf("failed to persist thread list: %w", err)
	}
	s.threads = next
	return nil
}

// Messages loads a thread's transcript. A thread without one has an empty
// transcript.
func (s *Store) Messages(ctx context.Context, id string) ([]chat.Message, error) {
	return s.messages(ctx, id)
}

func (s *Store) messages(ctx context.Context, id string) ([]chat.Message, error) {
	data, err := s.kv.Get(ctx, MessagesKey(id))
	if err != nil {
		return nil, xerrors.Errorf("failed to read messages of %q: %w", id, err)
	}
	messages := []chat.Message{}
	if len(data) == 0 {
		return messages, nil
	}
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, xerrors.Errorf("failed to unmarshal messages of %q: %w", id, err)
	}
	return messages, nil
}

// PersistMessages writes the full transcript of a thread.
func (s *Store) PersistMessages(ctx context.Context, id string, messages []chat.Message) error {
	if messages == nil {
		messages = []chat.Message{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return xerrors.Errorf("failed to marshal messages of %q: %w", id, err)
	}
	if err := s.kv.Put(ctx, MessagesKey(id), data); err != nil {
		return xerrors.Errorf("failed to persist messages of %q: %w", id, err)
	}
	return nil
}

// writeLocked persists the list and the active id in one batch and adopts
// them only on success.
func (s *Store) writeLocked(ctx context.Context, threads []chat.Thread, activeID string) error {
	data, err := json.Marshal(threads)
	if err != nil {
		return xerrors.Errorf("failed to marshal thread list: %w", err)
	}
	if err := s.kv.PutBatch(ctx,
		storage.Entry{Key: threadsKey, Value: data},
		storage.Entry{Key: activeThreadKey, Value: []byte(activeID)},
	); err != nil {
		return xerrors.Errorf("failed to persist thread list: %w", err)
	}
	s.threads = threads
	s.activeID = activeID
	return nil
}

func (s *Store) indexLocked(id string) (int, bool) {
	if id == "" {
		return 0, false
	}
	for i, t := range s.threads {
		if t.ID == id {
			return i, true
		}
	}
	return 0, false
}

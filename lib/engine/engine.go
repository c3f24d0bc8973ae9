// Package engine drives conversations with the graph agent: it opens network
// turns, applies their events to the active thread's transcript and keeps the
// thread store in sync.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/coder/graphchat/lib/agentclient"
	"github.com/coder/graphchat/lib/chat"
	"github.com/coder/graphchat/lib/eventstream"
	"github.com/coder/graphchat/lib/logctx"
	"github.com/coder/graphchat/lib/threadstore"
	"github.com/coder/graphchat/lib/turn"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

var (
	ErrEmptyMessage   = xerrors.New("message must not be empty")
	ErrThreadNotFound = threadstore.ErrThreadNotFound

	errStaleTurn = xerrors.New("turn was superseded")
)

// Transport opens the network side of a turn and returns the event stream body.
type Transport interface {
	Start(ctx context.Context, threadID, input string, continuation bool) (io.ReadCloser, error)
	Resume(ctx context.Context, threadID string, response any) (io.ReadCloser, error)
}

var _ Transport = (*agentclient.Client)(nil)

// Status is the volatile turn state of the active thread.
type Status struct {
	IsStreaming      bool                   `json:"isStreaming"`
	CurrentNode      string                 `json:"currentNode"`
	CurrentInterrupt *chat.InterruptContent `json:"currentInterrupt"`
	PanelInterrupt   *chat.InterruptContent `json:"panelInterrupt"`
}

// Emitter receives engine state updates. Calls are made while the engine
// holds its lock, so they arrive in mutation order and must not block.
type Emitter interface {
	EmitMessages([]chat.Message)
	EmitStatus(Status)
	EmitThreads([]chat.Thread)
}

type noopEmitter struct{}

func (noopEmitter) EmitMessages([]chat.Message) {}
func (noopEmitter) EmitStatus(Status)           {}
func (noopEmitter) EmitThreads([]chat.Thread)   {}

type Config struct {
	Store     *threadstore.Store
	Transport Transport
	// BaseURL is named in connection error messages.
	BaseURL string
	Clock   quartz.Clock
	// NewID generates message ids.
	NewID         func() string
	Logger        *slog.Logger
	MaxRecordSize int
}

type Engine struct {
	cfg     Config
	store   *threadstore.Store
	emitter Emitter
	logger  *slog.Logger

	mu        sync.Mutex
	messages  []chat.Message
	streaming bool
	node      string
	interrupt *chat.InterruptContent
	panel     *chat.InterruptContent
	// generation identifies the current turn. Bumping it invalidates the
	// sink of any turn still running.
	generation uint64
	cancelTurn context.CancelFunc
}

// New restores the active thread's transcript from the store and hands the
// restored state to emitter.
func New(ctx context.Context, cfg Config, emitter Emitter) (*Engine, error) {
	if cfg.Store == nil {
		return nil, xerrors.New("engine requires a thread store")
	}
	if cfg.Transport == nil {
		cfg.Transport = agentclient.New(cfg.BaseURL)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = agentclient.DefaultBaseURL
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = logctx.From(ctx)
	}
	if emitter == nil {
		emitter = noopEmitter{}
	}
	e := &Engine{
		cfg:      cfg,
		store:    cfg.Store,
		emitter:  emitter,
		logger:   cfg.Logger,
		messages: []chat.Message{},
	}
	if id := cfg.Store.ActiveID(); id != "" {
		messages, err := cfg.Store.Messages(ctx, id)
		if err != nil {
			return nil, xerrors.Errorf("failed to restore active thread: %w", err)
		}
		e.messages = messages
	}
	// subscribers that join before the first operation see the restored session
	e.mu.Lock()
	e.emitter.EmitThreads(e.store.List())
	e.emitter.EmitMessages(chat.CloneMessages(e.messages))
	e.emitStatusLocked()
	e.mu.Unlock()
	return e, nil
}

// Snapshot returns a copy of the collaborator-visible state.
func (e *Engine) Snapshot() chat.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return chat.Snapshot{
		Threads:          e.store.List(),
		ActiveThreadID:   e.store.ActiveID(),
		Messages:         chat.CloneMessages(e.messages),
		IsStreaming:      e.streaming,
		CurrentInterrupt: e.interrupt.Clone(),
		CurrentNode:      e.node,
		PanelInterrupt:   e.panel.Clone(),
	}
}

func (e *Engine) Threads() []chat.Thread {
	return e.store.List()
}

// SendMessage sends free-form text on the active thread, creating a thread
// when none is active, and runs the turn to completion on the caller's
// goroutine. Transport failures are reported in the transcript, not returned.
func (e *Engine) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	e.mu.Lock()
	thread, ok := e.store.Active()
	if !ok {
		var err error
		if thread, err = e.createThreadLocked(ctx); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	if !thread.Titled {
		if err := e.store.SetTitle(ctx, thread.ID, chat.TitleFrom(text)); err != nil {
			e.mu.Unlock()
			return xerrors.Errorf("failed to set thread title: %w", err)
		}
		e.emitter.EmitThreads(e.store.List())
	}
	if err := e.appendUserLocked(ctx, thread.ID, text, nil); err != nil {
		e.mu.Unlock()
		return err
	}
	e.interrupt = nil
	turnCtx, gen := e.beginTurnLocked(ctx)
	e.mu.Unlock()

	e.logger.Info("Sending message", "thread_id", thread.ID, "continuation", thread.Started)
	body, err := e.cfg.Transport.Start(turnCtx, thread.ID, text, thread.Started)
	return e.runTurn(turnCtx, gen, thread.ID, body, err)
}

// SubmitInterruptResponse answers the pending interrupt of the active thread.
// The transcript shows summary instead of the encoded response when given.
// Without an active thread it does nothing.
func (e *Engine) SubmitInterruptResponse(ctx context.Context, response any, summary *chat.SelectionSummary) error {
	e.mu.Lock()
	thread, ok := e.store.Active()
	if !ok {
		e.mu.Unlock()
		e.logger.Debug("Ignoring interrupt response without an active thread")
		return nil
	}
	pending := e.interrupt
	e.interrupt = nil
	if summary != nil {
		s := *summary
		s.Items = append([]string(nil), summary.Items...)
		summary = &s
	}
	if err := e.appendUserLocked(ctx, thread.ID, ResponseText(response), summary); err != nil {
		e.interrupt = pending
		e.mu.Unlock()
		return err
	}
	turnCtx, gen := e.beginTurnLocked(ctx)
	e.mu.Unlock()

	e.logger.Info("Resuming turn", "thread_id", thread.ID)
	body, err := e.cfg.Transport.Resume(turnCtx, thread.ID, response)
	return e.runTurn(turnCtx, gen, thread.ID, body, err)
}

// CreateThread starts a new empty thread and makes it active. A turn still
// running on the previous thread is cancelled.
func (e *Engine) CreateThread(ctx context.Context) (chat.Thread, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createThreadLocked(ctx)
}

// SelectThread makes id active and loads its transcript from storage. A turn
// still running is cancelled, even when id is already active.
func (e *Engine) SelectThread(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	messages, err := e.store.Select(ctx, id)
	if err != nil {
		return xerrors.Errorf("failed to select thread: %w", err)
	}
	e.abortTurnLocked()
	e.resetLocked(messages)
	e.logger.Info("Selected thread", "thread_id", id, "messages", len(messages))
	return nil
}

func (e *Engine) createThreadLocked(ctx context.Context) (chat.Thread, error) {
	thread, err := e.store.Create(ctx)
	if err != nil {
		return chat.Thread{}, xerrors.Errorf("failed to create thread: %w", err)
	}
	e.abortTurnLocked()
	e.resetLocked([]chat.Message{})
	e.logger.Info("Created thread", "thread_id", thread.ID)
	return thread, nil
}

// resetLocked installs a freshly loaded transcript and clears turn state.
func (e *Engine) resetLocked(messages []chat.Message) {
	e.messages = messages
	e.streaming = false
	e.node = ""
	e.interrupt = nil
	e.panel = nil
	e.emitter.EmitThreads(e.store.List())
	e.emitter.EmitMessages(chat.CloneMessages(e.messages))
	e.emitStatusLocked()
}

func (e *Engine) appendUserLocked(ctx context.Context, threadID, content string, summary *chat.SelectionSummary) error {
	e.messages = append(e.messages, chat.Message{
		ID:               e.cfg.NewID(),
		Role:             chat.RoleUser,
		Content:          content,
		Timestamp:        e.cfg.Clock.Now(),
		SelectionSummary: summary,
	})
	if err := e.store.PersistMessages(ctx, threadID, e.messages); err != nil {
		e.messages = e.messages[:len(e.messages)-1]
		return xerrors.Errorf("failed to persist user message: %w", err)
	}
	e.emitter.EmitMessages(chat.CloneMessages(e.messages))
	return nil
}

func (e *Engine) beginTurnLocked(ctx context.Context) (context.Context, uint64) {
	e.abortTurnLocked()
	turnCtx, cancel := context.WithCancel(ctx)
	e.cancelTurn = cancel
	e.streaming = true
	e.emitStatusLocked()
	return turnCtx, e.generation
}

// abortTurnLocked cancels the running turn and invalidates its sink.
func (e *Engine) abortTurnLocked() {
	if e.cancelTurn != nil {
		e.cancelTurn()
		e.cancelTurn = nil
	}
	e.generation++
}

func (e *Engine) endTurn(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		return
	}
	if e.cancelTurn != nil {
		e.cancelTurn()
		e.cancelTurn = nil
	}
	e.streaming = false
	e.node = ""
	e.emitStatusLocked()
}

func (e *Engine) runTurn(ctx context.Context, gen uint64, threadID string, body io.ReadCloser, openErr error) error {
	defer e.endTurn(gen)
	if openErr != nil {
		return e.failTurn(ctx, gen, threadID, "", openErr)
	}

	dec := eventstream.NewDecoder(body, &eventstream.DecoderConfig{
		MaxRecordSize: e.cfg.MaxRecordSize,
		Logger:        e.logger,
	})
	defer dec.Close()

	sink := &turnSink{e: e, ctx: context.WithoutCancel(ctx), gen: gen, threadID: threadID}
	res, err := turn.Run(logctx.WithLogger(ctx, e.logger), dec, sink, turn.Config{
		Clock: e.cfg.Clock,
		NewID: e.cfg.NewID,
	})
	if sink.persistErr != nil {
		return sink.persistErr
	}
	if err != nil {
		placeholder := ""
		if res.Content == "" {
			placeholder = res.MessageID
		}
		return e.failTurn(ctx, gen, threadID, placeholder, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		return nil
	}
	if thread, ok := e.store.Get(threadID); ok && !thread.Started {
		if err := e.store.MarkStarted(context.WithoutCancel(ctx), threadID); err != nil {
			return xerrors.Errorf("failed to mark thread started: %w", err)
		}
		e.emitter.EmitThreads(e.store.List())
	}
	e.logger.Info("Turn finished", "thread_id", threadID, "tokens", res.Tokens, "suspended", res.Suspended())
	return nil
}

// failTurn reports a transport failure in the transcript. An empty placeholder
// left by the failed turn is reused for the report. Cancelled and superseded
// turns end silently.
func (e *Engine) failTurn(ctx context.Context, gen uint64, threadID, placeholderID string, cause error) error {
	if errors.Is(cause, errStaleTurn) || errors.Is(cause, context.Canceled) || ctx.Err() != nil {
		e.logger.Debug("Turn cancelled", "thread_id", threadID)
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		return nil
	}
	e.logger.Warn("Turn failed", "thread_id", threadID, "error", cause)
	content := ConnectionErrorText(cause, e.cfg.BaseURL)
	replaced := false
	if placeholderID != "" {
		for i := len(e.messages) - 1; i >= 0; i-- {
			if e.messages[i].ID == placeholderID {
				e.messages[i].Content = content
				replaced = true
				break
			}
		}
	}
	if !replaced {
		e.messages = append(e.messages, chat.Message{
			ID:        e.cfg.NewID(),
			Role:      chat.RoleAssistant,
			Content:   content,
			Timestamp: e.cfg.Clock.Now(),
		})
	}
	if err := e.store.PersistMessages(context.WithoutCancel(ctx), threadID, e.messages); err != nil {
		return xerrors.Errorf("failed to persist error message: %w", err)
	}
	e.emitter.EmitMessages(chat.CloneMessages(e.messages))
	return nil
}

func (e *Engine) emitStatusLocked() {
	e.emitter.EmitStatus(Status{
		IsStreaming:      e.streaming,
		CurrentNode:      e.node,
		CurrentInterrupt: e.interrupt.Clone(),
		PanelInterrupt:   e.panel.Clone(),
	})
}

// ConnectionErrorText is the assistant message shown for a failed turn.
func ConnectionErrorText(err error, baseURL string) string {
	return fmt.Sprintf("⚠ Connection error: %s. Ensure the backend is running at %s.", err, baseURL)
}

// ResponseText renders an interrupt response for the transcript. Strings pass
// through; anything else is shown as its JSON encoding.
func ResponseText(response any) string {
	if s, ok := response.(string); ok {
		return s
	}
	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Sprint(response)
	}
	return string(data)
}

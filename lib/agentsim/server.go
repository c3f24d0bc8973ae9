// Package agentsim is a scripted stand-in for the graph agent backend. It
// speaks the same start/resume protocol and streams scripted records.
package agentsim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/graphchat/lib/agentclient"
	"github.com/coder/graphchat/lib/logctx"
	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	sse "github.com/tmaxmax/go-sse"
)

// EndOfScript is streamed once a thread has used up all scripted turns.
const EndOfScript = "(end of script)"

// Request is a turn request as received.
type Request struct {
	Path     string
	ThreadID string
	Input    json.RawMessage
}

// Resume reports whether the request answers an interrupt.
func (r Request) Resume() bool {
	var input map[string]json.RawMessage
	if err := json.Unmarshal(r.Input, &input); err != nil {
		return false
	}
	_, ok := input[agentclient.ResumeKey]
	return ok
}

// Text renders the input the way Turn.Expect is written.
func (r Request) Text() string {
	value := r.Input
	var input map[string]json.RawMessage
	if err := json.Unmarshal(r.Input, &input); err == nil {
		if resume, ok := input[agentclient.ResumeKey]; ok {
			value = resume
		}
	}
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		return s
	}
	return string(value)
}

type Config struct {
	Logger *slog.Logger
	Clock  quartz.Clock
}

type Server struct {
	script Script
	logger *slog.Logger
	clock  quartz.Clock
	router chi.Router

	mu       sync.Mutex
	cursors  map[string]int
	requests []Request
}

func New(script Script, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	s := &Server{
		script:  script,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		cursors: make(map[string]int),
	}
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Post(agentclient.StartPath, s.handleTurn)
	router.Post(agentclient.ResumePath, s.handleTurn)
	s.router = router
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Requests returns every turn request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// nextTurn records the request and advances the thread's cursor. A start
// request rewinds the thread to the first turn.
func (s *Server) nextTurn(req Request) (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if req.Path == agentclient.StartPath {
		s.cursors[req.ThreadID] = 0
	}
	i := s.cursors[req.ThreadID]
	s.cursors[req.ThreadID] = i + 1
	if i >= len(s.script.Turns) {
		return Turn{}, false
	}
	return s.script.Turns[i], true
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ThreadID string          `json:"thread_id"`
		Input    json.RawMessage `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
		return
	}
	if body.ThreadID == "" {
		http.Error(w, "thread_id is required", http.StatusBadRequest)
		return
	}
	req := Request{Path: r.URL.Path, ThreadID: body.ThreadID, Input: body.Input}
	logger := s.logger.With("thread_id", req.ThreadID, "path", req.Path)
	ctx := logctx.WithLogger(r.Context(), logger)

	turn, ok := s.nextTurn(req)
	if !ok {
		token := EndOfScript
		turn = Turn{Steps: []Step{{Token: &token}}}
	}
	if turn.Expect != "" && turn.Expect != req.Text() {
		logger.Warn("Unexpected input", "expected", turn.Expect, "got", req.Text())
		http.Error(w, fmt.Sprintf("expected input %q, got %q", turn.Expect, req.Text()), http.StatusUnprocessableEntity)
		return
	}
	if err := s.sleep(ctx, turn.Think); err != nil {
		return
	}
	if turn.Status != 0 {
		http.Error(w, http.StatusText(turn.Status), turn.Status)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		logger.Error("Failed to upgrade to event stream", "error", err)
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	for _, step := range turn.Steps {
		if err := s.sleep(ctx, step.Delay); err != nil {
			return
		}
		payload, err := step.payload()
		if err != nil {
			logger.Error("Failed to encode step", "error", err)
			return
		}
		msg := &sse.Message{}
		msg.AppendData(payload)
		if err := sess.Send(msg); err != nil {
			logctx.From(ctx).Debug("Client went away", "error", err)
			return
		}
		if err := sess.Flush(); err != nil {
			return
		}
		if step.Interrupt != nil {
			return
		}
	}
}

func (s *Server) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := s.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s Step) payload() (string, error) {
	var record any
	switch {
	case s.Raw != nil:
		return *s.Raw, nil
	case s.Node != "":
		record = map[string]any{"type": "node_start", "node": s.Node}
	case s.Token != nil:
		record = map[string]any{"type": "token", "content": *s.Token}
	default:
		record = map[string]any{"type": "interrupt", "content": s.Interrupt}
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Package httpapi exposes the conversation engine to collaborators over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/graphchat/lib/engine"
	"github.com/coder/graphchat/lib/logctx"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"golang.org/x/xerrors"
)

const Version = "0.1.0"

// Server serves the engine snapshot, its operations and the event feed.
type Server struct {
	router  chi.Router
	api     huma.API
	port    int
	srv     *http.Server
	logger  *slog.Logger
	engine  *engine.Engine
	emitter *EventEmitter

	// ctx outlives requests; turns started over HTTP run under it.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	turnActive bool
	turns      sync.WaitGroup
}

type ServerConfig struct {
	Engine         *engine.Engine
	Emitter        *EventEmitter
	Port           int
	AllowedHosts   []string
	AllowedOrigins []string
}

// NewServer builds the router. The engine must have been created with the
// same emitter.
func NewServer(ctx context.Context, config ServerConfig) (*Server, error) {
	if config.Engine == nil {
		return nil, xerrors.New("server requires an engine")
	}
	if config.Emitter == nil {
		config.Emitter = NewEventEmitter()
	}
	logger := logctx.From(ctx)

	allowedHosts, err := parseAllowedHosts(config.AllowedHosts)
	if err != nil {
		return nil, xerrors.Errorf("failed to parse allowed hosts: %w", err)
	}
	allowedOrigins, err := parseAllowedOrigins(config.AllowedOrigins)
	if err != nil {
		return nil, xerrors.Errorf("failed to parse allowed origins: %w", err)
	}
	logger.Info("Allowed hosts", "hosts", strings.Join(allowedHosts, ", "))
	logger.Info("Allowed origins", "origins", strings.Join(allowedOrigins, ", "))

	router := chi.NewMux()
	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	router.Use(corsMiddleware.Handler)
	badHostHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Invalid host header. Allowed hosts: "+strings.Join(allowedHosts, ", "), http.StatusBadRequest)
	})
	router.Use(hostAuthorizationMiddleware(allowedHosts, badHostHandler))

	humaConfig := huma.DefaultConfig("graphchat", Version)
	humaConfig.Info.Description = "HTTP API for driving graph agent conversations."
	api := humachi.New(router, humaConfig)

	serverCtx, cancel := context.WithCancel(logctx.WithLogger(context.WithoutCancel(ctx), logger))
	s := &Server{
		router:  router,
		api:     api,
		port:    config.Port,
		logger:  logger,
		engine:  config.Engine,
		emitter: config.Emitter,
		ctx:     serverCtx,
		cancel:  cancel,
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the root handler, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// GetOpenAPI returns the OpenAPI schema of the collaborator API.
func (s *Server) GetOpenAPI() string {
	data, err := json.MarshalIndent(s.api.OpenAPI(), "", "  ")
	if err != nil {
		s.logger.Error("Failed to marshal OpenAPI schema", "error", err)
		return ""
	}
	return string(data)
}

func (s *Server) registerRoutes() {
	huma.Get(s.api, "/state", s.getState, func(o *huma.Operation) {
		o.Description = "Returns the threads, the active transcript and the turn state."
	})
	huma.Get(s.api, "/threads", s.listThreads, func(o *huma.Operation) {
		o.Description = "Returns all threads, most recently created first."
	})
	huma.Post(s.api, "/threads", s.createThread, func(o *huma.Operation) {
		o.Description = "Creates an empty thread and makes it active. Cancels a running turn."
	})
	huma.Post(s.api, "/threads/{id}/select", s.selectThread, func(o *huma.Operation) {
		o.Description = "Makes a thread active and loads its transcript. Cancels a running turn."
	})
	huma.Post(s.api, "/message", s.createMessage, func(o *huma.Operation) {
		o.Description = "Sends free-form text on the active thread. The turn runs in the background; follow it on /events."
	})
	huma.Post(s.api, "/interrupt", s.submitInterrupt, func(o *huma.Operation) {
		o.Description = "Answers the pending interrupt. The turn runs in the background; follow it on /events."
	})
	sse.Register(s.api, huma.Operation{
		OperationID: "subscribeEvents",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Subscribe to events",
		Description: "The first events recreate the current state. Then message, status and thread changes follow as they happen.",
	}, map[string]any{
		string(EventTypeMessageUpdate): MessageUpdateBody{},
		string(EventTypeMessagesReset): MessagesResetBody{},
		string(EventTypeStatusChange):  StatusChangeBody{},
		string(EventTypeThreadsChange): ThreadsChangeBody{},
		string(EventTypeError):         ErrorBody{},
	}, s.subscribeEvents)
}

func (s *Server) getState(ctx context.Context, input *struct{}) (*StateResponse, error) {
	return &StateResponse{Body: s.engine.Snapshot()}, nil
}

func (s *Server) listThreads(ctx context.Context, input *struct{}) (*ThreadsResponse, error) {
	resp := &ThreadsResponse{}
	resp.Body.Threads = s.engine.Threads()
	return resp, nil
}

func (s *Server) createThread(ctx context.Context, input *struct{}) (*ThreadResponse, error) {
	thread, err := s.engine.CreateThread(ctx)
	if err != nil {
		return nil, xerrors.Errorf("failed to create thread: %w", err)
	}
	return &ThreadResponse{Body: thread}, nil
}

func (s *Server) selectThread(ctx context.Context, input *SelectThreadRequest) (*OKResponse, error) {
	if err := s.engine.SelectThread(ctx, input.ID); err != nil {
		if errors.Is(err, engine.ErrThreadNotFound) {
			return nil, huma.Error404NotFound(fmt.Sprintf("thread %q not found", input.ID))
		}
		return nil, xerrors.Errorf("failed to select thread: %w", err)
	}
	resp := &OKResponse{}
	resp.Body.Ok = true
	return resp, nil
}

func (s *Server) createMessage(ctx context.Context, input *MessageRequest) (*OKResponse, error) {
	content := input.Body.Content
	if strings.TrimSpace(content) == "" {
		return nil, huma.Error400BadRequest(engine.ErrEmptyMessage.Error())
	}
	if err := s.startTurn(func(ctx context.Context) error {
		return s.engine.SendMessage(ctx, content)
	}); err != nil {
		return nil, err
	}
	resp := &OKResponse{}
	resp.Body.Ok = true
	return resp, nil
}

func (s *Server) submitInterrupt(ctx context.Context, input *InterruptRequest) (*OKResponse, error) {
	response, summary := input.Body.Response, input.Body.Summary
	if err := s.startTurn(func(ctx context.Context) error {
		return s.engine.SubmitInterruptResponse(ctx, response, summary)
	}); err != nil {
		return nil, err
	}
	resp := &OKResponse{}
	resp.Body.Ok = true
	return resp, nil
}

// startTurn runs one turn in the background. Only one turn may run at a time.
func (s *Server) startTurn(run func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnActive {
		return huma.Error409Conflict("a turn is already streaming")
	}
	if s.ctx.Err() != nil {
		return huma.Error503ServiceUnavailable("server is shutting down")
	}
	s.turnActive = true
	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		defer func() {
			s.mu.Lock()
			s.turnActive = false
			s.mu.Unlock()
		}()
		if err := run(s.ctx); err != nil {
			s.logger.Error("Turn failed", "error", err)
			s.emitter.EmitError(err.Error())
		}
	}()
	return nil
}

func (s *Server) subscribeEvents(ctx context.Context, input *struct{}, send sse.Sender) {
	subscriberId, ch, stateEvents := s.emitter.Subscribe()
	defer s.emitter.Unsubscribe(subscriberId)
	s.logger.Info("New subscriber", "subscriberId", subscriberId)
	for _, event := range stateEvents {
		if err := send.Data(event.Payload); err != nil {
			s.logger.Error("Failed to send event", "subscriberId", subscriberId, "error", err)
			return
		}
	}
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				s.logger.Info("Channel closed", "subscriberId", subscriberId)
				return
			}
			if err := send.Data(event.Payload); err != nil {
				s.logger.Error("Failed to send event", "subscriberId", subscriberId, "error", err)
				return
			}
		case <-ctx.Done():
			s.logger.Info("Subscriber left", "subscriberId", subscriberId)
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()
	s.logger.Info("Listening", "addr", addr)
	return srv.ListenAndServe()
}

// Stop cancels running turns, waits for them to unwind and shuts the listener
// down.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return xerrors.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(host, "["), "]"))
}

// hostAuthorizationMiddleware rejects requests whose Host header is not in
// allowedHosts. The port is ignored. A single "*" allows every host.
func hostAuthorizationMiddleware(allowedHosts []string, badHostHandler http.Handler) func(next http.Handler) http.Handler {
	allowAll := len(allowedHosts) == 1 && allowedHosts[0] == "*"
	allowed := make(map[string]struct{}, len(allowedHosts))
	for _, host := range allowedHosts {
		allowed[normalizeHost(host)] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if allowAll {
				next.ServeHTTP(w, r)
				return
			}
			host := r.Host
			if h, _, err := net.SplitHostPort(host); err == nil {
				host = h
			}
			host = normalizeHost(host)
			if _, ok := allowed[host]; !ok || host == "" {
				badHostHandler.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseAllowedHosts(input []string) ([]string, error) {
	if len(input) == 0 {
		return nil, xerrors.New("the list must not be empty")
	}
	hosts := make([]string, 0, len(input))
	for _, raw := range input {
		host := strings.TrimSpace(raw)
		switch {
		case host == "":
			return nil, xerrors.New("empty host")
		case strings.ContainsAny(host, " \t\n,"):
			return nil, xerrors.Errorf("host %q must not contain whitespace or commas", raw)
		case strings.Contains(host, "://") || strings.Contains(host, "/"):
			return nil, xerrors.Errorf("host %q must not contain a scheme or path", raw)
		}
		if host != "*" {
			// bracketed IPv6 literals carry colons but no port
			if _, _, err := net.SplitHostPort(host); err == nil {
				return nil, xerrors.Errorf("host %q must not contain a port", raw)
			}
			if !strings.HasPrefix(host, "[") && strings.Contains(host, ":") {
				return nil, xerrors.Errorf("host %q must not contain a port", raw)
			}
		}
		hosts = append(hosts, host)
	}
	return hosts, nil
}

func parseAllowedOrigins(input []string) ([]string, error) {
	if len(input) == 0 {
		return nil, xerrors.New("the list must not be empty")
	}
	origins := make([]string, 0, len(input))
	for _, raw := range input {
		origin := strings.TrimSpace(raw)
		if origin == "" {
			return nil, xerrors.New("empty origin")
		}
		if strings.ContainsAny(origin, " \t\n,") {
			return nil, xerrors.Errorf("origin %q must not contain whitespace or commas", raw)
		}
		if origin != "*" {
			if _, err := url.Parse(origin); err != nil {
				return nil, xerrors.Errorf("invalid origin %q: %w", raw, err)
			}
		}
		origins = append(origins, origin)
	}
	return origins, nil
}

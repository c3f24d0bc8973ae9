package attach

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/coder/graphchat/lib/chat"
	"github.com/coder/graphchat/lib/engine"
	"github.com/coder/graphchat/lib/httpapi"
	"github.com/coder/graphchat/lib/msgfmt"
	"github.com/coder/graphchat/lib/storage"
	"github.com/coder/graphchat/lib/threadstore"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(t *testing.T, typ httpapi.EventType, body any) Event {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return Event{Type: typ, Data: data}
}

func TestApplyEvent(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("MessageUpdate", func(t *testing.T) {
		snap := chat.Snapshot{}
		_, err := applyEvent(&snap, event(t, httpapi.EventTypeMessageUpdate, httpapi.MessageUpdateBody{
			ID: "a", Role: chat.RoleAssistant, Content: "Fou", Timestamp: ts,
		}))
		require.NoError(t, err)
		_, err = applyEvent(&snap, event(t, httpapi.EventTypeMessageUpdate, httpapi.MessageUpdateBody{
			ID: "a", Role: chat.RoleAssistant, Content: "Found", Timestamp: ts,
		}))
		require.NoError(t, err)
		_, err = applyEvent(&snap, event(t, httpapi.EventTypeMessageUpdate, httpapi.MessageUpdateBody{
			ID: "b", Role: chat.RoleUser, Content: "yes", Timestamp: ts,
		}))
		require.NoError(t, err)

		require.Len(t, snap.Messages, 2)
		assert.Equal(t, "Found", snap.Messages[0].Content)
		assert.Equal(t, "yes", snap.Messages[1].Content)
	})

	t.Run("MessagesReset", func(t *testing.T) {
		snap := chat.Snapshot{Messages: []chat.Message{{ID: "old"}}}
		_, err := applyEvent(&snap, event(t, httpapi.EventTypeMessagesReset, httpapi.MessagesResetBody{
			Messages: []chat.Message{{ID: "new", Role: chat.RoleUser, Content: "hi"}},
		}))
		require.NoError(t, err)
		require.Len(t, snap.Messages, 1)
		assert.Equal(t, "new", snap.Messages[0].ID)
	})

	t.Run("StatusAndThreads", func(t *testing.T) {
		snap := chat.Snapshot{}
		ic := &chat.InterruptContent{Question: "Proceed?", UI: chat.KindYesNo, Options: []chat.Option{}}
		_, err := applyEvent(&snap, event(t, httpapi.EventTypeStatusChange, httpapi.StatusChangeBody{
			IsStreaming: true, CurrentNode: "scan", CurrentInterrupt: ic,
		}))
		require.NoError(t, err)
		_, err = applyEvent(&snap, event(t, httpapi.EventTypeThreadsChange, httpapi.ThreadsChangeBody{
			Threads: []chat.Thread{{ID: "t1", Title: "patch"}}, ActiveThreadID: "t1",
		}))
		require.NoError(t, err)

		assert.True(t, snap.IsStreaming)
		assert.Equal(t, "scan", snap.CurrentNode)
		require.NotNil(t, snap.CurrentInterrupt)
		assert.Equal(t, "Proceed?", snap.CurrentInterrupt.Question)
		assert.Equal(t, "t1", snap.ActiveThreadID)
		require.Len(t, snap.Threads, 1)
	})

	t.Run("Error", func(t *testing.T) {
		snap := chat.Snapshot{}
		notice, err := applyEvent(&snap, event(t, httpapi.EventTypeError, httpapi.ErrorBody{Message: "agent unreachable"}))
		require.NoError(t, err)
		assert.Equal(t, "agent unreachable", notice)
	})

	t.Run("Malformed", func(t *testing.T) {
		snap := chat.Snapshot{}
		_, err := applyEvent(&snap, Event{Type: httpapi.EventTypeStatusChange, Data: []byte("{")})
		require.Error(t, err)
	})
}

type submitted struct {
	response any
	summary  *chat.SelectionSummary
}

type fakeConversation struct {
	sent      []string
	submitted []submitted
	created   int
	selected  []string
	err       error
}

func (c *fakeConversation) SendMessage(_ context.Context, content string) error {
	c.sent = append(c.sent, content)
	return c.err
}

func (c *fakeConversation) SubmitInterrupt(_ context.Context, response any, summary *chat.SelectionSummary) error {
	c.submitted = append(c.submitted, submitted{response, summary})
	return c.err
}

func (c *fakeConversation) CreateThread(context.Context) (chat.Thread, error) {
	c.created++
	return chat.Thread{ID: "t2"}, c.err
}

func (c *fakeConversation) SelectThread(_ context.Context, id string) error {
	c.selected = append(c.selected, id)
	return c.err
}

func newTestModel(conv *fakeConversation, snap chat.Snapshot) model {
	var out strings.Builder
	return newModel(context.Background(), conv, msgfmt.NewFormatter(&out, 40), snap)
}

// typeLine feeds text key by key and presses enter. The command produced by
// enter is run and its message fed back into the model.
func typeLine(m model, text string) (model, tea.Cmd) {
	for _, r := range text {
		var next tea.Model
		if r == ' ' {
			next, _ = m.Update(tea.KeyMsg{Type: tea.KeySpace})
		} else {
			next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
		}
		m = next.(model)
	}
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(model)
	if cmd != nil {
		if msg := cmd(); msg != nil {
			if _, quit := msg.(tea.QuitMsg); quit {
				return m, cmd
			}
			next, _ = m.Update(msg)
			m = next.(model)
		}
	}
	return m, cmd
}

func TestModelInput(t *testing.T) {
	conv := &fakeConversation{}
	m := newTestModel(conv, chat.Snapshot{})

	for _, r := range "patchx" {
		next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
		m = next.(model)
	}
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyBackspace})
	m = next.(model)
	assert.Equal(t, "patch", string(m.input))
	assert.True(t, strings.HasSuffix(m.View(), "> patch"))

	m, _ = typeLine(m, " all")
	assert.Equal(t, []string{"patch all"}, conv.sent)
	assert.Empty(t, m.input)

	m, cmd := typeLine(m, "   ")
	assert.Nil(t, cmd)
	assert.Len(t, conv.sent, 1)

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestModelInterrupt(t *testing.T) {
	conv := &fakeConversation{}
	m := newTestModel(conv, chat.Snapshot{CurrentInterrupt: &chat.InterruptContent{
		Question: "Which hosts?",
		UI:       chat.KindMultiSelect,
		Options:  []chat.Option{{ID: "1", Label: "host-1"}, {ID: "2", Label: "host-2"}},
	}})
	assert.Contains(t, m.View(), "Which hosts?")

	m, _ = typeLine(m, "3")
	assert.Equal(t, `error: unknown option "3"`, m.notice)
	assert.Empty(t, conv.submitted)

	_, _ = typeLine(m, "*")
	require.Len(t, conv.submitted, 1)
	assert.Equal(t, []string{"1", "2"}, conv.submitted[0].response)
	assert.Equal(t, &chat.SelectionSummary{Label: "Selected items", Items: []string{"host-1", "host-2"}}, conv.submitted[0].summary)
	assert.Empty(t, conv.sent)
}

func TestModelCommands(t *testing.T) {
	conv := &fakeConversation{}
	m := newTestModel(conv, chat.Snapshot{})

	m, _ = typeLine(m, "/threads")
	assert.Equal(t, "No threads yet.", m.notice)

	m, _ = typeLine(m, "/new")
	assert.Equal(t, 1, conv.created)

	m, _ = typeLine(m, "/select")
	assert.Equal(t, "error: usage: /select <id>", m.notice)

	conv.err = assert.AnError
	m, _ = typeLine(m, "/select t1")
	assert.Equal(t, []string{"t1"}, conv.selected)
	assert.Equal(t, "error: "+assert.AnError.Error(), m.notice)

	_, cmd := typeLine(m, "/quit")
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestModelStreamClosed(t *testing.T) {
	m := newTestModel(&fakeConversation{}, chat.Snapshot{})
	next, cmd := m.Update(streamClosedMsg{})
	require.NotNil(t, cmd)
	assert.ErrorContains(t, next.(model).err, "server closed the event stream")
}

func TestModelView(t *testing.T) {
	m := newTestModel(&fakeConversation{}, chat.Snapshot{
		Threads:        []chat.Thread{{ID: "t1", Title: "patch windows"}},
		ActiveThreadID: "t1",
		Messages: []chat.Message{
			{ID: "u", Role: chat.RoleUser, Content: "patch windows"},
			{ID: "a", Role: chat.RoleAssistant, Content: "Scanning."},
		},
		IsStreaming: true,
		CurrentNode: "scan",
	})
	view := m.View()
	assert.True(t, strings.HasPrefix(view, "patch windows\n"))
	assert.Contains(t, view, "Scanning.")
	assert.Contains(t, view, "scan")

	next, _ := m.Update(eventMsg(event(t, httpapi.EventTypeError, httpapi.ErrorBody{Message: "boom"})))
	assert.Contains(t, next.(model).View(), "error: boom")
}

// pongTransport answers every turn with a single token.
type pongTransport struct {
	mu     sync.Mutex
	inputs []string
}

func (p *pongTransport) body() io.ReadCloser {
	return io.NopCloser(strings.NewReader(`data: {"type":"token","content":"pong"}` + "\n\n"))
}

func (p *pongTransport) Start(_ context.Context, _ string, input string, _ bool) (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputs = append(p.inputs, input)
	return p.body(), nil
}

func (p *pongTransport) Resume(context.Context, string, any) (io.ReadCloser, error) {
	return p.body(), nil
}

func newTestServer(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()
	kv, err := storage.NewFileKV(afero.NewMemMapFs(), "/state")
	require.NoError(t, err)
	store, err := threadstore.Open(ctx, kv, threadstore.Config{})
	require.NoError(t, err)
	emitter := httpapi.NewEventEmitter()
	eng, err := engine.New(ctx, engine.Config{Store: store, Transport: &pongTransport{}}, emitter)
	require.NoError(t, err)
	srv, err := httpapi.NewServer(ctx, httpapi.ServerConfig{
		Engine:         eng,
		Emitter:        emitter,
		AllowedHosts:   []string{"*"},
		AllowedOrigins: []string{"*"},
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Stop(context.Background())
	})
	return NewClient(ts.URL + "/")
}

func TestClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := newTestServer(t)

	snap, err := client.State(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Messages)

	events := make(chan Event, 64)
	readErr := make(chan error, 1)
	go func() { readErr <- client.ReadEvents(ctx, events) }()

	// the feed opens with the current state
	first := <-events
	assert.NotEmpty(t, first.Type)

	require.NoError(t, client.SendMessage(ctx, "ping"))

	var folded chat.Snapshot
	_, err = applyEvent(&folded, first)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				if _, err := applyEvent(&folded, ev); err != nil {
					return false
				}
			default:
				n := len(folded.Messages)
				return n == 2 && folded.Messages[1].Content == "pong" && !folded.IsStreaming
			}
		}
	}, 5*time.Second, 10*time.Millisecond)

	snap, err = client.State(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "ping", snap.Messages[0].Content)
	assert.Equal(t, snap.ActiveThreadID, folded.ActiveThreadID)

	thread, err := client.CreateThread(ctx)
	require.NoError(t, err)
	assert.Equal(t, chat.DefaultThreadTitle, thread.Title)
	require.NoError(t, client.SelectThread(ctx, snap.ActiveThreadID))

	err = client.SelectThread(ctx, "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `thread "nope" not found`)

	cancel()
	assert.ErrorIs(t, <-readErr, context.Canceled)
}

func TestNewClient(t *testing.T) {
	assert.Equal(t, "http://localhost:3284", NewClient("localhost:3284").BaseURL)
	assert.Equal(t, "https://example.com/chat", NewClient("https://example.com/chat/").BaseURL)
}

func TestWaitForState(t *testing.T) {
	ctx := context.Background()

	t.Run("Ready", func(t *testing.T) {
		client := newTestServer(t)
		snap, err := waitForState(ctx, client, time.Second)
		require.NoError(t, err)
		assert.Empty(t, snap.Threads)
	})

	t.Run("Unreachable", func(t *testing.T) {
		ts := httptest.NewServer(nil)
		ts.Close()
		_, err := waitForState(ctx, NewClient(ts.URL), 200*time.Millisecond)
		require.ErrorContains(t, err, "failed to get server state")
	})
}

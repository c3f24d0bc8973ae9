package attach

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/graphchat/lib/chat"
	"github.com/coder/graphchat/lib/httpapi"
	"github.com/tidwall/gjson"
	sse "github.com/tmaxmax/go-sse"
	"golang.org/x/xerrors"
)

// Client talks to a running graphchat serve.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient accepts a host:port or a full URL.
func NewClient(remoteURL string) *Client {
	if !strings.HasPrefix(remoteURL, "http") {
		remoteURL = "http://" + remoteURL
	}
	return &Client{BaseURL: strings.TrimRight(remoteURL, "/"), HTTP: http.DefaultClient}
}

// Event is one raw event of the /events feed.
type Event struct {
	Type httpapi.EventType
	Data []byte
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return xerrors.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return xerrors.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		return xerrors.Errorf("failed to do request: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return xerrors.Errorf("failed to read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		// huma answers with a problem document
		if detail := gjson.GetBytes(data, "detail").String(); detail != "" {
			return xerrors.Errorf("%s %s: %s", method, path, detail)
		}
		return xerrors.Errorf("%s %s: %s", method, path, res.Status)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return xerrors.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) State(ctx context.Context) (chat.Snapshot, error) {
	var snap chat.Snapshot
	err := c.do(ctx, http.MethodGet, "/state", nil, &snap)
	return snap, err
}

func (c *Client) SendMessage(ctx context.Context, content string) error {
	return c.do(ctx, http.MethodPost, "/message", map[string]any{"content": content}, nil)
}

func (c *Client) SubmitInterrupt(ctx context.Context, response any, summary *chat.SelectionSummary) error {
	body := map[string]any{"response": response}
	if summary != nil {
		body["summary"] = summary
	}
	return c.do(ctx, http.MethodPost, "/interrupt", body, nil)
}

func (c *Client) CreateThread(ctx context.Context) (chat.Thread, error) {
	var thread chat.Thread
	err := c.do(ctx, http.MethodPost, "/threads", nil, &thread)
	return thread, err
}

func (c *Client) SelectThread(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(id)+"/select", nil, nil)
}

// ReadEvents reads the /events feed into ch until ctx ends or the server
// closes the stream.
func (c *Client) ReadEvents(ctx context.Context, ch chan<- Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/events", nil)
	if err != nil {
		return xerrors.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	res, err := c.HTTP.Do(req)
	if err != nil {
		return xerrors.Errorf("failed to connect to events stream: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return xerrors.Errorf("failed to connect to events stream: %s", res.Status)
	}

	for ev, err := range sse.Read(res.Body, &sse.ReadConfig{
		// a messages_reset carries a whole transcript
		MaxEventSize: 1024 * 1024,
	}) {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return xerrors.Errorf("failed to read sse: %w", err)
		}
		select {
		case ch <- Event{Type: httpapi.EventType(ev.Type), Data: []byte(ev.Data)}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

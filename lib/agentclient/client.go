// Package agentclient opens network turns against the graph agent backend.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/coder/graphchat/lib/logctx"
	"golang.org/x/xerrors"
)

const (
	DefaultBaseURL = "http://localhost:8000"

	StartPath  = "/graph/start"
	ResumePath = "/graph/resume"

	// ResumeKey wraps an interrupt response in the resume payload.
	ResumeKey = "__resume__"
)

// StartRequest is the body of both turn endpoints. Input is the user's text
// when starting or continuing, and a ResumeInput when resuming.
type StartRequest struct {
	ThreadID string `json:"thread_id"`
	Input    any    `json:"input"`
}

type ResumeInput struct {
	Resume any `json:"__resume__"`
}

// StatusError is returned when the backend answers a turn with a non-2xx
// status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// Client posts turn requests. Every call is a single attempt.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL}
}

func (c *Client) baseURL() string {
	if c.BaseURL == "" {
		return DefaultBaseURL
	}
	return strings.TrimRight(c.BaseURL, "/")
}

// Endpoint returns the full URL of a turn endpoint path.
func (c *Client) Endpoint(path string) string {
	return c.baseURL() + path
}

// Start opens a turn for free-form text. A first message goes to the start
// endpoint; continuation of a thread that already completed a turn goes to
// the resume endpoint with the raw text as input.
func (c *Client) Start(ctx context.Context, threadID, input string, continuation bool) (io.ReadCloser, error) {
	path := StartPath
	if continuation {
		path = ResumePath
	}
	return c.post(ctx, path, StartRequest{ThreadID: threadID, Input: input})
}

// Resume answers a pending interrupt.
func (c *Client) Resume(ctx context.Context, threadID string, response any) (io.ReadCloser, error) {
	return c.post(ctx, ResumePath, StartRequest{
		ThreadID: threadID,
		Input:    ResumeInput{Resume: response},
	})
}

func (c *Client) post(ctx context.Context, path string, body StartRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal turn request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Errorf("failed to create turn request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logctx.From(ctx).Debug("Opening turn", "path", path, "thread_id", body.ThreadID)
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(msg)}
	}
	return resp.Body, nil
}

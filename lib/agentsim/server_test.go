package agentsim_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/graphchat/lib/agentclient"
	"github.com/coder/graphchat/lib/agentsim"
	"github.com/coder/graphchat/lib/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testScript = `
turns:
  - expect: Patch all Windows hosts
    steps:
      - node: planner
      - token: "OK, "
      - token: "scanning."
      - interrupt:
          question: Proceed?
          ui: yes_no
      - token: never sent
  - expect: "yes"
    steps:
      - raw: not json at all
  - status: 502
    steps: []
`

func newSim(t *testing.T) (*agentsim.Server, *agentclient.Client) {
	t.Helper()
	script, err := agentsim.ParseScript([]byte(testScript))
	require.NoError(t, err)
	sim := agentsim.New(script, agentsim.Config{})
	ts := httptest.NewServer(sim.Handler())
	t.Cleanup(ts.Close)
	return sim, agentclient.New(ts.URL)
}

func collect(t *testing.T, body io.ReadCloser) []eventstream.Event {
	t.Helper()
	var events []eventstream.Event
	for ev, err := range eventstream.NewDecoder(body, nil).All() {
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func TestScriptedTurns(t *testing.T) {
	ctx := context.Background()
	sim, client := newSim(t)

	body, err := client.Start(ctx, "t1", "Patch all Windows hosts", false)
	require.NoError(t, err)
	events := collect(t, body)
	require.Len(t, events, 4)
	assert.Equal(t, eventstream.NodeStart("planner"), events[0])
	assert.Equal(t, eventstream.Token("OK, "), events[1])
	assert.Equal(t, eventstream.Token("scanning."), events[2])
	require.Equal(t, eventstream.EventTypeInterrupt, events[3].Type)
	assert.Equal(t, "Proceed?", events[3].Interrupt.Question)

	body, err = client.Resume(ctx, "t1", "yes")
	require.NoError(t, err)
	assert.Equal(t, []eventstream.Event{eventstream.Token("not json at all")}, collect(t, body))

	_, err = client.Start(ctx, "t1", "again", true)
	var statusErr *agentclient.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)

	body, err = client.Start(ctx, "t1", "more", true)
	require.NoError(t, err)
	assert.Equal(t, []eventstream.Event{eventstream.Token(agentsim.EndOfScript)}, collect(t, body))

	requests := sim.Requests()
	require.Len(t, requests, 4)
	assert.Equal(t, agentclient.StartPath, requests[0].Path)
	assert.False(t, requests[0].Resume())
	assert.Equal(t, agentclient.ResumePath, requests[1].Path)
	assert.True(t, requests[1].Resume())
	assert.Equal(t, "yes", requests[1].Text())
	assert.Equal(t, agentclient.ResumePath, requests[2].Path)
	assert.False(t, requests[2].Resume())
}

func TestThreadsAreIndependent(t *testing.T) {
	ctx := context.Background()
	_, client := newSim(t)

	for _, thread := range []string{"t1", "t2"} {
		body, err := client.Start(ctx, thread, "Patch all Windows hosts", false)
		require.NoError(t, err)
		assert.Len(t, collect(t, body), 4)
	}
}

func TestUnexpectedInput(t *testing.T) {
	_, client := newSim(t)
	_, err := client.Start(context.Background(), "t1", "something else", false)
	var statusErr *agentclient.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnprocessableEntity, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "something else")
}

func TestRequestText(t *testing.T) {
	req := agentsim.Request{Input: []byte(`{"__resume__":["host-1","host-2"]}`)}
	assert.True(t, req.Resume())
	assert.Equal(t, `["host-1","host-2"]`, req.Text())
}

func TestParseScript(t *testing.T) {
	_, err := agentsim.ParseScript([]byte("turns:\n  - steps:\n      - node: a\n        token: b\n"))
	require.Error(t, err)

	_, err = agentsim.ParseScript([]byte("turns:\n  - steps:\n      - nope: a\n"))
	require.Error(t, err)

	script := agentsim.DefaultScript()
	require.NotEmpty(t, script.Turns)
	assert.True(t, strings.HasPrefix(script.Turns[0].Steps[0].Node, "planner"))
}

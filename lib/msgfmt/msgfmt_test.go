package msgfmt

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/coder/graphchat/lib/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrimWhitespace(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"  hello  ", "hello"},
		{"\t\nhello\r\n", "hello"},
		{"no_whitespace", "no_whitespace"},
		{"  ", ""},
		{"", ""},
		{"  multi\nline  ", "multi\nline"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, TrimWhitespace(tt.input))
		})
	}
}

func TestTrimEmptyLines(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello\nworld", "hello\nworld"},
		{"\nhello\nworld", "hello\nworld"},
		{"\n\nhello\n\nworld\n\n", "hello\n\nworld"},
		{"\n\n\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, trimEmptyLines(tt.input))
		})
	}
}

func TestClean(t *testing.T) {
	assert.Equal(t, "Patched 3 hosts", Clean("\x1b[32mPatched\x1b[0m 3 hosts  \r\n\r\n"))
	assert.Equal(t, "line one\n\nline two", Clean("\n line one \n\nline two\t\n"))
}

func interrupt(t *testing.T, raw string) *chat.InterruptContent {
	t.Helper()
	var ic chat.InterruptContent
	require.NoError(t, json.Unmarshal([]byte(raw), &ic))
	return &ic
}

const hostTable = `{"question":"Which hosts?","ui":"render_selectable_table","options":[` +
	`{"id":"1","label":"host-1","os":"windows"},` +
	`{"id":"2","label":"host-2","os":"linux"},` +
	`{"id":"3","label":"host-3","os":"windows"}]}`

func TestParseResponse(t *testing.T) {
	t.Run("YesNo", func(t *testing.T) {
		ic := interrupt(t, `{"question":"Proceed?","ui":"yes_no","options":[]}`)
		for line, want := range map[string]string{"y": "yes", " YES ": "yes", "n": "no", "No": "no"} {
			resp, summary, err := ParseResponse(ic, line)
			require.NoError(t, err, line)
			assert.Equal(t, want, resp)
			assert.Nil(t, summary)
		}
		_, _, err := ParseResponse(ic, "maybe")
		require.Error(t, err)
	})

	t.Run("MultiSelect", func(t *testing.T) {
		ic := interrupt(t, hostTable)
		resp, summary, err := ParseResponse(ic, "3, 1,3")
		require.NoError(t, err)
		assert.Equal(t, []string{"3", "1"}, resp)
		assert.Equal(t, &chat.SelectionSummary{Label: "Selected items", Items: []string{"host-1", "host-3"}}, summary)

		resp, _, err = ParseResponse(ic, SelectAll)
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "2", "3"}, resp)

		_, _, err = ParseResponse(ic, "1,9")
		require.ErrorIs(t, err, ErrUnknownOption)

		_, _, err = ParseResponse(ic, " , ")
		require.ErrorIs(t, err, ErrEmptyResponse)
	})

	t.Run("SingleSelect", func(t *testing.T) {
		ic := interrupt(t, `{"question":"Which ring?","ui":"radio","options":[{"id":"a","label":"Pilot"},{"id":"b","label":"Broad"}]}`)
		resp, summary, err := ParseResponse(ic, "b")
		require.NoError(t, err)
		assert.Equal(t, "b", resp)
		assert.Equal(t, []string{"Broad"}, summary.Items)

		_, _, err = ParseResponse(ic, "a,b")
		require.Error(t, err)
		_, _, err = ParseResponse(ic, SelectAll)
		require.ErrorIs(t, err, ErrUnknownOption)
	})

	t.Run("ActionStatus", func(t *testing.T) {
		ic := interrupt(t, `{"question":"Patching","ui":"display_action_status","options":[]}`)
		resp, summary, err := ParseResponse(ic, "")
		require.NoError(t, err)
		assert.Equal(t, Acknowledged, resp)
		assert.Nil(t, summary)
	})

	t.Run("TextInput", func(t *testing.T) {
		ic := interrupt(t, `{"question":"Maintenance window?","ui":"text_input","options":[]}`)
		resp, _, err := ParseResponse(ic, "  sunday 02:00 ")
		require.NoError(t, err)
		assert.Equal(t, "sunday 02:00", resp)

		_, _, err = ParseResponse(ic, "   ")
		require.ErrorIs(t, err, ErrEmptyResponse)
	})

	t.Run("UnknownKind", func(t *testing.T) {
		ic := interrupt(t, `{"question":"?","ui":"hologram","options":[]}`)
		resp, _, err := ParseResponse(ic, "free text")
		require.NoError(t, err)
		assert.Equal(t, "free text", resp)
	})
}

func TestFormatter(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf, 20)
	assert.Equal(t, strings.Repeat("─", 20), Clean(f.Rule()))

	t.Run("Transcript", func(t *testing.T) {
		out := Clean(f.Transcript([]chat.Message{
			{Role: chat.RoleUser, Content: "patch windows"},
			{Role: chat.RoleAssistant, Content: "\x1b[1mFound 3 hosts\x1b[0m"},
			{Role: chat.RoleUser, Content: `["1","3"]`, SelectionSummary: &chat.SelectionSummary{Label: "Selected items", Items: []string{"host-1", "host-3"}}},
		}))
		assert.Equal(t, "you\npatch windows\n\nagent\nFound 3 hosts\n\nyou\nSelected items: host-1, host-3", out)
	})

	t.Run("Table", func(t *testing.T) {
		out := Clean(f.Interrupt(interrupt(t, hostTable)))
		assert.True(t, strings.HasPrefix(out, "Which hosts?\n"))
		for _, want := range []string{"id", "label", "os", "host-2", "linux"} {
			assert.Contains(t, out, want)
		}
		assert.True(t, strings.HasSuffix(out, Hint(interrupt(t, hostTable))))
	})

	t.Run("ActionStatus", func(t *testing.T) {
		out := Clean(f.Interrupt(interrupt(t, `{"question":"Patching","ui":"action_status","options":[`+
			`{"id":"a","label":"WIN-01","computer_name":"WIN-01","status":"failed","log":"KB5031 rollback"}]}`)))
		assert.Equal(t, "Patching\n● WIN-01 failed\n    KB5031 rollback\npress enter to acknowledge", out)
	})

	t.Run("Options", func(t *testing.T) {
		out := Clean(f.Interrupt(interrupt(t, `{"question":"Which ring?","ui":"radio","options":[{"id":"a","label":"Pilot"}]}`)))
		assert.Equal(t, "Which ring?\n  a  Pilot\nenter an option id", out)
	})

	t.Run("Threads", func(t *testing.T) {
		created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.Local)
		out := Clean(f.Threads([]chat.Thread{
			{ID: "t2", Title: "Second", CreatedAt: created},
			{ID: "t1", Title: "First", CreatedAt: created},
		}, "t1"))
		assert.Equal(t, "  Second (t2, Mar 1 12:00)\n* First (t1, Mar 1 12:00)", out)
	})
}

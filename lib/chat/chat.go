// Package chat holds the conversation data model shared by the engine, the
// thread store and the collaborator surface.
package chat

import (
	"time"

	"github.com/coder/graphchat/lib/util"
	"github.com/danielgtaylor/huma/v2"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var RoleValues = []Role{
	RoleUser,
	RoleAssistant,
}

func (r Role) Schema(reg huma.Registry) *huma.Schema {
	return util.OpenAPISchema(reg, "Role", RoleValues)
}

const (
	// DefaultThreadTitle is the title of a thread that has not received a user message yet.
	DefaultThreadTitle = "New Patch Session"
	// TitleMaxRunes is the length a derived title is cut to.
	TitleMaxRunes = 40
	titleEllipsis = "..."
)

// Thread is one conversation.
type Thread struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	IsActive  bool      `json:"isActive"`
	// Started is set once the thread has completed a turn; later free-form
	// messages continue the server-side state instead of starting it.
	Started bool `json:"started,omitempty"`
	// Titled is set once the title was derived from the first user message.
	Titled bool `json:"titled,omitempty"`
}

// TitleFrom derives a thread title from the first user message.
func TitleFrom(text string) string {
	return util.TruncateRunes(text, TitleMaxRunes, titleEllipsis)
}

// SelectionSummary replaces a machine-encoded interrupt response with a short
// human label in the transcript.
type SelectionSummary struct {
	Label string   `json:"label"`
	Items []string `json:"items"`
}

type Message struct {
	ID               string            `json:"id"`
	Role             Role              `json:"role"`
	Content          string            `json:"content"`
	Timestamp        time.Time         `json:"timestamp"`
	SelectionSummary *SelectionSummary `json:"selectionSummary,omitempty"`
}

// Snapshot is the read-only view handed to collaborators.
type Snapshot struct {
	Threads          []Thread          `json:"threads"`
	ActiveThreadID   string            `json:"activeThreadId"`
	Messages         []Message         `json:"messages"`
	IsStreaming      bool              `json:"isStreaming"`
	CurrentInterrupt *InterruptContent `json:"currentInterrupt"`
	CurrentNode      string            `json:"currentNode"`
	// PanelInterrupt is the latest interrupt rendered outside the message
	// stream (tables, status boards). It outlives the answer to it so the
	// panel keeps showing the data until the thread changes.
	PanelInterrupt *InterruptContent `json:"panelInterrupt"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Threads = append([]Thread(nil), s.Threads...)
	out.Messages = CloneMessages(s.Messages)
	out.CurrentInterrupt = s.CurrentInterrupt.Clone()
	out.PanelInterrupt = s.PanelInterrupt.Clone()
	return out
}

func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if m.SelectionSummary != nil {
			summary := *m.SelectionSummary
			summary.Items = append([]string(nil), m.SelectionSummary.Items...)
			out[i].SelectionSummary = &summary
		}
	}
	return out
}

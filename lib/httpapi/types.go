package httpapi

import (
	"time"

	"github.com/coder/graphchat/lib/chat"
)

type StateResponse struct {
	Body chat.Snapshot
}

type ThreadsResponse struct {
	Body struct {
		Threads []chat.Thread `json:"threads" nullable:"false" doc:"Threads, most recently created first."`
	}
}

type ThreadResponse struct {
	Body chat.Thread
}

type SelectThreadRequest struct {
	ID string `path:"id" doc:"Id of the thread to activate."`
}

type MessageRequest struct {
	Body struct {
		Content string `json:"content" doc:"Free-form text sent to the agent."`
	}
}

type InterruptRequest struct {
	Body struct {
		Response any                    `json:"response" doc:"Answer to the pending interrupt. Sent to the agent as the resume value."`
		Summary  *chat.SelectionSummary `json:"summary,omitempty" doc:"Label shown in the transcript instead of the encoded response."`
	}
}

type OKResponse struct {
	Body struct {
		Ok bool `json:"ok" doc:"Indicates whether the turn was started."`
	}
}

// MessageUpdateBody is sent when a message is appended or its content grows.
type MessageUpdateBody struct {
	ID               string                 `json:"id"`
	Role             chat.Role              `json:"role"`
	Content          string                 `json:"content"`
	Timestamp        time.Time              `json:"timestamp"`
	SelectionSummary *chat.SelectionSummary `json:"selectionSummary,omitempty"`
}

// MessagesResetBody replaces the whole transcript, e.g. after a thread switch.
type MessagesResetBody struct {
	Messages []chat.Message `json:"messages" nullable:"false"`
}

type StatusChangeBody struct {
	IsStreaming      bool                   `json:"isStreaming"`
	CurrentNode      string                 `json:"currentNode"`
	CurrentInterrupt *chat.InterruptContent `json:"currentInterrupt"`
	PanelInterrupt   *chat.InterruptContent `json:"panelInterrupt"`
}

type ThreadsChangeBody struct {
	Threads        []chat.Thread `json:"threads" nullable:"false"`
	ActiveThreadID string        `json:"activeThreadId"`
}

type ErrorBody struct {
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

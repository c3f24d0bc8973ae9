package attach

import (
	"encoding/json"

	"github.com/coder/graphchat/lib/chat"
	"github.com/coder/graphchat/lib/httpapi"
	"golang.org/x/xerrors"
)

// applyEvent folds one feed event into snap. Error events are returned as a
// notice for the user.
func applyEvent(snap *chat.Snapshot, ev Event) (string, error) {
	switch ev.Type {
	case httpapi.EventTypeMessageUpdate:
		var body httpapi.MessageUpdateBody
		if err := json.Unmarshal(ev.Data, &body); err != nil {
			return "", xerrors.Errorf("failed to decode %s: %w", ev.Type, err)
		}
		msg := chat.Message{
			ID:               body.ID,
			Role:             body.Role,
			Content:          body.Content,
			Timestamp:        body.Timestamp,
			SelectionSummary: body.SelectionSummary,
		}
		for i := range snap.Messages {
			if snap.Messages[i].ID == msg.ID {
				snap.Messages[i] = msg
				return "", nil
			}
		}
		snap.Messages = append(snap.Messages, msg)
	case httpapi.EventTypeMessagesReset:
		var body httpapi.MessagesResetBody
		if err := json.Unmarshal(ev.Data, &body); err != nil {
			return "", xerrors.Errorf("failed to decode %s: %w", ev.Type, err)
		}
		snap.Messages = body.Messages
	case httpapi.EventTypeStatusChange:
		var body httpapi.StatusChangeBody
		if err := json.Unmarshal(ev.Data, &body); err != nil {
			return "", xerrors.Errorf("failed to decode %s: %w", ev.Type, err)
		}
		snap.IsStreaming = body.IsStreaming
		snap.CurrentNode = body.CurrentNode
		snap.CurrentInterrupt = body.CurrentInterrupt
		snap.PanelInterrupt = body.PanelInterrupt
	case httpapi.EventTypeThreadsChange:
		var body httpapi.ThreadsChangeBody
		if err := json.Unmarshal(ev.Data, &body); err != nil {
			return "", xerrors.Errorf("failed to decode %s: %w", ev.Type, err)
		}
		snap.Threads = body.Threads
		snap.ActiveThreadID = body.ActiveThreadID
	case httpapi.EventTypeError:
		var body httpapi.ErrorBody
		if err := json.Unmarshal(ev.Data, &body); err != nil {
			return "", xerrors.Errorf("failed to decode %s: %w", ev.Type, err)
		}
		return body.Message, nil
	}
	return "", nil
}

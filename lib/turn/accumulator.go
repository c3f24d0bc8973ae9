// Package turn applies the events of one network turn to a transcript.
package turn

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/coder/graphchat/lib/chat"
	"github.com/coder/graphchat/lib/eventstream"
	"github.com/coder/graphchat/lib/logctx"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// Source yields the events of a single turn and reports io.EOF at the end.
type Source interface {
	Next() (eventstream.Event, error)
}

// Sink receives every state mutation of a turn as it happens. Each call is
// an independent update so live views can redraw per token.
type Sink interface {
	AppendMessage(msg chat.Message) error
	UpdateMessage(id string, content string) error
	SetNode(node string) error
	SetInterrupt(ic *chat.InterruptContent) error
}

type Config struct {
	Clock quartz.Clock
	// NewID generates the placeholder message id. Defaults to a random uuid.
	NewID func() string
}

// Result describes how a turn ended.
type Result struct {
	MessageID string
	Content   string
	// Interrupt is set when the agent suspended the turn.
	Interrupt *chat.InterruptContent
	Tokens    int
}

// Suspended reports whether the turn ended on an interrupt.
func (r Result) Suspended() bool {
	return r.Interrupt != nil
}

// Run consumes src until it ends or yields an interrupt. The stage label is
// cleared on every exit path.
func Run(ctx context.Context, src Source, sink Sink, cfg Config) (res Result, err error) {
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	logger := logctx.From(ctx)

	res.MessageID = cfg.NewID()
	if err := sink.AppendMessage(chat.Message{
		ID:        res.MessageID,
		Role:      chat.RoleAssistant,
		Content:   "",
		Timestamp: cfg.Clock.Now(),
	}); err != nil {
		return res, xerrors.Errorf("failed to append assistant placeholder: %w", err)
	}
	defer func() {
		if clearErr := sink.SetNode(""); clearErr != nil && err == nil {
			err = xerrors.Errorf("failed to clear node: %w", clearErr)
		}
	}()

	var content strings.Builder
	for {
		ev, nextErr := src.Next()
		if errors.Is(nextErr, io.EOF) {
			res.Content = content.String()
			return res, nil
		}
		if nextErr != nil {
			res.Content = content.String()
			return res, nextErr
		}
		if err := ctx.Err(); err != nil {
			res.Content = content.String()
			return res, err
		}

		switch ev.Type {
		case eventstream.EventTypeToken:
			content.WriteString(ev.Content)
			res.Tokens++
			if err := sink.UpdateMessage(res.MessageID, content.String()); err != nil {
				return res, xerrors.Errorf("failed to update assistant message: %w", err)
			}
		case eventstream.EventTypeNodeStart:
			logger.Debug("Agent entered node", "node", ev.Node)
			if err := sink.SetNode(ev.Node); err != nil {
				return res, xerrors.Errorf("failed to set node: %w", err)
			}
		case eventstream.EventTypeInterrupt:
			res.Interrupt = ev.Interrupt
			if err := sink.SetInterrupt(ev.Interrupt); err != nil {
				return res, xerrors.Errorf("failed to set interrupt: %w", err)
			}
			if q := ev.Interrupt.Question; q != "" {
				if content.Len() > 0 {
					content.WriteString("\n\n")
				}
				content.WriteString(q)
				if err := sink.UpdateMessage(res.MessageID, content.String()); err != nil {
					return res, xerrors.Errorf("failed to update assistant message: %w", err)
				}
			}
			res.Content = content.String()
			logger.Debug("Turn suspended by interrupt", "ui", ev.Interrupt.UI)
			return res, nil
		}
	}
}

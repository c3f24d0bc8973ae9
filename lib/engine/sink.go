package engine

import (
	"context"

	"github.com/coder/graphchat/lib/chat"
	"github.com/coder/graphchat/lib/turn"
	"golang.org/x/xerrors"
)

// turnSink applies one turn's mutations to the engine. Once the turn's
// generation is superseded every call fails with errStaleTurn and changes
// nothing.
type turnSink struct {
	e        *Engine
	ctx      context.Context
	gen      uint64
	threadID string
	// persistErr is the first failed transcript write.
	persistErr error
}

var _ turn.Sink = (*turnSink)(nil)

func (s *turnSink) apply(persist bool, mutate func()) error {
	e := s.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.gen != e.generation {
		return errStaleTurn
	}
	mutate()
	if !persist {
		e.emitStatusLocked()
		return nil
	}
	if err := e.store.PersistMessages(s.ctx, s.threadID, e.messages); err != nil {
		s.persistErr = xerrors.Errorf("failed to persist transcript: %w", err)
		return s.persistErr
	}
	e.emitter.EmitMessages(chat.CloneMessages(e.messages))
	return nil
}

func (s *turnSink) AppendMessage(msg chat.Message) error {
	return s.apply(true, func() {
		s.e.messages = append(s.e.messages, msg)
	})
}

func (s *turnSink) UpdateMessage(id string, content string) error {
	return s.apply(true, func() {
		for i := len(s.e.messages) - 1; i >= 0; i-- {
			if s.e.messages[i].ID == id {
				s.e.messages[i].Content = content
				return
			}
		}
	})
}

func (s *turnSink) SetNode(node string) error {
	return s.apply(false, func() {
		s.e.node = node
	})
}

func (s *turnSink) SetInterrupt(ic *chat.InterruptContent) error {
	return s.apply(false, func() {
		s.e.interrupt = ic.Clone()
		if ic != nil && ic.UI.Placement() == chat.PlacementPanel {
			s.e.panel = ic.Clone()
		}
	})
}

package chat

import (
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/acarl005/stripansi"
	"github.com/coder/graphchat/lib/chat"
	"github.com/coder/graphchat/lib/engine"
	"github.com/coder/graphchat/lib/msgfmt"
)

// printer writes engine updates to a terminal. With stream set, assistant text
// is written as it arrives; otherwise messages are written when a turn ends.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	f      *msgfmt.Formatter
	stream bool

	msgs []chat.Message
	// printed counts the body bytes already written per message id.
	printed   map[string]int
	open      bool
	node      string
	interrupt *chat.InterruptContent
}

var _ engine.Emitter = (*printer)(nil)

func newPrinter(out io.Writer, f *msgfmt.Formatter, stream bool) *printer {
	return &printer{
		out:     out,
		f:       f,
		stream:  stream,
		printed: make(map[string]int),
	}
}

func (p *printer) EmitMessages(msgs []chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = msgs
	if p.stream {
		p.flushLocked()
	}
}

func (p *printer) EmitStatus(status engine.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream || !status.IsStreaming {
		p.flushLocked()
	}
	if p.stream && status.IsStreaming && status.CurrentNode != "" && status.CurrentNode != p.node {
		p.closeLocked()
		fmt.Fprintln(p.out, p.f.Node(status.CurrentNode))
	}
	p.node = status.CurrentNode
	if status.CurrentInterrupt != nil && !reflect.DeepEqual(status.CurrentInterrupt, p.interrupt) {
		p.flushLocked()
		p.closeLocked()
		fmt.Fprintln(p.out, p.f.Interrupt(status.CurrentInterrupt))
		fmt.Fprintln(p.out)
	}
	p.interrupt = status.CurrentInterrupt
	if !status.IsStreaming {
		p.closeLocked()
	}
}

func (p *printer) EmitThreads([]chat.Thread) {}

// Flush writes everything not yet written and ends the current message.
func (p *printer) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushLocked()
	p.closeLocked()
}

// Load shows a transcript that was restored outside of a turn.
func (p *printer) Load(msgs []chat.Message) {
	p.mu.Lock()
	p.msgs = msgs
	p.mu.Unlock()
	p.Flush()
}

func (p *printer) Println(a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	fmt.Fprintln(p.out, a...)
}

func body(m chat.Message) string {
	if m.Role == chat.RoleUser {
		return msgfmt.Body(m)
	}
	return stripansi.Strip(m.Content)
}

func (p *printer) flushLocked() {
	for _, m := range p.msgs {
		n, seen := p.printed[m.ID]
		text := body(m)
		if !seen && text == "" && m.Role == chat.RoleAssistant {
			// the placeholder of a turn gets its header with the first token
			continue
		}
		if !seen {
			p.closeLocked()
			fmt.Fprintln(p.out, p.f.Header(m.Role))
			p.open = true
		}
		if len(text) > n {
			_, _ = io.WriteString(p.out, text[n:])
			p.open = true
			n = len(text)
		}
		p.printed[m.ID] = n
	}
}

func (p *printer) closeLocked() {
	if p.open {
		_, _ = io.WriteString(p.out, "\n\n")
		p.open = false
	}
}

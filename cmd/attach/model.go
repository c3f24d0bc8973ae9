package attach

import (
	"context"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/coder/graphchat/lib/chat"
	"github.com/coder/graphchat/lib/msgfmt"
	"golang.org/x/xerrors"
)

// conversation is the part of Client the model drives.
type conversation interface {
	SendMessage(ctx context.Context, content string) error
	SubmitInterrupt(ctx context.Context, response any, summary *chat.SelectionSummary) error
	CreateThread(ctx context.Context) (chat.Thread, error)
	SelectThread(ctx context.Context, id string) error
}

type eventMsg Event

type noticeMsg string

type streamClosedMsg struct {
	err error
}

type model struct {
	ctx    context.Context
	conv   conversation
	f      *msgfmt.Formatter
	snap   chat.Snapshot
	input  []rune
	notice string
	err    error
}

func newModel(ctx context.Context, conv conversation, f *msgfmt.Formatter, snap chat.Snapshot) model {
	return model{ctx: ctx, conv: conv, f: f, snap: snap}
}

func (m model) Init() tea.Cmd {
	return nil
}

//lint:ignore U1000 The Update function is used by the Bubble Tea framework
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		notice, err := applyEvent(&m.snap, Event(msg))
		if err != nil {
			m.notice = "error: " + err.Error()
		} else if notice != "" {
			m.notice = "error: " + notice
		}
	case noticeMsg:
		m.notice = string(msg)
	case streamClosedMsg:
		m.err = msg.err
		if m.err == nil {
			m.err = xerrors.New("server closed the event stream")
		}
		return m, tea.Quit
	case tea.WindowSizeMsg:
		m.f.Width = msg.Width
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			line := string(m.input)
			m.input = nil
			m.notice = ""
			return m.submit(line)
		case tea.KeyBackspace:
			if len(m.input) > 0 {
				m.input = m.input[:len(m.input)-1]
			}
		case tea.KeySpace:
			m.input = append(m.input, ' ')
		case tea.KeyRunes:
			m.input = append(m.input, msg.Runes...)
		}
	}
	return m, nil
}

func (m model) submit(line string) (tea.Model, tea.Cmd) {
	text := msgfmt.TrimWhitespace(line)
	ctx, conv := m.ctx, m.conv
	run := func(op func() error) tea.Cmd {
		return func() tea.Msg {
			if err := op(); err != nil {
				return noticeMsg("error: " + err.Error())
			}
			return nil
		}
	}
	switch {
	case text == "/quit" || text == "/exit":
		return m, tea.Quit
	case text == "/threads":
		if len(m.snap.Threads) == 0 {
			m.notice = "No threads yet."
		} else {
			m.notice = m.f.Threads(m.snap.Threads, m.snap.ActiveThreadID)
		}
		return m, nil
	case text == "/new":
		return m, run(func() error {
			_, err := conv.CreateThread(ctx)
			return err
		})
	case text == "/select" || strings.HasPrefix(text, "/select "):
		id := msgfmt.TrimWhitespace(strings.TrimPrefix(text, "/select"))
		if id == "" {
			m.notice = "error: usage: /select <id>"
			return m, nil
		}
		return m, run(func() error { return conv.SelectThread(ctx, id) })
	}

	if ic := m.snap.CurrentInterrupt; ic != nil {
		response, summary, err := msgfmt.ParseResponse(ic, line)
		if err != nil {
			m.notice = "error: " + err.Error()
			return m, nil
		}
		return m, run(func() error { return conv.SubmitInterrupt(ctx, response, summary) })
	}
	if text == "" {
		return m, nil
	}
	return m, run(func() error { return conv.SendMessage(ctx, line) })
}

func (m model) title() string {
	for _, t := range m.snap.Threads {
		if t.ID == m.snap.ActiveThreadID {
			return t.Title
		}
	}
	return "no thread"
}

func (m model) View() string {
	var sb strings.Builder
	sb.WriteString(m.title())
	sb.WriteString("\n")
	sb.WriteString(m.f.Rule())
	sb.WriteString("\n")
	if len(m.snap.Messages) > 0 {
		sb.WriteString(m.f.Transcript(m.snap.Messages))
		sb.WriteString("\n\n")
	}
	if m.snap.IsStreaming && m.snap.CurrentNode != "" {
		sb.WriteString(m.f.Node(m.snap.CurrentNode))
		sb.WriteString("\n\n")
	}
	switch {
	case m.snap.CurrentInterrupt != nil:
		sb.WriteString(m.f.Interrupt(m.snap.CurrentInterrupt))
		sb.WriteString("\n\n")
	case m.snap.PanelInterrupt != nil:
		sb.WriteString(m.f.Panel(m.snap.PanelInterrupt))
		sb.WriteString("\n")
	}
	sb.WriteString(m.f.Rule())
	sb.WriteString("\n")
	if m.notice != "" {
		sb.WriteString(m.notice)
		sb.WriteString("\n")
	}
	sb.WriteString("> ")
	sb.WriteString(string(m.input))
	return sb.String()
}

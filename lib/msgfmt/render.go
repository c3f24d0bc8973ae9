package msgfmt

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/coder/graphchat/lib/chat"
)

const DefaultWidth = 80

// Formatter renders transcript entries for one terminal. Colors are chosen
// from the capabilities of the writer it was created for.
type Formatter struct {
	Width int

	user      lipgloss.Style
	assistant lipgloss.Style
	node      lipgloss.Style
	question  lipgloss.Style
	muted     lipgloss.Style
	states    map[chat.ActionState]lipgloss.Style
}

func NewFormatter(w io.Writer, width int) *Formatter {
	if width <= 0 {
		width = DefaultWidth
	}
	r := lipgloss.NewRenderer(w)
	return &Formatter{
		Width:     width,
		user:      r.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		assistant: r.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		node:      r.NewStyle().Italic(true).Foreground(lipgloss.Color("243")),
		question:  r.NewStyle().Bold(true),
		muted:     r.NewStyle().Foreground(lipgloss.Color("240")),
		states: map[chat.ActionState]lipgloss.Style{
			chat.ActionPending: r.NewStyle().Foreground(lipgloss.Color("243")),
			chat.ActionRunning: r.NewStyle().Foreground(lipgloss.Color("214")),
			chat.ActionSuccess: r.NewStyle().Foreground(lipgloss.Color("42")),
			chat.ActionFailed:  r.NewStyle().Foreground(lipgloss.Color("196")),
		},
	}
}

func (f *Formatter) Rule() string {
	return f.muted.Render(strings.Repeat("─", f.Width))
}

func (f *Formatter) Header(role chat.Role) string {
	if role == chat.RoleUser {
		return f.user.Render("you")
	}
	return f.assistant.Render("agent")
}

// Body is the text shown for a message: the selection summary when there is
// one, the cleaned content otherwise.
func Body(m chat.Message) string {
	if m.SelectionSummary != nil {
		return Summary(m.SelectionSummary)
	}
	return Clean(m.Content)
}

func Summary(s *chat.SelectionSummary) string {
	return fmt.Sprintf("%s: %s", s.Label, strings.Join(s.Items, ", "))
}

func (f *Formatter) Message(m chat.Message) string {
	return f.Header(m.Role) + "\n" + Body(m)
}

func (f *Formatter) Transcript(msgs []chat.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, f.Message(m))
	}
	return strings.Join(parts, "\n\n")
}

func (f *Formatter) Node(name string) string {
	return f.node.Render("· " + name)
}

// Threads lists threads in store order with the active one marked.
func (f *Formatter) Threads(threads []chat.Thread, activeID string) string {
	var sb strings.Builder
	for _, t := range threads {
		marker := "  "
		if t.ID == activeID {
			marker = "* "
		}
		sb.WriteString(marker)
		sb.WriteString(t.Title)
		sb.WriteString(" ")
		sb.WriteString(f.muted.Render(fmt.Sprintf("(%s, %s)", t.ID, t.CreatedAt.Local().Format("Jan 2 15:04"))))
		sb.WriteString("\n")
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// Interrupt renders a pending interrupt with a hint on how to answer it.
func (f *Formatter) Interrupt(ic *chat.InterruptContent) string {
	return f.Panel(ic) + f.muted.Render(Hint(ic))
}

// Panel renders the question and data of an interrupt.
func (f *Formatter) Panel(ic *chat.InterruptContent) string {
	var sb strings.Builder
	if ic.Question != "" {
		sb.WriteString(f.question.Render(Clean(ic.Question)))
		sb.WriteString("\n")
	}
	switch {
	case ic.UI == chat.KindActionStatus:
		sb.WriteString(f.actionStatus(ic))
	case ic.UI.MultiSelect():
		sb.WriteString(f.table(ic))
	case ic.UI.Selectable():
		for _, o := range ic.Options {
			fmt.Fprintf(&sb, "  %s  %s\n", f.muted.Render(o.ID), o.Label)
		}
	}
	return sb.String()
}

// Hint tells the user how to answer ic.
func Hint(ic *chat.InterruptContent) string {
	switch {
	case ic.UI == chat.KindActionStatus:
		return "press enter to acknowledge"
	case ic.UI == chat.KindYesNo:
		return "answer y or n"
	case ic.UI.MultiSelect():
		return "enter option ids separated by commas, or " + SelectAll + " for all"
	case ic.UI.Selectable():
		return "enter an option id"
	}
	return "type your answer"
}

func (f *Formatter) table(ic *chat.InterruptContent) string {
	cols := ic.TableColumns()
	headers := append([]string{"id", "label"}, cols...)
	rows := make([][]string, 0, len(ic.Options))
	for _, o := range ic.Options {
		row := make([]string, 0, len(headers))
		row = append(row, o.ID, Clean(o.Label))
		for _, c := range cols {
			row = append(row, Clean(o.Field(c)))
		}
		rows = append(rows, row)
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.muted).
		Headers(headers...).
		Rows(rows...)
	return t.Render() + "\n"
}

func (f *Formatter) actionStatus(ic *chat.InterruptContent) string {
	var sb strings.Builder
	for _, e := range ic.ActionStatuses() {
		style, ok := f.states[e.Status]
		if !ok {
			style = f.muted
		}
		fmt.Fprintf(&sb, "%s %s %s\n", style.Render("●"), e.ComputerName, style.Render(string(e.Status)))
		if e.Log != "" {
			sb.WriteString("    ")
			sb.WriteString(f.muted.Render(Clean(e.Log)))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

package chat

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/wordwrap"
)

// Agent and role colors.
var (
	assistantColor = lipgloss.AdaptiveColor{Light: "#179299", Dark: "#179299"}
	userColor      = lipgloss.AdaptiveColor{Light: "#FB923C", Dark: "#FB923C"}
	systemColor    = lipgloss.AdaptiveColor{Light: "#FF6B6B", Dark: "#FF8787"}
	mutedColor     = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#666666"}
)

// View styles.
var (
	roleStyle = lipgloss.NewStyle().Bold(true)

	userTextStyle = lipgloss.NewStyle().Foreground(userColor)

	toolCallStyle = lipgloss.NewStyle().Foreground(mutedColor)

	systemStyle = lipgloss.NewStyle().Foreground(systemColor).Italic(true)

	tabCurrentStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#FFFFFF", Dark: "#FFFFFF"}).
			Background(assistantColor).
			Padding(0, 1)

	tabStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)

	statusStyle = lipgloss.NewStyle().Foreground(mutedColor)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(assistantColor)
)

// View renders the chat TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 || m.height == 0 {
		return ""
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderTabs(),
		m.vp.View(),
		m.renderStatus(),
		inputBoxStyle.Width(m.width-2).Render(m.input.View()),
	)
}

// renderTabs renders one tab per agent, current agent highlighted.
func (m Model) renderTabs() string {
	agents := m.orch.Directory().All()
	if len(agents) == 0 {
		return tabStyle.Render("no agents · /new <name> <role> <prompt>")
	}

	current := m.currentName()
	var tabs []string
	for _, a := range agents {
		label := a.Name()
		switch {
		case a.IsCreating():
			label += " ~"
		case m.busy[a.Name()]:
			label += " *"
		}
		if a.Name() == current {
			tabs = append(tabs, tabCurrentStyle.Render(label))
		} else {
			tabs = append(tabs, tabStyle.Render(label))
		}
	}

	row := lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
	return runewidth.Truncate(row, m.width, "…")
}

// renderStatus renders the bottom status line.
func (m Model) renderStatus() string {
	mode := "queue off"
	if m.orch.QueueMode() {
		mode = "queue on"
	}

	parts := []string{mode}
	if m.status != "" {
		parts = append(parts, m.status)
	}
	parts = append(parts, "tab: next agent · ctrl+t: queue · ctrl+c: quit")

	line := strings.Join(parts, "  │  ")
	return statusStyle.Render(runewidth.Truncate(line, m.width, "…"))
}

// renderTranscript renders the current agent's transcript. Consecutive
// tool calls are grouped under one role label, with the last call in a
// run closing the group.
func (m Model) renderTranscript() string {
	current := m.currentName()
	entries := m.transcripts[current]
	if len(entries) == 0 {
		return statusStyle.Render("  (no messages)")
	}

	wrap := max(m.width-4, 20)
	var b strings.Builder

	for i, e := range entries {
		firstTool := e.Role == roleTool && (i == 0 || entries[i-1].Role != roleTool)
		lastTool := e.Role == roleTool && (i == len(entries)-1 || entries[i+1].Role != roleTool)

		switch e.Role {
		case roleUser:
			b.WriteString(roleStyle.Foreground(userColor).Render("You") + "\n")
			b.WriteString(userTextStyle.Render(wordwrap.String(e.Text, wrap)) + "\n\n")

		case roleTool:
			if firstTool {
				b.WriteString(roleStyle.Foreground(assistantColor).Render(current) + "\n")
			}
			prefix := "├╴ "
			if lastTool {
				prefix = "╰╴ "
			}
			b.WriteString(toolCallStyle.Render(prefix+e.Text) + "\n")
			if lastTool {
				b.WriteString("\n")
			}

		case roleAssistant:
			b.WriteString(roleStyle.Foreground(assistantColor).Render(current) + "\n")
			b.WriteString(m.renderMarkdown(e.Text, wrap) + "\n\n")

		case roleSystem:
			b.WriteString(systemStyle.Render(wordwrap.String(e.Text, wrap)) + "\n\n")
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// renderMarkdown renders assistant text through glamour, falling back to
// plain word wrap when rendering fails or no renderer is available.
func (m Model) renderMarkdown(text string, wrap int) string {
	if m.md != nil {
		if out, err := m.md.Render(text); err == nil {
			return strings.TrimRight(out, "\n")
		}
	}
	return wordwrap.String(text, wrap)
}

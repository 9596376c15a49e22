// Package chat implements the agentdeck chat TUI: a transcript viewport,
// a textarea input, and a status bar, multiplexing one conversation per
// agent over the orchestrator's merged event stream.
package chat

import (
	"context"
	"fmt"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"agentdeck/internal/orchestration/events"
	"agentdeck/internal/orchestration/orchestrator"
	"agentdeck/internal/pubsub"
	"agentdeck/internal/ui/markdown"
)

// entryRole classifies a transcript entry for rendering.
type entryRole string

const (
	roleUser      entryRole = "user"
	roleAssistant entryRole = "assistant"
	roleTool      entryRole = "tool"
	roleSystem    entryRole = "system"
)

// Entry is one line of an agent's transcript.
type Entry struct {
	Role entryRole
	Text string
}

// QueueModeSaver persists the queue-mode toggle so it survives restarts.
// Nil disables persistence.
type QueueModeSaver func(enabled bool) error

// Config holds everything the chat model needs from the outside.
type Config struct {
	Orchestrator  *orchestrator.Orchestrator
	MarkdownStyle string
	SaveQueueMode QueueModeSaver
}

// Model holds the chat TUI state.
type Model struct {
	orch *orchestrator.Orchestrator

	input    textarea.Model
	vp       viewport.Model
	md       *markdown.Renderer
	mdStyle  string
	saveMode QueueModeSaver

	// Transcripts keyed by agent name, in event order.
	transcripts map[string][]Entry

	// Agents with a live turn, for the busy indicator.
	busy map[string]bool

	listener *pubsub.ContinuousListener[events.AgentEvent]
	ctx      context.Context
	cancel   context.CancelFunc

	status       string
	contentDirty bool
	quitting     bool

	width  int
	height int
}

// New creates a chat model wired to the orchestrator's event stream.
func New(cfg Config) Model {
	ta := textarea.New()
	ta.Placeholder = "Message the current agent, or /new <name> <role> <prompt>"
	ta.Prompt = "> "
	ta.ShowLineNumbers = false
	ta.SetHeight(1)
	ta.CharLimit = 0
	ta.Focus()

	ctx, cancel := context.WithCancel(context.Background())

	return Model{
		orch:        cfg.Orchestrator,
		input:       ta,
		vp:          viewport.New(0, 0),
		mdStyle:     cfg.MarkdownStyle,
		saveMode:    cfg.SaveQueueMode,
		transcripts: make(map[string][]Entry),
		busy:        make(map[string]bool),
		listener:    pubsub.NewChannelListener(ctx, cfg.Orchestrator.Subscribe(ctx)),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Init starts listening for orchestrator events.
func (m Model) Init() tea.Cmd {
	return m.listener.Listen()
}

// Cleanup cancels the event subscription. Call when leaving the TUI.
func (m *Model) Cleanup() {
	m.cancel()
}

// currentName returns the current agent's name, or "".
func (m Model) currentName() string {
	if a := m.orch.Directory().Current(); a != nil {
		return a.Name()
	}
	return ""
}

// append adds an entry to an agent's transcript and marks the viewport
// dirty so View re-renders and follows the tail.
func (m *Model) append(agent string, role entryRole, text string) {
	m.transcripts[agent] = append(m.transcripts[agent], Entry{Role: role, Text: text})
	m.contentDirty = true
}

// systemf appends a formatted system entry to the current transcript.
func (m *Model) systemf(format string, args ...any) {
	name := m.currentName()
	m.append(name, roleSystem, fmt.Sprintf(format, args...))
}

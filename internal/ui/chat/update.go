package chat

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"agentdeck/internal/log"
	"agentdeck/internal/orchestration/events"
	"agentdeck/internal/pubsub"
	"agentdeck/internal/ui/markdown"
)

// Update handles messages and returns the updated model and commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	m, cmd := m.update(msg)

	// Re-render the viewport here rather than in View so the content and
	// scroll position persist (View has a value receiver).
	if m.contentDirty {
		m.vp.SetContent(m.renderTranscript())
		m.vp.GotoBottom()
		m.contentDirty = false
	}
	return m, cmd
}

func (m Model) update(msg tea.Msg) (Model, tea.Cmd) {
	keys := DefaultKeyMap()

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			m.Cleanup()
			return m, tea.Quit

		case key.Matches(msg, keys.NextAgent):
			m.switchNext()
			return m, nil

		case key.Matches(msg, keys.QueueMode):
			m.toggleQueueMode()
			return m, nil

		case key.Matches(msg, keys.ScrollUp):
			m.vp.HalfViewUp()
			return m, nil

		case key.Matches(msg, keys.ScrollDown):
			m.vp.HalfViewDown()
			return m, nil

		case key.Matches(msg, keys.Send):
			return m, m.submit()
		}

		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case pubsub.Event[events.AgentEvent]:
		m.handleEvent(msg.Payload)
		return m, m.listener.Listen()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// resize recomputes component dimensions after a window size change.
func (m *Model) resize() {
	wrap := max(m.width-4, 20)
	m.input.SetWidth(m.width - 4)
	m.vp.Width = m.width
	m.vp.Height = max(m.height-5, 3)

	if m.md == nil || m.md.Width() != wrap {
		if r, err := markdown.New(wrap, m.mdStyle); err == nil {
			m.md = r
		} else {
			log.ErrorErr(log.CatUI, "Failed to build markdown renderer", err)
		}
	}
	m.contentDirty = true
}

// submit sends the typed text: slash commands act on the orchestrator,
// everything else is a message to the current agent.
func (m *Model) submit() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}
	m.input.Reset()

	if strings.HasPrefix(text, "/") {
		return m.runCommand(text)
	}

	name := m.currentName()
	if err := m.orch.SendMessage(m.ctx, "", text); err != nil {
		m.systemf("%v", err)
		return nil
	}
	m.append(name, roleUser, text)
	return nil
}

// runCommand dispatches a slash command.
func (m *Model) runCommand(text string) tea.Cmd {
	fields := strings.Fields(text)
	switch fields[0] {
	case "/new":
		if len(fields) < 4 {
			m.systemf("usage: /new <name> <role> <initial prompt>")
			return nil
		}
		name, role := fields[1], fields[2]
		prompt := strings.Join(fields[3:], " ")
		if _, err := m.orch.CreateAgent(m.ctx, name, role, prompt); err != nil {
			m.systemf("%v", err)
			return nil
		}
		m.append(name, roleUser, prompt)

	case "/switch":
		if len(fields) != 2 {
			m.systemf("usage: /switch <name>")
			return nil
		}
		if _, err := m.orch.SwitchAgent(fields[1]); err != nil {
			m.systemf("%v", err)
		}
		m.contentDirty = true

	case "/kill":
		if len(fields) != 2 {
			m.systemf("usage: /kill <name>")
			return nil
		}
		if err := m.orch.RemoveAgent(fields[1]); err != nil {
			m.systemf("%v", err)
			return nil
		}
		delete(m.transcripts, fields[1])
		delete(m.busy, fields[1])
		m.contentDirty = true

	case "/agents":
		m.listAgents()

	case "/queue":
		m.toggleQueueMode()

	case "/quit":
		m.quitting = true
		m.Cleanup()
		return tea.Quit

	default:
		m.systemf("unknown command %s", fields[0])
	}
	return nil
}

// listAgents writes a one-line-per-agent summary into the transcript.
func (m *Model) listAgents() {
	agents := m.orch.Directory().All()
	if len(agents) == 0 {
		m.systemf("no agents")
		return
	}

	var b strings.Builder
	current := m.currentName()
	for i, a := range agents {
		if i > 0 {
			b.WriteString("\n")
		}
		marker := "  "
		if a.Name() == current {
			marker = "* "
		}
		state := "idle"
		switch {
		case a.IsCreating():
			state = "creating"
		case a.IsProcessing():
			state = "processing"
		}
		fmt.Fprintf(&b, "%s%s (%s) %s", marker, a.Name(), a.Role(), state)
	}
	m.systemf("%s", b.String())
}

// switchNext cycles the current-agent pointer through the directory.
func (m *Model) switchNext() {
	agents := m.orch.Directory().All()
	if len(agents) < 2 {
		return
	}
	current := m.currentName()
	for i, a := range agents {
		if a.Name() == current {
			next := agents[(i+1)%len(agents)].Name()
			if _, err := m.orch.SwitchAgent(next); err != nil {
				m.systemf("%v", err)
			}
			m.contentDirty = true
			return
		}
	}
	if _, err := m.orch.SwitchAgent(agents[0].Name()); err != nil {
		m.systemf("%v", err)
	}
	m.contentDirty = true
}

// toggleQueueMode flips queue mode and persists the new value.
func (m *Model) toggleQueueMode() {
	enabled := m.orch.ToggleQueueMode()
	if m.saveMode != nil {
		if err := m.saveMode(enabled); err != nil {
			log.ErrorErr(log.CatUI, "Failed to persist queue mode", err, "enabled", enabled)
		}
	}
	if enabled {
		m.status = "queue mode on"
	} else {
		m.status = "queue mode off"
	}
}

// handleEvent folds one orchestrator event into the transcripts.
func (m *Model) handleEvent(ev events.AgentEvent) {
	switch ev.Kind {
	case events.AgentCreated:
		m.append(ev.Agent, roleSystem, fmt.Sprintf("agent %s created (%s)", ev.Agent, ev.Role))

	case events.AgentSwitched:
		m.contentDirty = true

	case events.ProcessStarted:
		m.busy[ev.Agent] = true
		m.contentDirty = true

	case events.ProcessOutput:
		m.handleOutput(ev)

	case events.ProcessCompleted:
		m.busy[ev.Agent] = false
		if ev.Result != nil {
			m.status = fmt.Sprintf("%s · $%.4f · %.1fs",
				ev.Agent, ev.Result.TotalCostUSD, float64(ev.Result.DurationMs)/1000)
		}
		m.contentDirty = true

	case events.ProcessError:
		m.busy[ev.Agent] = false
		if ev.Err != nil {
			m.append(ev.Agent, roleSystem, fmt.Sprintf("error: %v (exit %d)", ev.Err, ev.ExitCode))
		} else {
			m.append(ev.Agent, roleSystem, fmt.Sprintf("error (exit %d)", ev.ExitCode))
		}

	case events.ProcessTerminated:
		m.busy[ev.Agent] = false
		m.append(ev.Agent, roleSystem, "turn terminated")

	case events.MessageQueued:
		m.append(ev.Agent, roleSystem, fmt.Sprintf("queued (%d waiting)", ev.QueueLen))

	case events.QueueEmpty:
		m.status = fmt.Sprintf("%s · queue drained", ev.Agent)
	}
}

// handleOutput folds one protocol line into the transcript. Progress,
// activity, and raw lines stay out of the transcript; the debug log has
// them.
func (m *Model) handleOutput(ev events.AgentEvent) {
	out := ev.Output
	if out == nil {
		return
	}
	switch out.Kind {
	case events.OutputAssistant:
		if out.ToolName != "" {
			m.append(ev.Agent, roleTool, out.ToolName)
		} else if out.Text != "" {
			m.append(ev.Agent, roleAssistant, out.Text)
		}
	case events.OutputContent:
		if out.Text != "" {
			m.append(ev.Agent, roleAssistant, out.Text)
		}
	}
}

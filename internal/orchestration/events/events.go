// Package events defines the typed event surface of the orchestration
// layer. Every component (directory, runner, queue coordinator) publishes
// AgentEvent values through its own pubsub broker; the orchestrator merges
// them into a single stream for the TUI and web consumers.
//
// The set of kinds is closed. Consumers switch on Kind and, for
// ProcessOutput, on Output.Kind.
package events

import (
	"encoding/json"
	"time"
)

// Kind identifies the kind of agent event.
type Kind string

const (
	// ProcessStarted is emitted when a subprocess turn begins.
	ProcessStarted Kind = "process_started"
	// ProcessOutput is emitted for each decoded protocol line.
	ProcessOutput Kind = "process_output"
	// ProcessCompleted is emitted when a turn finishes normally.
	ProcessCompleted Kind = "process_completed"
	// ProcessError is emitted on spawn failure or non-zero exit
	// without a parsed result.
	ProcessError Kind = "process_error"
	// ProcessTerminated is emitted when a turn is forcibly terminated.
	ProcessTerminated Kind = "process_terminated"
	// AgentCreated is emitted when an agent is added to the directory.
	AgentCreated Kind = "agent_created"
	// AgentSwitched is emitted when the current-agent pointer moves.
	AgentSwitched Kind = "agent_switched"
	// MessageQueued is emitted when a message is enqueued behind a
	// running turn.
	MessageQueued Kind = "message_queued"
	// QueueProcessed is emitted when a queued message is dequeued.
	QueueProcessed Kind = "queue_processed"
	// QueueEmpty is emitted when a dequeue empties an agent's queue.
	QueueEmpty Kind = "queue_empty"
)

// OutputKind sub-classifies ProcessOutput payloads, mirroring the shapes
// of the subprocess's newline-delimited JSON protocol.
type OutputKind string

const (
	// OutputSystem carries the new or confirmed session identifier.
	OutputSystem OutputKind = "system"
	// OutputAssistant carries assistant text or a tool invocation.
	OutputAssistant OutputKind = "assistant"
	// OutputUser carries tool-result content.
	OutputUser OutputKind = "user"
	// OutputContent is an incremental partial-output chunk.
	OutputContent OutputKind = "content"
	// OutputProgress is a progress notification.
	OutputProgress OutputKind = "progress"
	// OutputActivity is an activity notification.
	OutputActivity OutputKind = "activity"
	// OutputRaw is a line that failed to parse (forwarded verbatim in
	// Text) or a parsed object of unrecognized shape (carried in Raw).
	OutputRaw OutputKind = "raw"
)

// Output is the payload of a ProcessOutput event.
type Output struct {
	Kind OutputKind

	// Text holds assistant text, partial output, tool-result content,
	// or the verbatim line for raw events.
	Text string

	// Tool invocation fields, set when an assistant block is a tool use.
	ToolName  string
	ToolInput json.RawMessage

	// SessionID is set on system events.
	SessionID string

	// Raw is the decoded line for debugging and for unrecognized shapes.
	Raw json.RawMessage
}

// Result is the payload of a ProcessCompleted event.
type Result struct {
	Text         string
	TotalCostUSD float64
	DurationMs   int64
	NumTurns     int
	IsError      bool
}

// AgentEvent is the tagged record delivered to listeners.
type AgentEvent struct {
	// Kind identifies the event; it is always set.
	Kind Kind
	// Agent is the owning agent's name; it is always set.
	Agent string
	// Timestamp is when the event was produced.
	Timestamp time.Time

	// Role is set on AgentCreated.
	Role string
	// Pending is true on AgentCreated while the agent's first
	// subprocess invocation has not yet resolved.
	Pending bool

	// Output is set on ProcessOutput.
	Output *Output
	// Result is set on ProcessCompleted.
	Result *Result

	// Err and ExitCode are set on ProcessError.
	Err      error
	ExitCode int

	// Message and QueueLen are set on queue events.
	Message  string
	QueueLen int
}

// IsTerminal reports whether this event ends a subprocess turn.
func (e AgentEvent) IsTerminal() bool {
	return e.Kind == ProcessCompleted || e.Kind == ProcessError || e.Kind == ProcessTerminated
}

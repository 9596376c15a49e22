package runner

import (
	"encoding/json"

	"agentdeck/internal/orchestration/events"
)

// rawLine mirrors one newline-delimited JSON object from the subprocess.
// Only the fields the engine cares about are declared; everything else
// rides along in the raw copy.
type rawLine struct {
	Type      string      `json:"type"`
	SubType   string      `json:"subtype,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Message   *rawMessage `json:"message,omitempty"`

	// Incremental chunk shapes (content/progress/activity) put their
	// text in either of these fields depending on the emitter.
	Content string `json:"content,omitempty"`
	Text    string `json:"text,omitempty"`

	// Result fields, present on the terminal result line.
	Result       string  `json:"result,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMs   int64   `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
}

type rawMessage struct {
	Role    string     `json:"role,omitempty"`
	Content []rawBlock `json:"content,omitempty"`
}

type rawBlock struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
	// Tool use fields (when Type == "tool_use")
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	// Tool result fields (when Type == "tool_result")
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// decodeLine parses one protocol line into output events and, for result
// lines, the turn's final result. A line that is not valid JSON is
// forwarded verbatim as a single raw output rather than dropped.
func decodeLine(line []byte) ([]events.Output, *events.Result) {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return []events.Output{{Kind: events.OutputRaw, Text: string(line)}}, nil
	}

	rawCopy := make(json.RawMessage, len(line))
	copy(rawCopy, line)

	switch raw.Type {
	case "system":
		return []events.Output{{
			Kind:      events.OutputSystem,
			SessionID: raw.SessionID,
			Raw:       rawCopy,
		}}, nil

	case "assistant":
		return decodeAssistant(raw.Message, rawCopy), nil

	case "user":
		return decodeUser(raw.Message, rawCopy), nil

	case "content", "progress", "activity":
		kind := events.OutputKind(raw.Type)
		text := raw.Content
		if text == "" {
			text = raw.Text
		}
		return []events.Output{{Kind: kind, Text: text, Raw: rawCopy}}, nil

	case "result":
		return nil, &events.Result{
			Text:         raw.Result,
			TotalCostUSD: raw.TotalCostUSD,
			DurationMs:   raw.DurationMs,
			NumTurns:     raw.NumTurns,
			IsError:      raw.IsError,
		}

	default:
		// Unrecognized but valid JSON: forward the object itself.
		return []events.Output{{Kind: events.OutputRaw, Raw: rawCopy}}, nil
	}
}

// decodeAssistant forwards each content block as its own event: plain
// text segments and tool invocations.
func decodeAssistant(msg *rawMessage, raw json.RawMessage) []events.Output {
	if msg == nil || len(msg.Content) == 0 {
		return []events.Output{{Kind: events.OutputAssistant, Raw: raw}}
	}

	outs := make([]events.Output, 0, len(msg.Content))
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			outs = append(outs, events.Output{
				Kind: events.OutputAssistant,
				Text: block.Text,
				Raw:  raw,
			})
		case "tool_use":
			outs = append(outs, events.Output{
				Kind:      events.OutputAssistant,
				ToolName:  block.Name,
				ToolInput: block.Input,
				Raw:       raw,
			})
		}
	}
	if len(outs) == 0 {
		outs = append(outs, events.Output{Kind: events.OutputAssistant, Raw: raw})
	}
	return outs
}

// decodeUser forwards tool-result content carried on user messages.
func decodeUser(msg *rawMessage, raw json.RawMessage) []events.Output {
	if msg == nil {
		return []events.Output{{Kind: events.OutputUser, Raw: raw}}
	}

	var outs []events.Output
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		outs = append(outs, events.Output{
			Kind: events.OutputUser,
			Text: toolResultText(block.Content),
			Raw:  raw,
		})
	}
	if len(outs) == 0 {
		outs = append(outs, events.Output{Kind: events.OutputUser, Raw: raw})
	}
	return outs
}

// toolResultText extracts readable text from a tool_result content field,
// which the protocol emits as either a bare string or a list of blocks.
func toolResultText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}

	var blocks []rawBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		var text string
		for _, b := range blocks {
			if b.Type == "text" {
				text += b.Text
			}
		}
		return text
	}

	return string(content)
}

// decodeBlocking parses the whole-response payload of a non-streaming
// invocation. The subprocess either returns a single JSON object or a
// stream-shaped payload, in which case the last line bearing a result
// field is taken as the true result.
func decodeBlocking(data []byte) *events.Result {
	var raw rawLine
	if err := json.Unmarshal(data, &raw); err == nil && (raw.Type == "result" || raw.Result != "") {
		return &events.Result{
			Text:         raw.Result,
			TotalCostUSD: raw.TotalCostUSD,
			DurationMs:   raw.DurationMs,
			NumTurns:     raw.NumTurns,
			IsError:      raw.IsError,
		}
	}

	var result *events.Result
	for _, line := range splitLines(data) {
		if _, res := decodeLine(line); res != nil {
			result = res
		}
	}
	return result
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

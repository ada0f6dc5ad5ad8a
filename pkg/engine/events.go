package engine

import "time"

// EventKind tags a StreamEvent
type EventKind string

const (
	EventText       EventKind = "text"
	EventToolUse    EventKind = "tool_use"
	EventToolResult EventKind = "tool_result"
	EventUsage      EventKind = "usage"
	EventDone       EventKind = "done"
	EventError      EventKind = "error"
	EventExit       EventKind = "exit"
)

// IsActivity reports whether the kind means the engine is mid-turn
func (k EventKind) IsActivity() bool {
	return k == EventText || k == EventToolUse || k == EventToolResult
}

// IsTerminal reports whether the kind ends a turn
func (k EventKind) IsTerminal() bool {
	return k == EventDone || k == EventError || k == EventExit
}

// StreamEvent is one unit of engine output
type StreamEvent struct {
	Kind      EventKind      `json:"kind"`
	SessionID string         `json:"session_id,omitempty"`
	Text      string         `json:"text,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Usage     *TokenUsage    `json:"usage,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ErrorEvent wraps err as an error-kind event
func ErrorEvent(sessionID string, err error) StreamEvent {
	ev := StreamEvent{
		Kind:      EventError,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates other into u
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Message is one transcript entry. ID is unique within a session.
type Message struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

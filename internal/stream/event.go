package stream

import "time"

// EventType 标识推送事件的种类。
type EventType string

const (
	EventThinking      EventType = "thinking"
	EventMessage       EventType = "message"
	EventToolCall      EventType = "tool_call"
	EventToolResult    EventType = "tool_result"
	EventAwaitingInput EventType = "awaiting_input"
	EventComplete      EventType = "complete"
	EventError         EventType = "error"
)

// Terminal 表示该事件之后订阅会被关闭。
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// Event 是推送给客户端的一条进度事件。
type Event struct {
	Type        EventType      `json:"type"`
	SessionID   string         `json:"session_id"`
	Text        string         `json:"text,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	Description string         `json:"description,omitempty"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	Options     []string       `json:"options,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Seq         int64          `json:"seq"`
}

// Publisher 接收循环产生的事件。实现必须立即返回。
type Publisher interface {
	Publish(event Event)
}

// Thinking 构造 thinking 事件。
func Thinking(sessionID string) Event {
	return Event{Type: EventThinking, SessionID: sessionID}
}

// Message 构造 message 事件。
func Message(sessionID, text string) Event {
	return Event{Type: EventMessage, SessionID: sessionID, Text: text}
}

// ToolCall 构造 tool_call 事件。
func ToolCall(sessionID, toolName, description string, args map[string]any) Event {
	return Event{Type: EventToolCall, SessionID: sessionID, ToolName: toolName, Description: description, Arguments: args}
}

// ToolResult 构造 tool_result 事件。
func ToolResult(sessionID, toolName, summary string, success bool) Event {
	return Event{Type: EventToolResult, SessionID: sessionID, ToolName: toolName, Summary: summary, Success: success}
}

// AwaitingInput 构造 awaiting_input 事件，options 为空表示自由输入。
func AwaitingInput(sessionID, text string, options []string) Event {
	return Event{Type: EventAwaitingInput, SessionID: sessionID, Text: text, Options: append([]string(nil), options...)}
}

// Complete 构造 complete 事件。
func Complete(sessionID, text string) Event {
	return Event{Type: EventComplete, SessionID: sessionID, Text: text, Success: true}
}

// Error 构造 error 事件。
func Error(sessionID, reason string) Event {
	return Event{Type: EventError, SessionID: sessionID, Error: reason}
}

// Discard 丢弃所有事件，用于未接入推送的场景。
type Discard struct{}

// Publish 实现 Publisher。
func (Discard) Publish(Event) {}

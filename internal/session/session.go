package session

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/tool"
)

// State 是会话状态机中的状态。
type State string

const (
	StateActive        State = "ACTIVE"
	StateAwaitingInput State = "AWAITING_INPUT"
	StateCompleted     State = "COMPLETED"
	StateError         State = "ERROR"
	StateTimedOut      State = "TIMED_OUT"
)

// Terminal 表示该状态不再接受任何迁移。
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateError, StateTimedOut:
		return true
	default:
		return false
	}
}

var transitions = map[State]map[State]struct{}{
	StateActive: {
		StateAwaitingInput: {}, StateCompleted: {}, StateError: {}, StateTimedOut: {},
	},
	StateAwaitingInput: {
		StateActive: {}, StateAwaitingInput: {}, StateError: {}, StateTimedOut: {},
	},
}

// CanTransition 判断状态迁移是否合法。
func CanTransition(from, to State) bool {
	_, ok := transitions[from][to]
	return ok
}

// Kind 区分消息的几种形态。
type Kind string

const (
	KindSystem        Kind = "system"
	KindUser          Kind = "user"
	KindAssistantText Kind = "assistant_text"
	KindToolCall      Kind = "assistant_tool_call"
	KindToolResult    Kind = "tool_result"
)

// Message 是对话历史中的一条记录，只追加不修改。
type Message struct {
	Seq        int64          `json:"seq"`
	Kind       Kind           `json:"kind"`
	Content    string         `json:"content,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Success    bool           `json:"success,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Role 返回消息对应的对话角色。
func (m Message) Role() string {
	switch m.Kind {
	case KindSystem:
		return "system"
	case KindUser:
		return "user"
	case KindToolResult:
		return "tool"
	default:
		return "assistant"
	}
}

// SystemMessage 构造系统消息。
func SystemMessage(content string) Message {
	return Message{Kind: KindSystem, Content: content}
}

// UserMessage 构造用户消息。
func UserMessage(content string) Message {
	return Message{Kind: KindUser, Content: content}
}

// AssistantText 构造助手的纯文本消息。
func AssistantText(content string) Message {
	return Message{Kind: KindAssistantText, Content: content}
}

// AssistantToolCall 构造助手发起的工具调用消息。
func AssistantToolCall(call tool.Call) Message {
	return Message{Kind: KindToolCall, ToolCallID: call.ID, ToolName: call.Name, Arguments: cloneArgs(call.Arguments)}
}

// ToolResultMessage 构造工具结果消息。
func ToolResultMessage(callID string, result tool.Result) Message {
	return Message{Kind: KindToolResult, ToolCallID: callID, ToolName: result.ToolName, Content: result.Content(), Success: result.Success}
}

// PendingToolCall 是等待用户确认的工具调用，每个会话最多一个。
type PendingToolCall struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Arguments  map[string]any  `json:"arguments,omitempty"`
	Definition tool.Definition `json:"definition"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Call 还原为工具调用。
func (p PendingToolCall) Call() tool.Call {
	return tool.Call{ID: p.ToolCallID, Name: p.ToolName, Arguments: cloneArgs(p.Arguments)}
}

// Session 是一次有状态的对话。
type Session struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	TenantID   string            `json:"tenant_id"`
	Model      string            `json:"model"`
	Credential string            `json:"credential,omitempty"`
	State      State             `json:"state"`
	Context    map[string]string `json:"context,omitempty"`
	Messages   []Message         `json:"messages,omitempty"`
	Tools      []tool.Definition `json:"tools,omitempty"`
	ExpiresAt  time.Time         `json:"expires_at"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Expired 判断会话在 now 时刻是否已过期。
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// LastUserMessage 返回最近一条用户消息。
func (s *Session) LastUserMessage() (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Kind == KindUser {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

// SystemRules 是每个会话开头的系统消息，规定了智能体的行为准则。
const SystemRules = `You are an operations assistant that acts on behalf of the user through the tools pinned to this conversation.
Rules:
1. Never perform a destructive or state-changing action without the user's explicit confirmation; the platform will ask for it when a tool requires it.
2. Resolve human-readable names to ids with a lookup tool before calling tools that need ids. Never guess an id.
3. Chain several tool calls when a request needs more than one step, and use the results of earlier calls.
4. If a tool fails, explain the failure in plain language and suggest what the user can do next.
5. When you need more information from the user, ask one clear question.`

// BuildSystemPrompt 在规则后追加会话上下文。
func BuildSystemPrompt(ctx map[string]string) string {
	if len(ctx) == 0 {
		return SystemRules
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(SystemRules)
	b.WriteString("\n\nConversation context:")
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s: %s", k, ctx[k])
	}
	return b.String()
}

const (
	CodeSessionNotFound      xerrors.Code = "SESSION_NOT_FOUND"
	CodeSessionExpired       xerrors.Code = "SESSION_EXPIRED"
	CodeSessionClosed        xerrors.Code = "SESSION_CLOSED"
	CodeSessionBusy          xerrors.Code = "SESSION_BUSY"
	CodeInvalidTransition    xerrors.Code = "SESSION_INVALID_TRANSITION"
	CodeToolsAlreadyPinned   xerrors.Code = "SESSION_TOOLS_PINNED"
	CodeSessionLockTimeout   xerrors.Code = "SESSION_LOCK_TIMEOUT"
	CodeSessionStoreConflict xerrors.Code = "SESSION_CONFLICT"
)

var (
	// ErrSessionNotFound 表示会话不存在或已被清理。
	ErrSessionNotFound = xerrors.New(CodeSessionNotFound, "session not found")
	// ErrSessionExpired 表示会话已超时。
	ErrSessionExpired = xerrors.New(CodeSessionExpired, "session expired")
	// ErrSessionClosed 表示会话已处于终止状态。
	ErrSessionClosed = xerrors.New(CodeSessionClosed, "session closed")
	// ErrSessionBusy 表示会话正在运行推理循环。
	ErrSessionBusy = xerrors.New(CodeSessionBusy, "session busy")
	// ErrToolsAlreadyPinned 表示会话已固定过工具集。
	ErrToolsAlreadyPinned = xerrors.New(CodeToolsAlreadyPinned, "tools already pinned")
	// ErrLockTimeout 表示在等待时间内未能获得会话锁。
	ErrLockTimeout = xerrors.New(CodeSessionLockTimeout, "session lock timeout")
	// ErrSessionConflict 表示会话 ID 冲突。
	ErrSessionConflict = xerrors.New(CodeSessionStoreConflict, "session already exists")
)

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:    "session not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeSessionExpired, xerrors.Attributes{
		Message:    "session expired",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusGone,
	})
	xerrors.Register(CodeSessionClosed, xerrors.Attributes{
		Message:    "session closed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeSessionBusy, xerrors.Attributes{
		Message:    "session busy",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:    "invalid session state transition",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeToolsAlreadyPinned, xerrors.Attributes{
		Message:    "tools already pinned",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeSessionLockTimeout, xerrors.Attributes{
		Message:    "session lock timeout",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeSessionStoreConflict, xerrors.Attributes{
		Message:    "session already exists",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
}

// Clone 返回会话的深拷贝。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Context = cloneStrings(s.Context)
	clone.Messages = make([]Message, len(s.Messages))
	for i, msg := range s.Messages {
		clone.Messages[i] = msg.Clone()
	}
	clone.Tools = cloneTools(s.Tools)
	return &clone
}

// Clone 返回消息的深拷贝。
func (m Message) Clone() Message {
	m.Arguments = cloneArgs(m.Arguments)
	return m
}

// Clone 返回待确认调用的深拷贝。
func (p PendingToolCall) Clone() PendingToolCall {
	p.Arguments = cloneArgs(p.Arguments)
	p.Definition = cloneTools([]tool.Definition{p.Definition})[0]
	return p
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneTools(in []tool.Definition) []tool.Definition {
	if in == nil {
		return nil
	}
	out := make([]tool.Definition, len(in))
	for i, def := range in {
		def.Parameters = append([]tool.Parameter(nil), def.Parameters...)
		def.Tags = append([]string(nil), def.Tags...)
		out[i] = def
	}
	return out
}

func cloneArgs(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneArgs(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}

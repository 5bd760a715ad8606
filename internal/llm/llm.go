package llm

import (
	"context"

	xerrors "AgentDesk/internal/errors"
)

// Role 是对话消息的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FinishStop 表示模型认为本轮已经结束。
const FinishStop = "stop"

// ToolCall 是模型请求的一次工具调用。Arguments 已解码，RawArguments 保留原文。
type ToolCall struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	RawArguments string         `json:"raw_arguments,omitempty"`
}

// Message 是发给模型的一条上下文消息。
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolSchema 描述一个可供模型调用的函数。
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request 描述一次模型调用。
type Request struct {
	Model       string       `json:"model"`
	Temperature float32      `json:"temperature"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Messages    []Message    `json:"messages"`
	Tools       []ToolSchema `json:"tools,omitempty"`
}

// Response 是模型返回的结构化结果。
type Response struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// CodeMalformedResponse 表示模型返回了无法解析的内容。
const CodeMalformedResponse xerrors.Code = "LLM_MALFORMED_RESPONSE"

func init() {
	xerrors.Register(CodeMalformedResponse, xerrors.Attributes{
		Message:  "malformed model response",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

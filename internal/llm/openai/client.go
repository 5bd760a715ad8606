package openai

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	goopenai "github.com/sashabaranov/go-openai"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/llm"
)

const (
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions 网关所需的信息。
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client 基于 go-openai 调用兼容 OpenAI 协议的模型网关。
type Client struct {
	api   *goopenai.Client
	model string
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, stdErrors.New("未提供 OpenAI API Key")
	}

	clientCfg := goopenai.DefaultConfig(apiKey)
	if baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	} else {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		clientCfg.HTTPClient = &http.Client{Timeout: timeout}
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	return &Client{api: goopenai.NewClientWithConfig(clientCfg), model: model}, nil
}

// Complete 实现 llm.Client。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}

	chatReq := goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}

	resp, err := c.api.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "模型调用超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeModelFailure, err, "模型调用失败")
	}
	if len(resp.Choices) == 0 {
		return nil, xerrors.New(llm.CodeMalformedResponse, "模型响应中没有 choices")
	}

	choice := resp.Choices[0]
	out := &llm.Response{
		Content:      strings.TrimSpace(choice.Message.Content),
		FinishReason: string(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		args, err := DecodeArguments(tc.Function.Arguments)
		if err != nil {
			return nil, xerrors.Wrap(llm.CodeMalformedResponse, err, fmt.Sprintf("工具 %s 的参数无法解析", tc.Function.Name))
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:           tc.ID,
			Name:         tc.Function.Name,
			Arguments:    args,
			RawArguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// DecodeArguments 解析模型给出的参数字符串，格式损坏时尝试用 jsonrepair 修复一次。
func DecodeArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		if args == nil {
			args = map[string]any{}
		}
		return args, nil
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Errorf("repair arguments: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, fmt.Errorf("decode repaired arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func toOpenAIMessages(messages []llm.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		item := goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		switch msg.Role {
		case llm.RoleAssistant:
			for _, tc := range msg.ToolCalls {
				item.ToolCalls = append(item.ToolCalls, goopenai.ToolCall{
					ID:   tc.ID,
					Type: goopenai.ToolTypeFunction,
					Function: goopenai.FunctionCall{
						Name:      tc.Name,
						Arguments: encodeArguments(tc),
					},
				})
			}
		case llm.RoleTool:
			item.ToolCallID = msg.ToolCallID
			item.Name = msg.Name
		}
		out = append(out, item)
	}
	return out
}

func toOpenAITools(tools []llm.ToolSchema) []goopenai.Tool {
	out := make([]goopenai.Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func encodeArguments(tc llm.ToolCall) string {
	if tc.RawArguments != "" {
		return tc.RawArguments
	}
	if len(tc.Arguments) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(tc.Arguments)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

var _ llm.Client = (*Client)(nil)

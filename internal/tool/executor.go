package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const summaryLimit = 280

// Result 是一次工具执行的结果，成功与失败二选一。
type Result struct {
	ToolName   string `json:"tool_name"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	Body       string `json:"body,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Failure 构造失败结果。
func Failure(name, reason string) Result {
	return Result{ToolName: name, Success: false, Error: reason}
}

// Content 是写回对话历史、供模型继续推理的文本。
func (r Result) Content() string {
	if r.Success {
		if strings.TrimSpace(r.Body) == "" {
			return "OK"
		}
		return r.Body
	}
	return "Error: " + r.Error
}

// Summary 是推送给客户端的简短结果。
func (r Result) Summary() string {
	return Truncate(r.Content(), summaryLimit)
}

// Invocation 是执行器的输入。
type Invocation struct {
	Definition Definition
	Arguments  map[string]any
	TenantID   string
	Credential string
}

// Executor 执行工具调用，任何错误都体现在 Result 中而不是返回 error。
type Executor interface {
	Execute(ctx context.Context, inv Invocation) Result
}

// HTTPConfig 描述 HTTP 执行器的参数。
type HTTPConfig struct {
	BaseURL      string
	TenantParam  string
	Timeout      time.Duration
	MaxBodyBytes int64
	Client       *http.Client
}

// HTTPExecutor 通过 REST 调用下游接口。
type HTTPExecutor struct {
	baseURL     *url.URL
	tenantParam string
	maxBody     int64
	client      *http.Client
}

// NewHTTPExecutor 创建 HTTP 执行器。
func NewHTTPExecutor(cfg HTTPConfig) (*HTTPExecutor, error) {
	e := &HTTPExecutor{
		tenantParam: cfg.TenantParam,
		maxBody:     cfg.MaxBodyBytes,
		client:      cfg.Client,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		parsed, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("解析工具 base url 失败: %w", err)
		}
		e.baseURL = parsed
	}
	if e.tenantParam == "" {
		e.tenantParam = "instituteId"
	}
	if e.maxBody <= 0 {
		e.maxBody = 1 << 20
	}
	if e.client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		e.client = &http.Client{Timeout: timeout}
	}
	return e, nil
}

// Execute 实现 Executor 接口。
func (e *HTTPExecutor) Execute(ctx context.Context, inv Invocation) (result Result) {
	name := inv.Definition.Name
	defer func() {
		if r := recover(); r != nil {
			result = Failure(name, fmt.Sprintf("tool execution panicked: %v", r))
		}
	}()

	req, err := e.buildRequest(ctx, inv)
	if err != nil {
		return Failure(name, err.Error())
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Failure(name, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody))
	if err != nil {
		return Failure(name, fmt.Sprintf("read response: %v", err))
	}
	text := strings.TrimSpace(string(body))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{
			ToolName:   name,
			StatusCode: resp.StatusCode,
			Body:       text,
			Error:      fmt.Sprintf("HTTP %d: %s", resp.StatusCode, Truncate(text, 512)),
		}
	}
	return Result{ToolName: name, Success: true, StatusCode: resp.StatusCode, Body: text}
}

func (e *HTTPExecutor) buildRequest(ctx context.Context, inv Invocation) (*http.Request, error) {
	def := inv.Definition
	endpoint := def.Endpoint
	query := url.Values{}
	body := map[string]any{}

	for key, value := range inv.Arguments {
		switch def.LocationOf(key) {
		case InPath:
			placeholder := "{" + key + "}"
			if !strings.Contains(endpoint, placeholder) {
				query.Set(key, FormatValue(value))
				continue
			}
			endpoint = strings.ReplaceAll(endpoint, placeholder, url.PathEscape(FormatValue(value)))
		case InQuery:
			query.Set(key, FormatValue(value))
		default:
			body[key] = value
		}
	}
	if missing := placeholderPattern.FindStringSubmatch(endpoint); missing != nil {
		return nil, fmt.Errorf("missing path parameter %q", missing[1])
	}
	// 调用方以任意位置（path、query、body）显式给出租户时不再注入
	if _, explicit := inv.Arguments[e.tenantParam]; inv.TenantID != "" && !explicit {
		query.Set(e.tenantParam, inv.TenantID)
	}

	target, err := e.resolve(endpoint)
	if err != nil {
		return nil, err
	}
	existing := target.Query()
	for key, values := range query {
		existing[key] = values
	}
	target.RawQuery = existing.Encode()

	method := def.HTTPMethod()
	var reader io.Reader
	if len(body) > 0 && method != http.MethodGet && method != http.MethodHead {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if inv.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+inv.Credential)
	}
	return req, nil
}

func (e *HTTPExecutor) resolve(endpoint string) (*url.URL, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if ref.IsAbs() {
		return ref, nil
	}
	if e.baseURL == nil {
		return nil, fmt.Errorf("relative endpoint %q requires a base url", endpoint)
	}
	// 去掉前导斜杠，使 endpoint 拼接在 base url 的路径之后而不是替换它。
	rel, err := url.Parse(strings.TrimLeft(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	return e.baseURL.ResolveReference(rel), nil
}

// Truncate 按 rune 截断文本。
func Truncate(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	return string([]rune(text)[:limit]) + "..."
}

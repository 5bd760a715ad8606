package agentdesk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used for request/response calls made
// by clients created without a custom http.Client. Event streams are not
// subject to it.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentDesk REST API.
type Client struct {
	baseURL      *url.URL
	httpClient   *http.Client
	streamClient *http.Client

	mu         sync.RWMutex
	credential string
}

// ChatRequest starts a new conversation.
type ChatRequest struct {
	UserID      string            `json:"user_id"`
	InstituteID string            `json:"institute_id,omitempty"`
	Model       string            `json:"model,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	Message     string            `json:"message"`
}

// Accepted is returned when a loop run has been queued.
type Accepted struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	TaskID    string `json:"task_id"`
}

// Message is one entry of a session history.
type Message struct {
	Seq        int64          `json:"seq"`
	Kind       string         `json:"kind"`
	Content    string         `json:"content,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Success    bool           `json:"success,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// PendingCall is a tool call waiting for the user's confirmation.
type PendingCall struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Session is the server's view of a conversation.
type Session struct {
	SessionID string            `json:"session_id"`
	UserID    string            `json:"user_id"`
	TenantID  string            `json:"tenant_id,omitempty"`
	Model     string            `json:"model,omitempty"`
	State     string            `json:"state"`
	Context   map[string]string `json:"context,omitempty"`
	Tools     []string          `json:"tools"`
	Messages  []Message         `json:"messages"`
	Pending   *PendingCall      `json:"pending,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Event is a progress notification pushed while a loop runs.
type Event struct {
	Type        string         `json:"type"`
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

// Terminal reports whether the server closes the stream after this event.
func (e Event) Terminal() bool {
	return e.Type == "complete" || e.Type == "error"
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentdesk api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentdesk api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentDesk API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	streamClient := &http.Client{}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	} else {
		copied := *httpClient
		copied.Timeout = 0
		streamClient = &copied
	}
	return &Client{baseURL: parsed, httpClient: httpClient, streamClient: streamClient}, nil
}

// SetCredential sets the bearer credential forwarded to downstream tools.
func (c *Client) SetCredential(credential string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credential = credential
}

// Credential returns the stored bearer credential.
func (c *Client) Credential() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.credential
}

// StartChat opens a conversation and queues its first loop run.
func (c *Client) StartChat(ctx context.Context, req ChatRequest) (Accepted, error) {
	var out Accepted
	if err := c.post(ctx, "/api/v1/chat", req, &out, true); err != nil {
		return Accepted{}, err
	}
	return out, nil
}

// Respond sends the user's reply to a session waiting for input.
func (c *Client) Respond(ctx context.Context, sessionID, message string) (Accepted, error) {
	var out Accepted
	endpoint := "/api/v1/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := c.post(ctx, endpoint, map[string]string{"message": message}, &out, false); err != nil {
		return Accepted{}, err
	}
	return out, nil
}

// Session fetches the current state and history of a session.
func (c *Client) Session(ctx context.Context, sessionID string) (Session, error) {
	var out Session
	if err := c.get(ctx, "/api/v1/sessions/"+url.PathEscape(sessionID), &out); err != nil {
		return Session{}, err
	}
	return out, nil
}

// Stream subscribes to a session's events over SSE. The channel is closed
// after a terminal event, when the server ends the stream, or when ctx is
// cancelled.
func (c *Client) Stream(ctx context.Context, sessionID string) (<-chan Event, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/events", nil, false)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		readEvents(ctx, resp.Body, events)
	}()
	return events, nil
}

// readEvents parses the SSE framing: "event:"/"data:" lines terminated by a
// blank line; lines starting with ':' are heartbeats.
func readEvents(ctx context.Context, body io.Reader, out chan<- Event) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var event Event
			err := json.Unmarshal([]byte(data.String()), &event)
			data.Reset()
			if err != nil {
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
			if event.Terminal() {
				return
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body), withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, false)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		credential := c.Credential()
		if credential == "" {
			return nil, errors.New("agentdesk: credential is not set")
		}
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &struct {
			Error *APIError `json:"error"`
		}{Error: apiErr}); err != nil {
			_ = json.Unmarshal(data, apiErr)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}

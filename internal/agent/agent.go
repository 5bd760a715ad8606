package agent

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/llm"
	"AgentDesk/internal/session"
	"AgentDesk/internal/stream"
	"AgentDesk/internal/tool"
	"AgentDesk/pkg/logger"
)

// 固定回复文本。
const (
	CancelledResult = "cancelled by user"
	CancelledReply  = "Okay, I've cancelled that action. What else can I help you with?"
	BudgetReply     = "I've taken too many steps on this request. Please tell me how you'd like to continue."
)

// 一次运行结束的原因。
const (
	ReasonCompleted    = "completed"
	ReasonConfirmation = "confirmation"
	ReasonQuestion     = "awaiting_input"
	ReasonDeclined     = "declined"
	ReasonBudget       = "budget_exhausted"
	ReasonModelError   = "model_error"
	ReasonAborted      = "aborted"
)

const (
	defaultMaxLoops    = 10
	defaultTemperature = 0.2
	abortTimeout       = 5 * time.Second
)

// RunResult 汇总一次推理循环的执行情况。
type RunResult struct {
	SessionID  string        `json:"session_id"`
	FinalState session.State `json:"final_state"`
	Iterations int           `json:"iterations"`
	ModelCalls int           `json:"model_calls"`
	ToolCalls  int           `json:"tool_calls"`
	Paused     bool          `json:"paused"`
	Reason     string        `json:"reason"`
}

// Metrics 记录循环的运行指标，由 observability/metrics 实现。
type Metrics interface {
	ModelCall(outcome string, elapsed time.Duration)
	ToolCall(name string, success bool, elapsed time.Duration)
	RunFinished(reason string, iterations int, elapsed time.Duration)
}

// Agent 驱动 模型 -> 工具 -> 模型 的推理循环，是系统的业务核心。
type Agent struct {
	sessions  *session.Manager
	llmClient llm.Client
	gate      *tool.Gate
	executor  tool.Executor
	publisher stream.Publisher

	maxLoops     int
	llmTimeout   time.Duration
	temperature  float32
	maxTokens    int
	defaultModel string
	log          *slog.Logger
	metrics      Metrics
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithMaxLoops 设置单次运行允许的最大模型调用次数。
func WithMaxLoops(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxLoops = n
		}
	}
}

// WithLLMTimeout 设置调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// WithTemperature 设置采样温度。
func WithTemperature(t float32) Option {
	return func(a *Agent) {
		if t >= 0 {
			a.temperature = t
		}
	}
}

// WithMaxTokens 限制单次回复的 token 数，0 表示由模型决定。
func WithMaxTokens(n int) Option {
	return func(a *Agent) {
		if n >= 0 {
			a.maxTokens = n
		}
	}
}

// WithDefaultModel 在会话未指定模型时使用。
func WithDefaultModel(model string) Option {
	return func(a *Agent) {
		a.defaultModel = strings.TrimSpace(model)
	}
}

// WithLogger 替换默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.log = l
		}
	}
}

// WithMetrics 注册运行指标。
func WithMetrics(m Metrics) Option {
	return func(a *Agent) {
		a.metrics = m
	}
}

// New 创建一个 Agent。gate 为空时使用带 schema 校验的默认闸门，publisher 为空时丢弃事件。
func New(sessions *session.Manager, llmClient llm.Client, gate *tool.Gate, executor tool.Executor, publisher stream.Publisher, opts ...Option) *Agent {
	ag := &Agent{
		sessions:    sessions,
		llmClient:   llmClient,
		gate:        gate,
		executor:    executor,
		publisher:   publisher,
		maxLoops:    defaultMaxLoops,
		temperature: defaultTemperature,
		log:         logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.gate == nil {
		ag.gate = tool.NewGate(tool.NewValidator())
	}
	if ag.publisher == nil {
		ag.publisher = stream.Discard{}
	}
	return ag
}

// Run 对一个处于 ACTIVE 且已追加新用户消息的会话执行一次推理循环。
// 模型失败会把会话置为 ERROR 并返回 nil error；加载会话等基础设施错误原样返回。
func (a *Agent) Run(ctx context.Context, sessionID string) (res *RunResult, err error) {
	if a.sessions == nil || a.llmClient == nil || a.executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Agent 依赖未完整配置")
	}

	s, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch {
	case s.State == session.StateTimedOut:
		return nil, session.ErrSessionExpired
	case s.State.Terminal():
		return nil, session.ErrSessionClosed
	case s.State != session.StateActive:
		return nil, xerrors.Newf(session.CodeInvalidTransition, "会话状态为 %s，无法运行推理循环", s.State)
	}

	started := time.Now()
	res = &RunResult{SessionID: s.ID}
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Newf(xerrors.CodeUnknown, "推理循环异常退出: %v", r)
		}
		// 循环退出时会话不能停留在 ACTIVE。会话已被终止后重试只会遇到 SESSION_CLOSED，
		// 因此错误改为不可重试，重试只覆盖循环开始前的失败。
		if s.State == session.StateActive {
			if a.abort(ctx, s, "The assistant stopped unexpectedly. Please try again.", err) && err != nil {
				err = xerrors.Wrap(xerrors.CodeOf(err), err, "推理循环中断，会话已终止", xerrors.WithRetryable(false))
			}
			res.Reason = ReasonAborted
		}
		res.FinalState = s.State
		if a.metrics != nil {
			a.metrics.RunFinished(res.Reason, res.Iterations, time.Since(started))
		}
	}()

	// 先处理上一轮留下的待确认调用。
	pending, err := a.sessions.TakePending(ctx, s.ID)
	if err != nil {
		return res, err
	}
	if pending != nil {
		stop, err := a.resolvePending(ctx, s, pending, res)
		if err != nil || stop {
			return res, err
		}
	}

	for i := 1; i <= a.maxLoops; i++ {
		res.Iterations = i
		a.publish(stream.Thinking(s.ID))

		// 调用大模型生成响应。
		resp, err := a.callModel(ctx, s)
		res.ModelCalls++
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return res, a.fail(ctx, s, res, err)
		}

		if len(resp.ToolCalls) > 0 {
			if text := strings.TrimSpace(resp.Content); text != "" {
				if _, err := a.sessions.AddMessage(ctx, s, session.AssistantText(text)); err != nil {
					return res, err
				}
				a.publish(stream.Message(s.ID, text))
			}
			paused, err := a.handleToolCalls(ctx, s, resp.ToolCalls, res)
			if err != nil || paused {
				return res, err
			}
			continue
		}

		text := strings.TrimSpace(resp.Content)
		if text != "" {
			if _, err := a.sessions.AddMessage(ctx, s, session.AssistantText(text)); err != nil {
				return res, err
			}
			if tool.AsksForInput(text) {
				return res, a.pause(ctx, s, res, text, nil, ReasonQuestion)
			}
			a.publish(stream.Message(s.ID, text))
		}

		if resp.FinishReason == llm.FinishStop {
			if err := a.sessions.Complete(ctx, s); err != nil {
				return res, err
			}
			res.Reason = ReasonCompleted
			a.publish(stream.Complete(s.ID, text))
			return res, nil
		}
	}

	// 预算耗尽，交还给用户决定。
	a.log.Warn("推理循环达到上限", slog.String("session_id", s.ID), slog.Int("max_loops", a.maxLoops))
	if _, err := a.sessions.AddMessage(ctx, s, session.AssistantText(BudgetReply)); err != nil {
		return res, err
	}
	return res, a.pause(ctx, s, res, BudgetReply, nil, ReasonBudget)
}

// Abort 在任务彻底失败后收尾：会话尚未结束时置为 ERROR 并推送 error 事件。
func (a *Agent) Abort(ctx context.Context, sessionID, reason string) error {
	s, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		if stdErrors.Is(err, session.ErrSessionNotFound) {
			return nil
		}
		return err
	}
	if s.State.Terminal() {
		return nil
	}
	if err := a.sessions.Fail(ctx, s, reason); err != nil {
		return err
	}
	a.publish(stream.Error(s.ID, reason))
	return nil
}

func (a *Agent) resolvePending(ctx context.Context, s *session.Session, pending *session.PendingToolCall, res *RunResult) (bool, error) {
	reply, _ := s.LastUserMessage()
	attrs := []any{slog.String("session_id", s.ID), slog.String("tool", pending.ToolName), slog.String("tool_call_id", pending.ToolCallID)}

	if tool.ClassifyReply(reply.Content) == tool.Confirmed {
		logger.Audit().Info("用户确认工具调用", attrs...)
		call := pending.Call()
		a.publish(stream.ToolCall(s.ID, call.Name, pending.Definition.Description, call.Arguments))
		return false, a.invoke(ctx, s, call, pending.Definition, res)
	}

	logger.Audit().Info("用户取消工具调用", attrs...)
	cancelled := session.Message{
		Kind:       session.KindToolResult,
		ToolCallID: pending.ToolCallID,
		ToolName:   pending.ToolName,
		Content:    CancelledResult,
	}
	if _, err := a.sessions.AddMessage(ctx, s, cancelled); err != nil {
		return true, err
	}
	if _, err := a.sessions.AddMessage(ctx, s, session.AssistantText(CancelledReply)); err != nil {
		return true, err
	}
	return true, a.pause(ctx, s, res, CancelledReply, nil, ReasonDeclined)
}

// handleToolCalls 按顺序处理一批工具调用，遇到需要确认的调用时暂停并丢弃其余调用。
func (a *Agent) handleToolCalls(ctx context.Context, s *session.Session, calls []llm.ToolCall, res *RunResult) (bool, error) {
	for idx, tc := range calls {
		call := tool.Call{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}

		verdict := a.gate.Evaluate(call, s.Tools)
		switch verdict.Decision {
		case tool.DecisionUnknown, tool.DecisionInvalid:
			a.log.Warn("拒绝工具调用", slog.String("session_id", s.ID), slog.String("tool", call.Name),
				slog.String("decision", verdict.Decision.String()), slog.String("reason", verdict.Reason))
			if err := a.reject(ctx, s, call, verdict.Reason); err != nil {
				return false, err
			}
		case tool.DecisionConfirm:
			if dropped := len(calls) - idx - 1; dropped > 0 {
				a.log.Info("等待确认，丢弃同批次其余调用", slog.String("session_id", s.ID), slog.Int("dropped", dropped))
			}
			return true, a.requestConfirmation(ctx, s, call, verdict.Definition, res)
		default:
			if _, err := a.sessions.AddMessage(ctx, s, session.AssistantToolCall(call)); err != nil {
				return false, err
			}
			a.publish(stream.ToolCall(s.ID, call.Name, verdict.Definition.Description, call.Arguments))
			if err := a.invoke(ctx, s, call, verdict.Definition, res); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

// reject 为未通过闸门的调用写入合成的失败结果，让模型看到原因后自行修正。
func (a *Agent) reject(ctx context.Context, s *session.Session, call tool.Call, reason string) error {
	if _, err := a.sessions.AddMessage(ctx, s, session.AssistantToolCall(call)); err != nil {
		return err
	}
	result := tool.Failure(call.Name, reason)
	if _, err := a.sessions.AddMessage(ctx, s, session.ToolResultMessage(call.ID, result)); err != nil {
		return err
	}
	a.publish(toolResultEvent(s.ID, result))
	return nil
}

func (a *Agent) requestConfirmation(ctx context.Context, s *session.Session, call tool.Call, def tool.Definition, res *RunResult) error {
	err := a.sessions.SavePending(ctx, s, session.PendingToolCall{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Arguments:  call.Arguments,
		Definition: def,
	})
	if err != nil {
		return err
	}
	if _, err := a.sessions.AddMessage(ctx, s, session.AssistantToolCall(call)); err != nil {
		return err
	}
	text := tool.ComposeConfirmation(def, call.Arguments)
	if _, err := a.sessions.AddMessage(ctx, s, session.AssistantText(text)); err != nil {
		return err
	}
	logger.Audit().Info("工具调用等待用户确认", slog.String("session_id", s.ID), slog.String("tool", call.Name), slog.String("tool_call_id", call.ID))
	return a.pause(ctx, s, res, text, tool.ConfirmOptions, ReasonConfirmation)
}

// invoke 执行工具并把结果写回历史。执行器不返回 error，失败体现在结果里。
func (a *Agent) invoke(ctx context.Context, s *session.Session, call tool.Call, def tool.Definition, res *RunResult) error {
	started := time.Now()
	result := a.executor.Execute(ctx, tool.Invocation{
		Definition: def,
		Arguments:  call.Arguments,
		TenantID:   s.TenantID,
		Credential: s.Credential,
	})
	if result.ToolName == "" {
		result.ToolName = call.Name
	}
	res.ToolCalls++
	if a.metrics != nil {
		a.metrics.ToolCall(call.Name, result.Success, time.Since(started))
	}
	if !result.Success {
		a.log.Warn("工具执行失败", slog.String("session_id", s.ID), slog.String("tool", call.Name),
			slog.Int("status", result.StatusCode), slog.String("error", result.Error))
	}
	if _, err := a.sessions.AddMessage(ctx, s, session.ToolResultMessage(call.ID, result)); err != nil {
		return err
	}
	a.publish(toolResultEvent(s.ID, result))
	return nil
}

func (a *Agent) pause(ctx context.Context, s *session.Session, res *RunResult, text string, options []string, reason string) error {
	if err := a.sessions.SetAwaitingInput(ctx, s); err != nil {
		return err
	}
	res.Paused = true
	res.Reason = reason
	a.publish(stream.AwaitingInput(s.ID, text, options))
	return nil
}

// fail 处理模型调用失败：会话置为 ERROR 并推送原因，循环本身视为正常结束。
func (a *Agent) fail(ctx context.Context, s *session.Session, res *RunResult, cause error) error {
	reason := "The assistant could not get a response from the language model. Please try again later."
	if xerrors.CodeOf(cause) == llm.CodeMalformedResponse {
		reason = "The assistant received an unreadable response from the language model. Please try again."
	}
	a.log.Error("模型调用失败", slog.String("session_id", s.ID), slog.Any("error", cause))
	if err := a.sessions.Fail(ctx, s, reason); err != nil {
		return err
	}
	res.Reason = ReasonModelError
	a.publish(stream.Error(s.ID, reason))
	return nil
}

// abort 是兜底路径，使用独立的上下文以免调用方已取消时无法落库。
func (a *Agent) abort(ctx context.Context, s *session.Session, reason string, cause error) bool {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	a.log.Error("推理循环中断", slog.String("session_id", s.ID), slog.Any("error", cause))
	if err := a.sessions.Fail(cleanupCtx, s, reason); err != nil {
		a.log.Error("标记会话失败状态出错", slog.String("session_id", s.ID), slog.Any("error", err))
		return false
	}
	a.publish(stream.Error(s.ID, reason))
	return true
}

func (a *Agent) callModel(ctx context.Context, s *session.Session) (*llm.Response, error) {
	model := s.Model
	if model == "" {
		model = a.defaultModel
	}
	req := llm.Request{
		Model:       model,
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
		Messages:    buildModelMessages(s.Messages),
		Tools:       toolSchemas(s.Tools),
	}

	llmCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}

	started := time.Now()
	resp, err := a.llmClient.Complete(llmCtx, req)
	if err == nil && resp == nil {
		err = xerrors.New(llm.CodeMalformedResponse, "模型返回为空")
	}
	outcome := "ok"
	switch {
	case err == nil:
	case stdErrors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
		err = xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
	default:
		outcome = "error"
	}
	if a.metrics != nil {
		a.metrics.ModelCall(outcome, time.Since(started))
	}
	return resp, err
}

func (a *Agent) publish(event stream.Event) {
	a.publisher.Publish(event)
}

func toolResultEvent(sessionID string, result tool.Result) stream.Event {
	event := stream.ToolResult(sessionID, result.ToolName, result.Summary(), result.Success)
	if !result.Success {
		event.Error = result.Error
	}
	return event
}

func toolSchemas(defs []tool.Definition) []llm.ToolSchema {
	if len(defs) == 0 {
		return nil
	}
	schemas := make([]llm.ToolSchema, 0, len(defs))
	for _, def := range defs {
		schemas = append(schemas, llm.ToolSchema{
			Name:        def.Name,
			Description: def.ModelDescription(),
			Parameters:  def.Schema(),
		})
	}
	return schemas
}

// buildModelMessages 把历史转换为模型上下文。历史顺序为准，但工具结果总是紧跟在
// 对应的调用之后；被确认文本隔开的结果会被提前，没有结果的调用不会发给模型。
func buildModelMessages(history []session.Message) []llm.Message {
	results := make(map[string]session.Message)
	for _, msg := range history {
		if msg.Kind == session.KindToolResult && msg.ToolCallID != "" {
			if _, seen := results[msg.ToolCallID]; !seen {
				results[msg.ToolCallID] = msg
			}
		}
	}

	out := make([]llm.Message, 0, len(history))
	for _, msg := range history {
		switch msg.Kind {
		case session.KindSystem:
			out = append(out, llm.Message{Role: llm.RoleSystem, Content: msg.Content})
		case session.KindUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: msg.Content})
		case session.KindAssistantText:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: msg.Content})
		case session.KindToolCall:
			result, ok := results[msg.ToolCallID]
			if !ok {
				continue
			}
			out = append(out,
				llm.Message{
					Role:      llm.RoleAssistant,
					ToolCalls: []llm.ToolCall{{ID: msg.ToolCallID, Name: msg.ToolName, Arguments: msg.Arguments}},
				},
				llm.Message{Role: llm.RoleTool, Content: result.Content, ToolCallID: msg.ToolCallID, Name: msg.ToolName},
			)
		case session.KindToolResult:
			// 已随调用一起输出。
		}
	}
	return out
}

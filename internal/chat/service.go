package chat

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"

	"AgentDesk/internal/catalog"
	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/session"
	"AgentDesk/internal/task"
	"AgentDesk/pkg/logger"
)

const defaultToolLimit = 8

// 会话被终止时写入 FailureReason 的原因。
const (
	reasonPrepareFailed    = "session setup failed"
	reasonQueueUnavailable = "task queue unavailable"
)

// Submitter 把循环任务放入队列，由 task.Service 实现。
type Submitter interface {
	Submit(ctx context.Context, req task.Request) (*task.Task, error)
}

var _ Submitter = (*task.Service)(nil)

// StartRequest 描述一次新对话。
type StartRequest struct {
	UserID     string
	TenantID   string
	Model      string
	Credential string
	Context    map[string]string
	Message    string
}

// StartResult 是 Start 的返回值。
type StartResult struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	TaskID    string `json:"task_id"`
}

// RespondResult 是 Respond 的返回值。
type RespondResult struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	TaskID    string `json:"task_id"`
}

// Option 定制 Service。
type Option func(*Service)

// WithToolLimit 设置每个会话固定的最大工具数。
func WithToolLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.toolLimit = n
		}
	}
}

// WithDefaultModel 在请求未指定模型时使用。
func WithDefaultModel(model string) Option {
	return func(s *Service) {
		s.defaultModel = strings.TrimSpace(model)
	}
}

// Service 处理客户端的开始与回复请求。
type Service struct {
	sessions     *session.Manager
	locker       session.Locker
	tools        catalog.Provider
	tasks        Submitter
	toolLimit    int
	defaultModel string
	log          *slog.Logger
}

// NewService 构造聊天服务。tools 为空时会话不固定任何工具。
func NewService(sessions *session.Manager, locker session.Locker, tools catalog.Provider, tasks Submitter, opts ...Option) *Service {
	if locker == nil {
		locker = session.NewLocalLocker(0)
	}
	if tools == nil {
		tools = catalog.Empty{}
	}
	s := &Service{
		sessions:  sessions,
		locker:    locker,
		tools:     tools,
		tasks:     tasks,
		toolLimit: defaultToolLimit,
		log:       logger.Named("chat"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 创建会话、固定工具、写入首条用户消息，然后提交 start 任务。
func (s *Service) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return StartResult{}, xerrors.New(xerrors.CodeInvalidArgument, "message 不能为空")
	}
	if strings.TrimSpace(req.UserID) == "" {
		return StartResult{}, xerrors.New(xerrors.CodeInvalidArgument, "user_id 不能为空")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = s.defaultModel
	}

	sess, err := s.sessions.Create(ctx, session.CreateParams{
		UserID:     req.UserID,
		TenantID:   req.TenantID,
		Model:      model,
		Credential: req.Credential,
		Context:    req.Context,
	})
	if err != nil {
		return StartResult{}, err
	}

	if err := s.locker.Lock(ctx, sess.ID); err != nil {
		s.abandon(ctx, sess.ID, reasonPrepareFailed, err)
		return StartResult{}, err
	}
	prepErr := s.prepare(ctx, sess, req.TenantID, message)
	s.locker.Unlock(sess.ID)
	if prepErr != nil {
		s.abandon(ctx, sess.ID, reasonPrepareFailed, prepErr)
		return StartResult{}, prepErr
	}

	t, err := s.tasks.Submit(ctx, task.Request{SessionID: sess.ID, Trigger: task.TriggerStart})
	if err != nil {
		s.abandon(ctx, sess.ID, reasonQueueUnavailable, err)
		return StartResult{}, err
	}
	return StartResult{SessionID: sess.ID, Status: "started", TaskID: t.ID}, nil
}

func (s *Service) prepare(ctx context.Context, sess *session.Session, tenantID, message string) error {
	if len(sess.Tools) == 0 {
		defs, err := s.tools.Search(catalog.WithTenant(ctx, tenantID), message, s.toolLimit)
		if err != nil {
			// 目录不可用时以空工具集继续，模型仍然可以直接回答
			s.log.Warn("工具检索失败", slog.String("session_id", sess.ID), slog.Any("error", err))
		} else if len(defs) > 0 {
			if err := s.sessions.PinTools(ctx, sess, defs); err != nil && !stdErrors.Is(err, session.ErrToolsAlreadyPinned) {
				return err
			}
		}
	}
	_, err := s.sessions.AddMessage(ctx, sess, session.UserMessage(message))
	return err
}

// Respond 把用户回复写入处于 AWAITING_INPUT 的会话，恢复为 ACTIVE 并提交 resume 任务。
func (s *Service) Respond(ctx context.Context, sessionID, message string) (RespondResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return RespondResult{}, xerrors.New(xerrors.CodeInvalidArgument, "session_id 不能为空")
	}

	if err := s.locker.Lock(ctx, sessionID); err != nil {
		if stdErrors.Is(err, session.ErrLockTimeout) {
			return RespondResult{}, session.ErrSessionBusy
		}
		return RespondResult{}, err
	}
	err := s.resume(ctx, sessionID, message)
	s.locker.Unlock(sessionID)
	if err != nil {
		return RespondResult{}, err
	}

	t, err := s.tasks.Submit(ctx, task.Request{SessionID: sessionID, Trigger: task.TriggerResume})
	if err != nil {
		s.abandon(ctx, sessionID, reasonQueueUnavailable, err)
		return RespondResult{}, err
	}
	return RespondResult{SessionID: sessionID, Status: "resumed", TaskID: t.ID}, nil
}

func (s *Service) resume(ctx context.Context, sessionID, message string) error {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	switch {
	case sess.State == session.StateTimedOut:
		return session.ErrSessionExpired
	case sess.State.Terminal():
		return session.ErrSessionClosed
	case sess.State == session.StateActive:
		return session.ErrSessionBusy
	}
	// 空回复也要写入，确认流程会把它当作拒绝
	if _, err := s.sessions.AddMessage(ctx, sess, session.UserMessage(strings.TrimSpace(message))); err != nil {
		return err
	}
	return s.sessions.Resume(ctx, sess)
}

// abandon 在会话无法交给循环任务时把它终止，避免客户端面对一个永远 ACTIVE 的会话。
func (s *Service) abandon(ctx context.Context, sessionID, reason string, cause error) {
	sess, err := s.sessions.Get(context.WithoutCancel(ctx), sessionID)
	if err != nil || sess.State.Terminal() {
		return
	}
	if err := s.sessions.Fail(context.WithoutCancel(ctx), sess, reason); err != nil {
		s.log.Error("终止会话失败", slog.String("session_id", sessionID), slog.Any("error", err))
		return
	}
	s.log.Error("会话已终止", slog.String("session_id", sessionID), slog.String("reason", reason), slog.Any("error", cause))
}

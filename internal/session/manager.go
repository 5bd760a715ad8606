package session

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/tool"
	"AgentDesk/pkg/logger"
)

const (
	defaultIdleTimeout    = 30 * time.Minute
	defaultConfirmTimeout = 5 * time.Minute
	cleanupBatchSize      = 500
)

// TransitionHook 在每次状态迁移落库后调用，常用于指标统计。
type TransitionHook func(from, to State)

// Option 用于定制 Manager。
type Option func(*Manager)

// WithIdleTimeout 设置空闲过期窗口。
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idle = d
		}
	}
}

// WithConfirmTimeout 设置等待用户输入时的过期窗口。
func WithConfirmTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.confirm = d
		}
	}
}

// WithClock 替换时间来源，测试中用来模拟过期。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTransitionHook 注册状态迁移回调。
func WithTransitionHook(hook TransitionHook) Option {
	return func(m *Manager) {
		m.hook = hook
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// Manager 在 Repository 之上实现会话状态机。
type Manager struct {
	repo    Repository
	idle    time.Duration
	confirm time.Duration
	now     func() time.Time
	hook    TransitionHook
	log     *slog.Logger
}

// NewManager 创建会话管理器。
func NewManager(repo Repository, opts ...Option) *Manager {
	if repo == nil {
		repo = NewMemoryRepository()
	}
	m := &Manager{
		repo:    repo,
		idle:    defaultIdleTimeout,
		confirm: defaultConfirmTimeout,
		now:     time.Now,
		log:     logger.Named("session"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// CreateParams 描述新会话的初始属性。
type CreateParams struct {
	UserID     string
	TenantID   string
	Model      string
	Credential string
	Context    map[string]string
}

// Create 创建处于 ACTIVE 状态的会话，并写入系统规则消息。
func (m *Manager) Create(ctx context.Context, params CreateParams) (*Session, error) {
	if strings.TrimSpace(params.UserID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "user_id 不能为空")
	}
	now := m.now()
	s := &Session{
		ID:         uuid.NewString(),
		UserID:     params.UserID,
		TenantID:   params.TenantID,
		Model:      params.Model,
		Credential: params.Credential,
		State:      StateActive,
		Context:    cloneStrings(params.Context),
		ExpiresAt:  now.Add(m.idle),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.repo.Create(ctx, s); err != nil {
		return nil, err
	}
	if _, err := m.AddMessage(ctx, s, SystemMessage(BuildSystemPrompt(s.Context))); err != nil {
		return nil, err
	}
	logger.Audit().Info("会话已创建",
		slog.String("session_id", s.ID),
		slog.String("user_id", s.UserID),
		slog.String("tenant_id", s.TenantID),
		slog.String("model", s.Model),
	)
	return s, nil
}

// Get 读取会话。若会话已过期但尚未终止，会被标记为 TIMED_OUT 后返回。
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	s, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.State.Terminal() && s.Expired(m.now()) {
		if err := m.expire(ctx, s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Resume 将 AWAITING_INPUT 的会话恢复为 ACTIVE。
func (m *Manager) Resume(ctx context.Context, s *Session) error {
	return m.transition(ctx, s, StateActive, m.idle)
}

// SetAwaitingInput 暂停会话等待用户输入，过期窗口缩短为确认窗口。
func (m *Manager) SetAwaitingInput(ctx context.Context, s *Session) error {
	return m.transition(ctx, s, StateAwaitingInput, m.confirm)
}

// Complete 将会话标记为完成。
func (m *Manager) Complete(ctx context.Context, s *Session) error {
	return m.transition(ctx, s, StateCompleted, 0)
}

// Fail 将会话标记为错误，并把原因写入上下文。
func (m *Manager) Fail(ctx context.Context, s *Session, reason string) error {
	if err := m.checkLive(ctx, s); err != nil {
		return err
	}
	if s.Context == nil {
		s.Context = map[string]string{}
	}
	s.Context["error_reason"] = reason
	return m.transition(ctx, s, StateError, 0)
}

// AddMessage 追加消息到会话历史，同时更新调用方持有的会话副本。
func (m *Manager) AddMessage(ctx context.Context, s *Session, msg Message) (Message, error) {
	if err := m.checkLive(ctx, s); err != nil {
		return Message{}, err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	stored, err := m.repo.AppendMessage(ctx, s.ID, msg)
	if err != nil {
		return Message{}, err
	}
	s.Messages = append(s.Messages, stored)
	return stored, nil
}

// PinTools 固定会话可用的工具集，只允许设置一次。
func (m *Manager) PinTools(ctx context.Context, s *Session, tools []tool.Definition) error {
	if err := m.checkLive(ctx, s); err != nil {
		return err
	}
	if len(s.Tools) > 0 {
		return ErrToolsAlreadyPinned
	}
	s.Tools = cloneTools(tools)
	s.UpdatedAt = m.now()
	return m.repo.Update(ctx, s)
}

// SavePending 保存待确认调用，覆盖已有的。
func (m *Manager) SavePending(ctx context.Context, s *Session, call PendingToolCall) error {
	if err := m.checkLive(ctx, s); err != nil {
		return err
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = m.now()
	}
	return m.repo.SavePending(ctx, s.ID, call)
}

// TakePending 取出并删除待确认调用。
func (m *Manager) TakePending(ctx context.Context, id string) (*PendingToolCall, error) {
	return m.repo.TakePending(ctx, id)
}

// PeekPending 查看待确认调用但不删除。
func (m *Manager) PeekPending(ctx context.Context, id string) (*PendingToolCall, error) {
	return m.repo.PeekPending(ctx, id)
}

// CleanupExpired 删除所有已过期的会话及其消息与待确认调用，返回清理数量。
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	now := m.now()
	evicted := 0
	for {
		ids, err := m.repo.ListExpired(ctx, now, cleanupBatchSize)
		if err != nil {
			return evicted, err
		}
		for _, id := range ids {
			if err := m.repo.Delete(ctx, id); err != nil {
				return evicted, err
			}
			evicted++
			logger.Audit().Info("过期会话已清理", slog.String("session_id", id))
		}
		if len(ids) < cleanupBatchSize {
			return evicted, nil
		}
	}
}

// StartSweeper 启动后台协程，按 interval 周期清理过期会话，直到 ctx 取消。
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := m.CleanupExpired(ctx)
				if err != nil {
					if ctx.Err() == nil {
						m.log.Warn("清理过期会话失败", slog.Any("error", err))
					}
					continue
				}
				if n > 0 {
					m.log.Info("已清理过期会话", slog.Int("count", n))
				}
			}
		}
	}()
}

// checkLive 确认会话仍可被修改。过期的会话会被就地标记为 TIMED_OUT。
func (m *Manager) checkLive(ctx context.Context, s *Session) error {
	if s == nil {
		return ErrSessionNotFound
	}
	switch {
	case s.State == StateTimedOut:
		return ErrSessionExpired
	case s.State.Terminal():
		return ErrSessionClosed
	}
	if s.Expired(m.now()) {
		if err := m.expire(ctx, s); err != nil {
			return err
		}
		return ErrSessionExpired
	}
	return nil
}

func (m *Manager) expire(ctx context.Context, s *Session) error {
	from := s.State
	s.State = StateTimedOut
	s.UpdatedAt = m.now()
	if err := m.repo.Update(ctx, s); err != nil {
		if stdErrors.Is(err, ErrSessionNotFound) {
			return err
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记会话超时失败")
	}
	m.notify(from, StateTimedOut)
	logger.Audit().Info("会话已超时", slog.String("session_id", s.ID), slog.String("from", string(from)))
	return nil
}

// transition 执行一次状态迁移。window 大于 0 时顺延过期时间。
func (m *Manager) transition(ctx context.Context, s *Session, to State, window time.Duration) error {
	if err := m.checkLive(ctx, s); err != nil {
		return err
	}
	from := s.State
	if !CanTransition(from, to) {
		return xerrors.Newf(CodeInvalidTransition, "会话不能从 %s 迁移到 %s", from, to)
	}
	now := m.now()
	s.State = to
	s.UpdatedAt = now
	if window > 0 {
		s.ExpiresAt = now.Add(window)
	}
	if err := m.repo.Update(ctx, s); err != nil {
		s.State = from
		return err
	}
	m.notify(from, to)

	attrs := []any{slog.String("session_id", s.ID), slog.String("from", string(from)), slog.String("to", string(to))}
	switch to {
	case StateActive:
		logger.Audit().Info("会话已恢复", attrs...)
	case StateAwaitingInput:
		logger.Audit().Info("会话等待用户输入", attrs...)
	case StateCompleted:
		logger.Audit().Info("会话已完成", attrs...)
	case StateError:
		logger.Audit().Warn("会话失败", append(attrs, slog.String("reason", s.Context["error_reason"]))...)
	}
	return nil
}

func (m *Manager) notify(from, to State) {
	if m.hook != nil {
		m.hook(from, to)
	}
}

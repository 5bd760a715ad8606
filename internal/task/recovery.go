package task

import (
	"context"
	"log/slog"

	"AgentDesk/pkg/logger"
)

// RecoveryHandler 定义了在任务彻底失败时的补偿策略。
type RecoveryHandler interface {
	// Recover 在任务不会再被重试时调用，负责让相关会话脱离中间状态。
	Recover(ctx context.Context, task *Task, cause error) error
}

// SessionAborter 能够把会话置为错误状态并通知客户端，由 agent.Agent 实现。
type SessionAborter interface {
	Abort(ctx context.Context, sessionID, reason string) error
}

// SessionRecovery 在循环任务放弃后终止对应会话，避免客户端一直等待一个 ACTIVE 会话。
type SessionRecovery struct {
	aborter SessionAborter
	reason  string
}

// NewSessionRecovery 创建补偿策略。
func NewSessionRecovery(aborter SessionAborter) *SessionRecovery {
	return &SessionRecovery{
		aborter: aborter,
		reason:  "The assistant is unavailable right now. Please start a new conversation.",
	}
}

// Recover 实现 RecoveryHandler。
func (r *SessionRecovery) Recover(ctx context.Context, task *Task, cause error) error {
	if r == nil || r.aborter == nil || task == nil || task.SessionID == "" {
		return nil
	}
	if err := r.aborter.Abort(ctx, task.SessionID, r.reason); err != nil {
		return err
	}
	logger.Audit().Warn("循环任务放弃，会话已终止",
		slog.String("task_id", task.ID),
		slog.String("session_id", task.SessionID),
		slog.Any("cause", cause),
	)
	return nil
}

var _ RecoveryHandler = (*SessionRecovery)(nil)

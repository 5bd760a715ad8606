package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"AgentDesk/internal/agent"
	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/observability/alerting"
	"AgentDesk/internal/session"
	"AgentDesk/pkg/logger"
)

// Runner 定义了处理器所需的 Agent 能力。
type Runner interface {
	Run(ctx context.Context, sessionID string) (*agent.RunResult, error)
}

// Processor 负责从队列消费循环任务并交给 Agent 执行。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	producer    Producer
	locker      session.Locker
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithSessionLocker 保证同一会话同一时间只有一个循环在运行。
func WithSessionLocker(locker session.Locker) ProcessorOption {
	return func(p *Processor) {
		p.locker = locker
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) || stdErrors.Is(err, ErrTaskExhausted) {
			p.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	// 同一会话的循环串行执行。
	if p.locker != nil {
		if err := p.locker.Lock(ctx, task.SessionID); err != nil {
			return p.handleExecutionFailure(ctx, task, err)
		}
		defer p.locker.Unlock(task.SessionID)
	}

	started := time.Now()
	result, runErr := p.runner.Run(ctx, task.SessionID)
	if runErr != nil {
		return p.handleExecutionFailure(ctx, task, runErr)
	}

	record := outcomeOf(result)
	if err := p.store.MarkSucceeded(ctx, task.ID, record); err != nil {
		// 会话状态已经落库，结果写不进去时不重跑循环，只记录失败。
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		if storeErr := p.store.MarkFailed(ctx, task.ID, xerrors.CodeStorageFailure, err.Error(), true); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
			return storeErr
		}
		return nil
	}
	logger.Audit().Info("循环任务执行完成",
		slog.String("task_id", task.ID),
		slog.String("session_id", task.SessionID),
		slog.String("trigger", string(task.Trigger)),
		slog.String("final_state", record.FinalState),
		slog.String("reason", record.Reason),
		slog.Int("model_calls", record.ModelCalls),
		slog.Int("tool_calls", record.ToolCalls),
		slog.Duration("elapsed", time.Since(started)),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("循环任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("session_id", task.SessionID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
		if !retryable {
			stage = "non_retryable"
		}
		if p.recovery != nil {
			if recErr := p.recovery.Recover(ctx, task, execErr); recErr != nil {
				wrapped := xerrors.Wrap(CodeTaskCompensate, recErr, "任务补偿失败")
				logger.L().Error("执行补偿逻辑失败", slog.Any("error", wrapped), slog.String("task_id", task.ID))
				p.emitAlert(ctx, task, CodeTaskCompensate, wrapped, "compensate")
			}
		}
	}
	if xerrors.ShouldAlert(execErr) || terminal {
		p.emitAlert(ctx, task, code, execErr, stage)
	}

	if !terminal {
		if p.producer == nil {
			return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务生产者")
		}
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
		}
		p.logDebug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     task.ID,
		SessionID:  task.SessionID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}

func outcomeOf(result *agent.RunResult) RunOutcome {
	if result == nil {
		return RunOutcome{}
	}
	return RunOutcome{
		FinalState: string(result.FinalState),
		Iterations: result.Iterations,
		ModelCalls: result.ModelCalls,
		ToolCalls:  result.ToolCalls,
		Paused:     result.Paused,
		Reason:     result.Reason,
	}
}

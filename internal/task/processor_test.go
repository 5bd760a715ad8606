package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"AgentDesk/internal/agent"
	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/observability/alerting"
	"AgentDesk/internal/session"
)

type fakeRunner struct {
	processed atomic.Int32
	latency   time.Duration
	err       error
	active    sync.Map
	overlap   atomic.Bool
}

func (f *fakeRunner) Run(ctx context.Context, sessionID string) (*agent.RunResult, error) {
	if _, loaded := f.active.LoadOrStore(sessionID, true); loaded {
		f.overlap.Store(true)
	}
	defer f.active.Delete(sessionID)
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	f.processed.Add(1)
	return &agent.RunResult{SessionID: sessionID, FinalState: session.StateCompleted, Iterations: 1, ModelCalls: 1, Reason: agent.ReasonCompleted}, nil
}

type recordingRecovery struct {
	mu    sync.Mutex
	tasks []string
}

func (r *recordingRecovery) Recover(_ context.Context, task *Task, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task.SessionID)
	return nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, e alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("condition not met in %s", timeout)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	runner := &fakeRunner{latency: 5 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(runner, store, queue, queue,
		WithWorkerCount(8),
		WithSessionLocker(session.NewLocalLocker(5*time.Second)),
	)

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 100
	for i := 0; i < total; i++ {
		// 每个会话提交两次，验证同一会话串行执行。
		sessionID := fmt.Sprintf("session-%d", i%50)
		if _, err := service.Submit(ctx, Request{SessionID: sessionID, Trigger: TriggerResume}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		stats, err := service.Stats(ctx)
		return err == nil && stats.Succeeded == total
	})
	if runner.overlap.Load() {
		t.Fatalf("two loops ran concurrently for the same session")
	}
	if int(runner.processed.Load()) != total {
		t.Fatalf("expected %d runs, got %d", total, runner.processed.Load())
	}
}

func TestProcessorRetriesThenRecovers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	runner := &fakeRunner{err: session.ErrLockTimeout}
	recovery := &recordingRecovery{}
	alerts := &recordingDispatcher{}

	service := NewService(store, queue, 2)
	processor := NewProcessor(runner, store, queue, queue,
		WithRecoveryHandler(recovery),
		WithAlertDispatcher(alerts),
	)
	go func() { _ = processor.Start(ctx) }()

	task, err := service.Submit(ctx, Request{SessionID: "s1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		alerts.mu.Lock()
		defer alerts.mu.Unlock()
		for _, e := range alerts.events {
			if e.Metadata["stage"] == "terminal" {
				return true
			}
		}
		return false
	})
	recovery.mu.Lock()
	if len(recovery.tasks) != 1 || recovery.tasks[0] != "s1" {
		t.Fatalf("expected one recovery for s1, got %v", recovery.tasks)
	}
	recovery.mu.Unlock()
	got, err := service.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed || got.Attempts != 2 || got.ErrorCode != string(session.CodeSessionLockTimeout) {
		t.Fatalf("unexpected task: %+v", got)
	}
	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	if len(alerts.events) == 0 || alerts.events[len(alerts.events)-1].Metadata["stage"] != "terminal" {
		t.Fatalf("expected terminal alert, got %+v", alerts.events)
	}
	if alerts.events[len(alerts.events)-1].SessionID != "s1" {
		t.Fatalf("alert should carry the session id")
	}
}

func TestProcessorNonRetryableIsTerminal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	runner := &fakeRunner{err: session.ErrSessionClosed}
	recovery := &recordingRecovery{}
	processor := NewProcessor(runner, store, queue, queue, WithRecoveryHandler(recovery))
	go func() { _ = processor.Start(ctx) }()

	service := NewService(store, queue, 3)
	task, err := service.Submit(ctx, Request{SessionID: "s2"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		got, _ := service.Get(ctx, task.ID)
		return got != nil && got.Status == StatusFailed
	})
	got, _ := service.Get(ctx, task.ID)
	if got.Attempts != 1 || xerrors.Code(got.ErrorCode) != session.CodeSessionClosed {
		t.Fatalf("non-retryable failure should not be retried: %+v", got)
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(4), 3)
	ctx := context.Background()
	if _, err := service.Submit(ctx, Request{}); xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("missing session should be rejected, got %v", err)
	}
	if _, err := service.Submit(ctx, Request{SessionID: "s1", Trigger: "restart"}); xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("unknown trigger should be rejected, got %v", err)
	}
	first, err := service.Submit(ctx, Request{ID: "fixed", SessionID: "s1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := service.Submit(ctx, Request{ID: "fixed", SessionID: "s1"})
	if err != nil || second.ID != first.ID || second.Trigger != TriggerStart {
		t.Fatalf("explicit id should be idempotent: %+v %v", second, err)
	}
}

func TestSessionRecoveryAbortsSession(t *testing.T) {
	aborter := &fakeAborter{}
	r := NewSessionRecovery(aborter)
	if err := r.Recover(context.Background(), &Task{ID: "t1", SessionID: "s1"}, errors.New("boom")); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if aborter.sessionID != "s1" || aborter.reason == "" {
		t.Fatalf("session not aborted: %+v", aborter)
	}
}

type fakeAborter struct {
	sessionID string
	reason    string
}

func (f *fakeAborter) Abort(_ context.Context, sessionID, reason string) error {
	f.sessionID = sessionID
	f.reason = reason
	return nil
}

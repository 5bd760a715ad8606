package chat

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	"AgentDesk/internal/catalog"
	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/session"
	"AgentDesk/internal/task"
	"AgentDesk/internal/tool"
)

type fakeCatalog struct {
	defs    []tool.Definition
	err     error
	queries []string
	tenants []string
}

func (f *fakeCatalog) Search(ctx context.Context, query string, limit int) ([]tool.Definition, error) {
	f.queries = append(f.queries, query)
	f.tenants = append(f.tenants, catalog.TenantFrom(ctx))
	return f.defs, f.err
}

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []task.Request
	err      error
}

func (f *fakeSubmitter) Submit(_ context.Context, req task.Request) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	return &task.Task{ID: "task-" + string(req.Trigger), SessionID: req.SessionID, Trigger: req.Trigger}, nil
}

func listCourses() tool.Definition {
	return tool.Definition{Name: "list_courses", Description: "List courses", Endpoint: "/courses", Method: "GET"}
}

func newService(t *testing.T, cat catalog.Provider, sub *fakeSubmitter) (*Service, *session.Manager) {
	t.Helper()
	manager := session.NewManager(session.NewMemoryRepository())
	return NewService(manager, session.NewLocalLocker(50*time.Millisecond), cat, sub, WithDefaultModel("gpt-test")), manager
}

func TestStartPinsToolsAndQueuesTask(t *testing.T) {
	cat := &fakeCatalog{defs: []tool.Definition{listCourses()}}
	sub := &fakeSubmitter{}
	svc, manager := newService(t, cat, sub)

	res, err := svc.Start(context.Background(), StartRequest{UserID: "u1", TenantID: "inst-9", Credential: "secret", Message: "show my courses"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.Status != "started" || res.TaskID != "task-start" || res.SessionID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(cat.queries) != 1 || cat.queries[0] != "show my courses" || cat.tenants[0] != "inst-9" {
		t.Fatalf("catalog should be searched once with the first message: %+v %+v", cat.queries, cat.tenants)
	}
	if len(sub.requests) != 1 || sub.requests[0].Trigger != task.TriggerStart {
		t.Fatalf("expected one start task, got %+v", sub.requests)
	}

	s, err := manager.Get(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.State != session.StateActive || s.Model != "gpt-test" {
		t.Fatalf("unexpected session: state=%s model=%s", s.State, s.Model)
	}
	if len(s.Tools) != 1 || s.Tools[0].Name != "list_courses" {
		t.Fatalf("tools not pinned: %+v", s.Tools)
	}
	last, ok := s.LastUserMessage()
	if !ok || last.Content != "show my courses" {
		t.Fatalf("first user message missing: %+v", s.Messages)
	}
}

func TestStartContinuesWhenCatalogFails(t *testing.T) {
	cat := &fakeCatalog{err: stdErrors.New("discovery down")}
	sub := &fakeSubmitter{}
	svc, manager := newService(t, cat, sub)

	res, err := svc.Start(context.Background(), StartRequest{UserID: "u1", Message: "hello"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	s, _ := manager.Get(context.Background(), res.SessionID)
	if len(s.Tools) != 0 {
		t.Fatalf("expected no pinned tools, got %d", len(s.Tools))
	}
}

func TestStartValidation(t *testing.T) {
	sub := &fakeSubmitter{}
	svc, _ := newService(t, nil, sub)

	_, err := svc.Start(context.Background(), StartRequest{UserID: "u1", Message: "   "})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if len(sub.requests) != 0 {
		t.Fatalf("no task should be submitted on error")
	}
}

func TestStartFailsSessionWhenQueueUnavailable(t *testing.T) {
	var transitions []string
	manager := session.NewManager(session.NewMemoryRepository(), session.WithTransitionHook(func(from, to session.State) {
		transitions = append(transitions, string(from)+">"+string(to))
	}))
	sub := &fakeSubmitter{err: xerrors.New(task.CodeTaskPublish, "queue down")}
	svc := NewService(manager, nil, nil, sub)

	if _, err := svc.Start(context.Background(), StartRequest{UserID: "u1", Message: "hello"}); err == nil {
		t.Fatalf("expected submit error")
	}
	if len(transitions) != 1 || transitions[0] != "ACTIVE>ERROR" {
		t.Fatalf("session should be failed, got %v", transitions)
	}
}

// flakyRepository 在第 failOn 次追加消息时返回错误。
type flakyRepository struct {
	*session.MemoryRepository
	mu      sync.Mutex
	appends int
	failOn  int
}

func (r *flakyRepository) AppendMessage(ctx context.Context, id string, msg session.Message) (session.Message, error) {
	r.mu.Lock()
	r.appends++
	fail := r.appends == r.failOn
	r.mu.Unlock()
	if fail {
		return session.Message{}, stdErrors.New("db down")
	}
	return r.MemoryRepository.AppendMessage(ctx, id, msg)
}

func TestStartFailsSessionWhenSetupFails(t *testing.T) {
	repo := &flakyRepository{MemoryRepository: session.NewMemoryRepository(), failOn: 2}
	var failed []string
	manager := session.NewManager(repo, session.WithTransitionHook(func(from, to session.State) {
		failed = append(failed, string(from)+">"+string(to))
	}))
	sub := &fakeSubmitter{}
	svc := NewService(manager, nil, nil, sub)
	ctx := context.Background()

	if _, err := svc.Start(ctx, StartRequest{UserID: "u1", Message: "hello"}); err == nil {
		t.Fatalf("expected error when the first user message cannot be stored")
	}
	if len(sub.requests) != 0 {
		t.Fatalf("no task should be submitted, got %d", len(sub.requests))
	}
	if len(failed) != 1 || failed[0] != "ACTIVE>ERROR" {
		t.Fatalf("session should be failed, got %v", failed)
	}

	ids, err := repo.ListExpired(ctx, time.Now().Add(24*time.Hour), 10)
	if err != nil || len(ids) != 1 {
		t.Fatalf("expected one stored session, got %v %v", ids, err)
	}
	stored, err := manager.Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.State != session.StateError || stored.Context["error_reason"] != reasonPrepareFailed {
		t.Fatalf("unexpected session: state=%s context=%v", stored.State, stored.Context)
	}
	if _, err := svc.Respond(ctx, stored.ID, "yes"); !stdErrors.Is(err, session.ErrSessionClosed) {
		t.Fatalf("expected closed instead of busy, got %v", err)
	}
}

func pausedSession(t *testing.T, manager *session.Manager) *session.Session {
	t.Helper()
	ctx := context.Background()
	s, err := manager.Create(ctx, session.CreateParams{UserID: "u1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := manager.SetAwaitingInput(ctx, s); err != nil {
		t.Fatalf("pause: %v", err)
	}
	return s
}

func TestRespondResumesPausedSession(t *testing.T) {
	sub := &fakeSubmitter{}
	svc, manager := newService(t, nil, sub)
	s := pausedSession(t, manager)

	res, err := svc.Respond(context.Background(), s.ID, " yes ")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if res.Status != "resumed" || res.TaskID != "task-resume" {
		t.Fatalf("unexpected result: %+v", res)
	}
	loaded, _ := manager.Get(context.Background(), s.ID)
	if loaded.State != session.StateActive {
		t.Fatalf("expected ACTIVE, got %s", loaded.State)
	}
	last, _ := loaded.LastUserMessage()
	if last.Content != "yes" {
		t.Fatalf("reply not stored: %+v", last)
	}
}

func TestRespondRejectsWrongStates(t *testing.T) {
	sub := &fakeSubmitter{}
	svc, manager := newService(t, nil, sub)
	ctx := context.Background()

	if _, err := svc.Respond(ctx, "missing", "hi"); !stdErrors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	active, _ := manager.Create(ctx, session.CreateParams{UserID: "u1"})
	if _, err := svc.Respond(ctx, active.ID, "hi"); !stdErrors.Is(err, session.ErrSessionBusy) {
		t.Fatalf("expected busy, got %v", err)
	}

	done, _ := manager.Create(ctx, session.CreateParams{UserID: "u1"})
	_ = manager.Complete(ctx, done)
	if _, err := svc.Respond(ctx, done.ID, "hi"); !stdErrors.Is(err, session.ErrSessionClosed) {
		t.Fatalf("expected closed, got %v", err)
	}

	if len(sub.requests) != 0 {
		t.Fatalf("no task should be submitted, got %d", len(sub.requests))
	}
}

func TestRespondReportsExpiry(t *testing.T) {
	now := time.Now()
	manager := session.NewManager(session.NewMemoryRepository(), session.WithClock(func() time.Time { return now }))
	sub := &fakeSubmitter{}
	svc := NewService(manager, nil, nil, sub)
	s := pausedSession(t, manager)

	now = now.Add(6 * time.Minute)
	if _, err := svc.Respond(context.Background(), s.ID, "yes"); !stdErrors.Is(err, session.ErrSessionExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestRespondWhileLockedIsBusy(t *testing.T) {
	sub := &fakeSubmitter{}
	svc, manager := newService(t, nil, sub)
	s := pausedSession(t, manager)

	if err := svc.locker.Lock(context.Background(), s.ID); err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer svc.locker.Unlock(s.ID)

	if _, err := svc.Respond(context.Background(), s.ID, "yes"); !stdErrors.Is(err, session.ErrSessionBusy) {
		t.Fatalf("expected busy while a loop holds the lock, got %v", err)
	}
}

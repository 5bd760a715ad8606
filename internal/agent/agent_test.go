package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/llm"
	"AgentDesk/internal/session"
	"AgentDesk/internal/stream"
	"AgentDesk/internal/tool"
)

type scriptedLLM struct {
	mu        sync.Mutex
	responses []*llm.Response
	fallback  *llm.Response
	err       error
	wait      time.Duration
	requests  []llm.Request
}

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return s.fallback, nil
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	return next, nil
}

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []tool.Invocation
}

func (f *fakeExecutor) Execute(_ context.Context, inv tool.Invocation) tool.Result {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	f.mu.Unlock()
	return tool.Result{ToolName: inv.Definition.Name, Success: true, StatusCode: 200, Body: `{"ok":true}`}
}

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *recorder) Publish(e stream.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []stream.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stream.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) last() stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func pinnedTools() []tool.Definition {
	return []tool.Definition{
		{
			Name:        "list_courses",
			Description: "List courses",
			Endpoint:    "/courses",
			Method:      "GET",
			Parameters:  []tool.Parameter{{Name: "query", Type: "string"}},
		},
		{
			Name:                 "enroll_student",
			Description:          "Enroll a student into a course",
			Endpoint:             "/courses/{course_id}/enrollments",
			Method:               "POST",
			RequiresConfirmation: true,
			Parameters: []tool.Parameter{
				{Name: "course_id", Type: "string", In: tool.InPath},
				{Name: "student_id", Type: "integer", Required: true},
			},
		},
	}
}

type fixture struct {
	manager  *session.Manager
	llm      *scriptedLLM
	executor *fakeExecutor
	events   *recorder
	agent    *Agent
	session  *session.Session
}

func newFixture(t *testing.T, model *scriptedLLM, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	manager := session.NewManager(session.NewMemoryRepository())
	s, err := manager.Create(ctx, session.CreateParams{UserID: "u1", TenantID: "inst-1", Model: "gpt-test", Credential: "token"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := manager.PinTools(ctx, s, pinnedTools()); err != nil {
		t.Fatalf("pin tools: %v", err)
	}
	f := &fixture{manager: manager, llm: model, executor: &fakeExecutor{}, events: &recorder{}, session: s}
	f.agent = New(manager, model, nil, f.executor, f.events, opts...)
	return f
}

func (f *fixture) say(t *testing.T, text string) {
	t.Helper()
	ctx := context.Background()
	s, err := f.manager.Get(ctx, f.session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s.State == session.StateAwaitingInput {
		if err := f.manager.Resume(ctx, s); err != nil {
			t.Fatalf("resume: %v", err)
		}
	}
	if _, err := f.manager.AddMessage(ctx, s, session.UserMessage(text)); err != nil {
		t.Fatalf("add user message: %v", err)
	}
}

func (f *fixture) reload(t *testing.T) *session.Session {
	t.Helper()
	s, err := f.manager.Get(context.Background(), f.session.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	return s
}

func toolCall(id, name string, args map[string]any) *llm.Response {
	return &llm.Response{ToolCalls: []llm.ToolCall{{ID: id, Name: name, Arguments: args}}, FinishReason: "tool_calls"}
}

func finalText(text string) *llm.Response {
	return &llm.Response{Content: text, FinishReason: llm.FinishStop}
}

func equalTypes(got, want []stream.EventType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestRunReadOnlyToolThenComplete(t *testing.T) {
	model := &scriptedLLM{responses: []*llm.Response{
		toolCall("call_1", "list_courses", map[string]any{"query": "algebra"}),
		finalText("There are 2 algebra courses."),
	}}
	f := newFixture(t, model)
	f.say(t, "Which algebra courses exist")

	res, err := f.agent.Run(context.Background(), f.session.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FinalState != session.StateCompleted || res.ModelCalls != 2 || res.ToolCalls != 1 || res.Reason != ReasonCompleted {
		t.Fatalf("unexpected result: %+v", res)
	}
	want := []stream.EventType{
		stream.EventThinking, stream.EventToolCall, stream.EventToolResult,
		stream.EventThinking, stream.EventMessage, stream.EventComplete,
	}
	if got := f.events.types(); !equalTypes(got, want) {
		t.Fatalf("unexpected events: %v", got)
	}
	if len(f.executor.calls) != 1 || f.executor.calls[0].TenantID != "inst-1" || f.executor.calls[0].Credential != "token" {
		t.Fatalf("unexpected invocation: %+v", f.executor.calls)
	}

	// 第二次模型调用必须看到工具调用与结果相邻。
	second := model.requests[1]
	n := len(second.Messages)
	if second.Messages[n-2].Role != llm.RoleAssistant || len(second.Messages[n-2].ToolCalls) != 1 {
		t.Fatalf("expected tool call message, got %+v", second.Messages[n-2])
	}
	if second.Messages[n-1].Role != llm.RoleTool || second.Messages[n-1].ToolCallID != "call_1" {
		t.Fatalf("expected tool result message, got %+v", second.Messages[n-1])
	}
	if len(second.Tools) != 2 || second.Model != "gpt-test" {
		t.Fatalf("unexpected request: %+v", second)
	}
}

func TestRunConfirmationFlow(t *testing.T) {
	model := &scriptedLLM{responses: []*llm.Response{
		toolCall("call_9", "enroll_student", map[string]any{"course_id": "alg-1", "student_id": float64(7)}),
	}}
	f := newFixture(t, model)
	f.say(t, "Enroll student 7 in alg-1")

	res, err := f.agent.Run(context.Background(), f.session.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FinalState != session.StateAwaitingInput || !res.Paused || res.Reason != ReasonConfirmation {
		t.Fatalf("expected confirmation pause, got %+v", res)
	}
	if len(f.executor.calls) != 0 {
		t.Fatalf("confirm-gated tool must not run before confirmation")
	}
	last := f.events.last()
	if last.Type != stream.EventAwaitingInput || len(last.Options) != 2 {
		t.Fatalf("unexpected pause event: %+v", last)
	}
	pending, err := f.manager.PeekPending(context.Background(), f.session.ID)
	if err != nil || pending == nil || pending.ToolCallID != "call_9" {
		t.Fatalf("pending call not saved: %+v %v", pending, err)
	}

	model.responses = []*llm.Response{finalText("Student 7 is now enrolled in alg-1.")}
	f.say(t, "Yes, proceed")
	res, err = f.agent.Run(context.Background(), f.session.ID)
	if err != nil {
		t.Fatalf("run after confirm: %v", err)
	}
	if res.FinalState != session.StateCompleted || res.ToolCalls != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(f.executor.calls) != 1 || f.executor.calls[0].Definition.Name != "enroll_student" {
		t.Fatalf("confirmed call not executed: %+v", f.executor.calls)
	}
	if pending, _ := f.manager.PeekPending(context.Background(), f.session.ID); pending != nil {
		t.Fatalf("pending call should be consumed")
	}

	// 确认文本与用户回复位于调用和结果之间，发给模型时结果被提前。
	msgs := model.requests[1].Messages
	for i, msg := range msgs {
		if len(msg.ToolCalls) == 1 && msg.ToolCalls[0].ID == "call_9" {
			if i+1 >= len(msgs) || msgs[i+1].Role != llm.RoleTool || msgs[i+1].ToolCallID != "call_9" {
				t.Fatalf("tool result not adjacent to its call: %+v", msgs)
			}
			return
		}
	}
	t.Fatalf("tool call missing from model context: %+v", msgs)
}

func TestRunDeclinedConfirmation(t *testing.T) {
	model := &scriptedLLM{responses: []*llm.Response{
		toolCall("call_9", "enroll_student", map[string]any{"course_id": "alg-1", "student_id": float64(7)}),
	}}
	f := newFixture(t, model)
	f.say(t, "Enroll student 7 in alg-1")
	if _, err := f.agent.Run(context.Background(), f.session.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	f.say(t, "maybe later")
	res, err := f.agent.Run(context.Background(), f.session.ID)
	if err != nil {
		t.Fatalf("run after decline: %v", err)
	}
	if res.FinalState != session.StateAwaitingInput || res.Reason != ReasonDeclined || res.ModelCalls != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(f.executor.calls) != 0 {
		t.Fatalf("declined call must not run")
	}
	s := f.reload(t)
	n := len(s.Messages)
	if s.Messages[n-2].Kind != session.KindToolResult || s.Messages[n-2].Content != CancelledResult || s.Messages[n-2].ToolCallID != "call_9" {
		t.Fatalf("expected synthetic cancellation result, got %+v", s.Messages[n-2])
	}
	if s.Messages[n-1].Content != CancelledReply {
		t.Fatalf("expected cancellation reply, got %+v", s.Messages[n-1])
	}
	if last := f.events.last(); last.Type != stream.EventAwaitingInput || last.Text != CancelledReply || last.Options != nil {
		t.Fatalf("unexpected event: %+v", last)
	}
}

func TestRunBudgetExhausted(t *testing.T) {
	model := &scriptedLLM{fallback: toolCall("", "list_courses", map[string]any{"query": "x"})}
	f := newFixture(t, model)
	f.say(t, "Keep looking")

	res, err := f.agent.Run(context.Background(), f.session.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if model.calls() != 10 || res.ModelCalls != 10 || res.Iterations != 10 {
		t.Fatalf("expected exactly 10 model calls, got %d (%+v)", model.calls(), res)
	}
	if res.FinalState != session.StateAwaitingInput || res.Reason != ReasonBudget {
		t.Fatalf("unexpected result: %+v", res)
	}
	s := f.reload(t)
	if s.Messages[len(s.Messages)-1].Content != BudgetReply {
		t.Fatalf("expected budget message, got %+v", s.Messages[len(s.Messages)-1])
	}
}

func TestRunModelFailureMarksError(t *testing.T) {
	model := &scriptedLLM{err: errors.New("upstream unavailable")}
	f := newFixture(t, model)
	f.say(t, "hello")

	res, err := f.agent.Run(context.Background(), f.session.ID)
	if err != nil {
		t.Fatalf("model failure should be absorbed, got %v", err)
	}
	if res.FinalState != session.StateError || res.Reason != ReasonModelError {
		t.Fatalf("unexpected result: %+v", res)
	}
	if last := f.events.last(); last.Type != stream.EventError || last.Error == "" {
		t.Fatalf("expected error event, got %+v", last)
	}
	s := f.reload(t)
	if s.State != session.StateError || s.Context["error_reason"] == "" {
		t.Fatalf("session not failed: %+v", s)
	}

	if _, err := f.agent.Run(context.Background(), f.session.ID); !errors.Is(err, session.ErrSessionClosed) {
		t.Fatalf("closed session should be rejected, got %v", err)
	}
}

func TestRunModelTimeout(t *testing.T) {
	model := &scriptedLLM{wait: 50 * time.Millisecond, fallback: finalText("late")}
	f := newFixture(t, model, WithLLMTimeout(10*time.Millisecond))
	f.say(t, "hello")

	res, err := f.agent.Run(context.Background(), f.session.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.FinalState != session.StateError {
		t.Fatalf("expected ERROR after timeout, got %+v", res)
	}
}

func TestRunUnknownAndInvalidCallsAreReportedToModel(t *testing.T) {
	model := &scriptedLLM{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{
			{ID: "call_a", Name: "drop_database", Arguments: map[string]any{}},
			{ID: "call_b", Name: "enroll_student", Arguments: map[string]any{"course_id": "alg-1"}},
		}},
		finalText("I could not do that."),
	}}
	f := newFixture(t, model)
	f.say(t, "do something odd")

	res, err := f.agent.Run(context.Background(), f.session.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FinalState != session.StateCompleted || res.ToolCalls != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(f.executor.calls) != 0 {
		t.Fatalf("rejected calls must not reach the executor")
	}
	var failures int
	for _, e := range f.events.events {
		if e.Type == stream.EventToolResult && !e.Success {
			failures++
		}
	}
	if failures != 2 {
		t.Fatalf("expected 2 failed tool results, got %d", failures)
	}
	msgs := model.requests[1].Messages
	var toolMsgs int
	for _, m := range msgs {
		if m.Role == llm.RoleTool {
			toolMsgs++
		}
	}
	if toolMsgs != 2 {
		t.Fatalf("model should see both synthetic results, got %+v", msgs)
	}
}

func TestRunQuestionPausesForInput(t *testing.T) {
	model := &scriptedLLM{responses: []*llm.Response{{Content: "Which course do you mean?", FinishReason: llm.FinishStop}}}
	f := newFixture(t, model)
	f.say(t, "enroll me")

	res, err := f.agent.Run(context.Background(), f.session.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FinalState != session.StateAwaitingInput || res.Reason != ReasonQuestion {
		t.Fatalf("unexpected result: %+v", res)
	}
	if last := f.events.last(); last.Type != stream.EventAwaitingInput || last.Options != nil {
		t.Fatalf("unexpected event: %+v", last)
	}
}

func TestRunRejectsPausedSession(t *testing.T) {
	model := &scriptedLLM{responses: []*llm.Response{{Content: "Which course do you mean?", FinishReason: llm.FinishStop}}}
	f := newFixture(t, model)
	f.say(t, "enroll me")
	if _, err := f.agent.Run(context.Background(), f.session.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	_, err := f.agent.Run(context.Background(), f.session.ID)
	if xerrors.CodeOf(err) != session.CodeInvalidTransition {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestAbortFailsLiveSession(t *testing.T) {
	f := newFixture(t, &scriptedLLM{})
	if err := f.agent.Abort(context.Background(), f.session.ID, "worker gave up"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	s := f.reload(t)
	if s.State != session.StateError || s.Context["error_reason"] != "worker gave up" {
		t.Fatalf("unexpected session: %+v", s)
	}
	if err := f.agent.Abort(context.Background(), "missing", "x"); err != nil {
		t.Fatalf("missing session should be ignored, got %v", err)
	}
}

func TestBuildModelMessagesDropsOrphanCalls(t *testing.T) {
	history := []session.Message{
		session.SystemMessage("rules"),
		session.UserMessage("hi"),
		session.AssistantToolCall(tool.Call{ID: "c1", Name: "list_courses"}),
		session.AssistantText("Shall I?"),
	}
	msgs := buildModelMessages(history)
	if len(msgs) != 3 {
		t.Fatalf("expected orphan call to be skipped, got %+v", msgs)
	}
	if msgs[0].Role != llm.RoleSystem || msgs[1].Role != llm.RoleUser || msgs[2].Role != llm.RoleAssistant {
		t.Fatalf("unexpected roles: %+v", msgs)
	}
}

type failingAppendRepository struct {
	*session.MemoryRepository
	mu      sync.Mutex
	appends int
	failOn  int
}

func (r *failingAppendRepository) AppendMessage(ctx context.Context, id string, msg session.Message) (session.Message, error) {
	r.mu.Lock()
	r.appends++
	fail := r.appends == r.failOn
	r.mu.Unlock()
	if fail {
		return session.Message{}, xerrors.New(xerrors.CodeStorageFailure, "write timeout")
	}
	return r.MemoryRepository.AppendMessage(ctx, id, msg)
}

func TestRunStorageFailureAfterLoadIsNotRetried(t *testing.T) {
	ctx := context.Background()
	// 第 1 条是系统消息，第 2 条是用户消息，第 3 条是模型回答
	repo := &failingAppendRepository{MemoryRepository: session.NewMemoryRepository(), failOn: 3}
	manager := session.NewManager(repo)
	s, err := manager.Create(ctx, session.CreateParams{UserID: "u1", Model: "gpt-test"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := manager.AddMessage(ctx, s, session.UserMessage("hi")); err != nil {
		t.Fatalf("add message: %v", err)
	}
	model := &scriptedLLM{fallback: &llm.Response{Content: "Hello there", FinishReason: llm.FinishStop}}
	events := &recorder{}
	ag := New(manager, model, nil, &fakeExecutor{}, events)

	res, err := ag.Run(ctx, s.ID)
	if err == nil {
		t.Fatalf("expected storage error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("error code should be kept, got %s", xerrors.CodeOf(err))
	}
	if xerrors.RetryableError(err) {
		t.Fatalf("error must not be retryable once the session was failed: %v", err)
	}
	if res == nil || res.FinalState != session.StateError || res.Reason != ReasonAborted {
		t.Fatalf("unexpected result: %+v", res)
	}
	loaded, err := manager.Get(ctx, s.ID)
	if err != nil || loaded.State != session.StateError {
		t.Fatalf("session should be ERROR, got %+v %v", loaded, err)
	}
	if last := events.last(); last.Type != stream.EventError {
		t.Fatalf("expected error event last, got %s", last.Type)
	}
}

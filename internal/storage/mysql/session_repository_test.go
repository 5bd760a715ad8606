package mysql

import (
	"context"
	stdErrors "errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"

	"AgentDesk/internal/session"
)

func newMockRepository(t *testing.T) (*SessionRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo, err := NewSessionRepository(db)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	return repo, mock
}

func TestSessionRepositoryCreate(t *testing.T) {
	repo, mock := newMockRepository(t)
	now := time.UnixMilli(1_700_000_000_000).UTC()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO agent_sessions").
		WithArgs("s1", "u1", "inst-1", "gpt", "secret", "ACTIVE", `{"course_id":"c1"}`, nil,
			now.Add(30*time.Minute).UnixMilli(), now.UnixMilli(), now.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.Create(context.Background(), &session.Session{
		ID: "s1", UserID: "u1", TenantID: "inst-1", Model: "gpt", Credential: "secret",
		State: session.StateActive, Context: map[string]string{"course_id": "c1"},
		ExpiresAt: now.Add(30 * time.Minute), CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSessionRepositoryCreateConflict(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO agent_sessions").WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectRollback()

	err := repo.Create(context.Background(), &session.Session{ID: "s1", UserID: "u1", State: session.StateActive})
	if !stdErrors.Is(err, session.ErrSessionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSessionRepositoryGet(t *testing.T) {
	repo, mock := newMockRepository(t)
	expires := time.UnixMilli(1_700_000_600_000).UTC()

	mock.ExpectQuery("SELECT id, user_id, tenant_id").WithArgs("s1").WillReturnRows(
		sqlmock.NewRows([]string{"id", "user_id", "tenant_id", "model", "credential", "state", "context_json", "tools_json", "expires_at", "created_at", "updated_at"}).
			AddRow("s1", "u1", "inst-1", "gpt", "secret", "AWAITING_INPUT", `{"course_id":"c1"}`,
				`[{"name":"list_courses","endpoint":"/courses","method":"GET"}]`,
				expires.UnixMilli(), int64(1_700_000_000_000), int64(1_700_000_000_000)),
	)
	mock.ExpectQuery("FROM agent_messages").WithArgs("s1").WillReturnRows(
		sqlmock.NewRows([]string{"seq", "kind", "content", "tool_call_id", "tool_name", "arguments_json", "success", "created_at"}).
			AddRow(int64(1), "system", "rules", "", "", nil, false, int64(1_700_000_000_000)).
			AddRow(int64(2), "assistant_tool_call", nil, "call_1", "list_courses", `{"query":"math"}`, false, int64(1_700_000_000_100)),
	)

	s, err := repo.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.State != session.StateAwaitingInput || s.Context["course_id"] != "c1" || !s.ExpiresAt.Equal(expires) {
		t.Fatalf("unexpected session: %+v", s)
	}
	if len(s.Tools) != 1 || s.Tools[0].Name != "list_courses" {
		t.Fatalf("tools not decoded: %+v", s.Tools)
	}
	if len(s.Messages) != 2 || s.Messages[1].Kind != session.KindToolCall || s.Messages[1].Arguments["query"] != "math" {
		t.Fatalf("messages not decoded: %+v", s.Messages)
	}
}

func TestSessionRepositoryGetNotFound(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery("SELECT id, user_id, tenant_id").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := repo.Get(context.Background(), "missing"); !stdErrors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSessionRepositoryAppendMessage(t *testing.T) {
	repo, mock := newMockRepository(t)
	created := time.UnixMilli(1_700_000_000_500).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(seq), 0) FROM agent_messages")).WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(3)))
	mock.ExpectExec("INSERT INTO agent_messages").
		WithArgs("s1", int64(4), "user", "hello", "", "", nil, false, created.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg, err := repo.AppendMessage(context.Background(), "s1", session.Message{Kind: session.KindUser, Content: "hello", CreatedAt: created})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if msg.Seq != 4 {
		t.Fatalf("expected seq 4, got %d", msg.Seq)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSessionRepositoryTakePending(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT payload_json FROM agent_pending_calls").WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"payload_json"}).
			AddRow(`{"tool_call_id":"call_9","tool_name":"enroll_student","arguments":{"student_id":7},"definition":{"name":"enroll_student"}}`))
	mock.ExpectExec("DELETE FROM agent_pending_calls").WithArgs("s1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	call, err := repo.TakePending(context.Background(), "s1")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if call == nil || call.ToolCallID != "call_9" || call.Definition.Name != "enroll_student" {
		t.Fatalf("unexpected call: %+v", call)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT payload_json FROM agent_pending_calls").WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"payload_json"}))
	mock.ExpectRollback()

	call, err = repo.TakePending(context.Background(), "s1")
	if err != nil || call != nil {
		t.Fatalf("expected empty slot, got %+v %v", call, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSessionRepositoryUpdateMissing(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectExec("UPDATE agent_sessions SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM agent_sessions")).WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))

	err := repo.Update(context.Background(), &session.Session{ID: "gone", State: session.StateActive})
	if !stdErrors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSessionRepositoryListExpiredAndDelete(t *testing.T) {
	repo, mock := newMockRepository(t)
	before := time.UnixMilli(1_700_000_000_000)

	mock.ExpectQuery("SELECT id FROM agent_sessions WHERE expires_at").WithArgs(before.UnixMilli(), 10).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("s1").AddRow("s2"))
	ids, err := repo.ListExpired(context.Background(), before, 10)
	if err != nil || len(ids) != 2 || ids[0] != "s1" {
		t.Fatalf("unexpected ids: %v %v", ids, err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM agent_pending_calls").WithArgs("s1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM agent_messages").WithArgs("s1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM agent_sessions").WithArgs("s1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	if err := repo.Delete(context.Background(), "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/session"
)

// SessionRepository 将会话保存在 MySQL 中。消息表只追加，主键为 (session_id, seq)。
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository 基于已迁移的连接池创建仓库。
func NewSessionRepository(db *sql.DB) (*SessionRepository, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "MySQL 连接未初始化")
	}
	return &SessionRepository{db: db}, nil
}

// Create 实现 session.Repository。
func (r *SessionRepository) Create(ctx context.Context, s *session.Session) error {
	contextJSON, toolsJSON, err := encodeSessionColumns(s)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	const stmt = `INSERT INTO agent_sessions
        (id, user_id, tenant_id, model, credential, state, context_json, tools_json, expires_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, stmt,
		s.ID, s.UserID, s.TenantID, s.Model, s.Credential, string(s.State),
		contextJSON, toolsJSON,
		toMillis(s.ExpiresAt), toMillis(s.CreatedAt), toMillis(s.UpdatedAt),
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return session.ErrSessionConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入会话失败")
	}
	for i, msg := range s.Messages {
		msg.Seq = int64(i + 1)
		if err := insertMessage(ctx, tx, s.ID, msg); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交会话失败")
	}
	return nil
}

// Get 实现 session.Repository。
func (r *SessionRepository) Get(ctx context.Context, id string) (*session.Session, error) {
	const stmt = `SELECT id, user_id, tenant_id, model, credential, state, context_json, tools_json, expires_at, created_at, updated_at
        FROM agent_sessions WHERE id = ?`

	var (
		s           session.Session
		state       string
		credential  sql.NullString
		contextJSON sql.NullString
		toolsJSON   sql.NullString
		expires     int64
		created     int64
		upd         int64
	)
	err := r.db.QueryRowContext(ctx, stmt, id).Scan(
		&s.ID, &s.UserID, &s.TenantID, &s.Model, &credential, &state,
		&contextJSON, &toolsJSON, &expires, &created, &upd,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrSessionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	s.State = session.State(state)
	s.Credential = credential.String
	s.ExpiresAt = fromMillis(expires)
	s.CreatedAt = fromMillis(created)
	s.UpdatedAt = fromMillis(upd)
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &s.Context); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话上下文失败")
		}
	}
	if toolsJSON.Valid && toolsJSON.String != "" {
		if err := json.Unmarshal([]byte(toolsJSON.String), &s.Tools); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话工具集失败")
		}
	}

	messages, err := r.loadMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Messages = messages
	return &s, nil
}

func (r *SessionRepository) loadMessages(ctx context.Context, id string) ([]session.Message, error) {
	const stmt = `SELECT seq, kind, content, tool_call_id, tool_name, arguments_json, success, created_at
        FROM agent_messages WHERE session_id = ? ORDER BY seq ASC`
	rows, err := r.db.QueryContext(ctx, stmt, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话消息失败")
	}
	defer rows.Close()

	var messages []session.Message
	for rows.Next() {
		var (
			msg       session.Message
			kind      string
			content   sql.NullString
			arguments sql.NullString
			created   int64
		)
		if err := rows.Scan(&msg.Seq, &kind, &content, &msg.ToolCallID, &msg.ToolName, &arguments, &msg.Success, &created); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话消息失败")
		}
		msg.Kind = session.Kind(kind)
		msg.Content = content.String
		msg.CreatedAt = fromMillis(created)
		if arguments.Valid && arguments.String != "" {
			if err := json.Unmarshal([]byte(arguments.String), &msg.Arguments); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工具参数失败")
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话消息失败")
	}
	return messages, nil
}

// Update 实现 session.Repository。
func (r *SessionRepository) Update(ctx context.Context, s *session.Session) error {
	contextJSON, toolsJSON, err := encodeSessionColumns(s)
	if err != nil {
		return err
	}
	const stmt = `UPDATE agent_sessions SET state = ?, context_json = ?, tools_json = ?, expires_at = ?, updated_at = ?
        WHERE id = ?`
	res, err := r.db.ExecContext(ctx, stmt, string(s.State), contextJSON, toolsJSON, toMillis(s.ExpiresAt), toMillis(s.UpdatedAt), s.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected > 0 {
		return nil
	}
	// 值未变化时 MySQL 也会返回 0，需要再确认一次会话是否存在。
	var exists int
	if err := r.db.QueryRowContext(ctx, `SELECT 1 FROM agent_sessions WHERE id = ?`, s.ID).Scan(&exists); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return session.ErrSessionNotFound
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	return nil
}

// AppendMessage 实现 session.Repository。Seq 在事务内基于当前最大值分配。
func (r *SessionRepository) AppendMessage(ctx context.Context, id string, msg session.Message) (session.Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return session.Message{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM agent_messages WHERE session_id = ? FOR UPDATE`, id).Scan(&seq); err != nil {
		return session.Message{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "分配消息序号失败")
	}
	msg.Seq = seq + 1
	if err := insertMessage(ctx, tx, id, msg); err != nil {
		return session.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return session.Message{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交消息失败")
	}
	return msg, nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, id string, msg session.Message) error {
	var arguments any
	if msg.Arguments != nil {
		raw, err := json.Marshal(msg.Arguments)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码工具参数失败")
		}
		arguments = string(raw)
	}
	const stmt = `INSERT INTO agent_messages
        (session_id, seq, kind, content, tool_call_id, tool_name, arguments_json, success, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, stmt,
		id, msg.Seq, string(msg.Kind), msg.Content, msg.ToolCallID, msg.ToolName, arguments, msg.Success, toMillis(msg.CreatedAt),
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.Wrap(xerrors.CodeConflict, err, "消息序号冲突")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话消息失败")
	}
	return nil
}

// SavePending 实现 session.Repository，同一会话只保留最新一条。
func (r *SessionRepository) SavePending(ctx context.Context, id string, call session.PendingToolCall) error {
	payload, err := json.Marshal(call)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码待确认调用失败")
	}
	const stmt = `INSERT INTO agent_pending_calls (session_id, payload_json, created_at) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE payload_json = VALUES(payload_json), created_at = VALUES(created_at)`
	if _, err := r.db.ExecContext(ctx, stmt, id, string(payload), toMillis(call.CreatedAt)); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存待确认调用失败")
	}
	return nil
}

// TakePending 实现 session.Repository。
func (r *SessionRepository) TakePending(ctx context.Context, id string) (*session.PendingToolCall, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	call, err := scanPending(tx.QueryRowContext(ctx, `SELECT payload_json FROM agent_pending_calls WHERE session_id = ? FOR UPDATE`, id))
	if err != nil || call == nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_pending_calls WHERE session_id = ?`, id); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除待确认调用失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return call, nil
}

// PeekPending 实现 session.Repository。
func (r *SessionRepository) PeekPending(ctx context.Context, id string) (*session.PendingToolCall, error) {
	return scanPending(r.db.QueryRowContext(ctx, `SELECT payload_json FROM agent_pending_calls WHERE session_id = ?`, id))
}

func scanPending(row *sql.Row) (*session.PendingToolCall, error) {
	var payload string
	if err := row.Scan(&payload); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待确认调用失败")
	}
	var call session.PendingToolCall
	if err := json.Unmarshal([]byte(payload), &call); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析待确认调用失败")
	}
	return &call, nil
}

// ListExpired 实现 session.Repository。
func (r *SessionRepository) ListExpired(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM agent_sessions WHERE expires_at < ? ORDER BY expires_at ASC LIMIT ?`, toMillis(before), limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询过期会话失败")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析过期会话失败")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历过期会话失败")
	}
	return ids, nil
}

// Delete 实现 session.Repository，同时删除消息与待确认调用。
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM agent_pending_calls WHERE session_id = ?`,
		`DELETE FROM agent_messages WHERE session_id = ?`,
		`DELETE FROM agent_sessions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交删除失败")
	}
	return nil
}

// Close 不关闭共享的连接池，由创建者负责。
func (r *SessionRepository) Close() error {
	return nil
}

func encodeSessionColumns(s *session.Session) (contextJSON, toolsJSON any, err error) {
	if s == nil {
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "会话不能为空")
	}
	if len(s.Context) > 0 {
		raw, err := json.Marshal(s.Context)
		if err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码会话上下文失败")
		}
		contextJSON = string(raw)
	}
	if len(s.Tools) > 0 {
		raw, err := json.Marshal(s.Tools)
		if err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码会话工具集失败")
		}
		toolsJSON = string(raw)
	}
	return contextJSON, toolsJSON, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

var _ session.Repository = (*SessionRepository)(nil)

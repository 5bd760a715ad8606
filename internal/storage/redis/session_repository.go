package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/session"
)

// SessionRepository 将会话保存在 Redis 中：会话主体为 JSON 字符串，
// 历史消息为只追加的 list，过期时间登记在有序集合里供清理任务扫描。
type SessionRepository struct {
	client goredis.UniversalClient
	keys   keyspace
}

// NewSessionRepository 创建 Redis 会话仓库。
func NewSessionRepository(client goredis.UniversalClient, prefix string) (*SessionRepository, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis 客户端未初始化")
	}
	return &SessionRepository{client: client, keys: newKeyspace(prefix)}, nil
}

// Create 实现 session.Repository。
func (r *SessionRepository) Create(ctx context.Context, s *session.Session) error {
	head, err := encodeHead(s)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.keys.session(s.ID), head, 0).Result()
	if err != nil {
		return storageError(err, "写入会话失败")
	}
	if !ok {
		return session.ErrSessionConflict
	}

	_, err = r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZAdd(ctx, r.keys.expiry(), goredis.Z{Score: float64(s.ExpiresAt.UnixMilli()), Member: s.ID})
		for i, msg := range s.Messages {
			msg.Seq = int64(i + 1)
			raw, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			pipe.RPush(ctx, r.keys.messages(s.ID), raw)
		}
		if len(s.Messages) > 0 {
			pipe.Set(ctx, r.keys.sequence(s.ID), len(s.Messages), 0)
		}
		return nil
	})
	if err != nil {
		return storageError(err, "初始化会话索引失败")
	}
	return nil
}

// Get 实现 session.Repository。
func (r *SessionRepository) Get(ctx context.Context, id string) (*session.Session, error) {
	raw, err := r.client.Get(ctx, r.keys.session(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, session.ErrSessionNotFound
		}
		return nil, storageError(err, "读取会话失败")
	}
	var s session.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, storageError(err, "解析会话失败")
	}

	items, err := r.client.LRange(ctx, r.keys.messages(id), 0, -1).Result()
	if err != nil {
		return nil, storageError(err, "读取会话消息失败")
	}
	s.Messages = make([]session.Message, 0, len(items))
	for _, item := range items {
		var msg session.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, storageError(err, "解析会话消息失败")
		}
		s.Messages = append(s.Messages, msg)
	}
	return &s, nil
}

// Update 实现 session.Repository，只覆盖已存在的会话。
func (r *SessionRepository) Update(ctx context.Context, s *session.Session) error {
	head, err := encodeHead(s)
	if err != nil {
		return err
	}
	ok, err := r.client.SetXX(ctx, r.keys.session(s.ID), head, 0).Result()
	if err != nil {
		return storageError(err, "更新会话失败")
	}
	if !ok {
		return session.ErrSessionNotFound
	}
	if err := r.client.ZAdd(ctx, r.keys.expiry(), goredis.Z{Score: float64(s.ExpiresAt.UnixMilli()), Member: s.ID}).Err(); err != nil {
		return storageError(err, "更新过期索引失败")
	}
	return nil
}

// AppendMessage 实现 session.Repository。序号来自独立的计数器键。
func (r *SessionRepository) AppendMessage(ctx context.Context, id string, msg session.Message) (session.Message, error) {
	exists, err := r.client.Exists(ctx, r.keys.session(id)).Result()
	if err != nil {
		return session.Message{}, storageError(err, "读取会话失败")
	}
	if exists == 0 {
		return session.Message{}, session.ErrSessionNotFound
	}
	seq, err := r.client.Incr(ctx, r.keys.sequence(id)).Result()
	if err != nil {
		return session.Message{}, storageError(err, "分配消息序号失败")
	}
	msg.Seq = seq
	raw, err := json.Marshal(msg)
	if err != nil {
		return session.Message{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码消息失败")
	}
	if err := r.client.RPush(ctx, r.keys.messages(id), raw).Err(); err != nil {
		return session.Message{}, storageError(err, "写入会话消息失败")
	}
	return msg, nil
}

// SavePending 实现 session.Repository。
func (r *SessionRepository) SavePending(ctx context.Context, id string, call session.PendingToolCall) error {
	raw, err := json.Marshal(call)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码待确认调用失败")
	}
	if err := r.client.Set(ctx, r.keys.pending(id), raw, 0).Err(); err != nil {
		return storageError(err, "保存待确认调用失败")
	}
	return nil
}

// TakePending 实现 session.Repository，使用 GETDEL 保证只会被取出一次。
func (r *SessionRepository) TakePending(ctx context.Context, id string) (*session.PendingToolCall, error) {
	return decodePending(r.client.GetDel(ctx, r.keys.pending(id)).Bytes())
}

// PeekPending 实现 session.Repository。
func (r *SessionRepository) PeekPending(ctx context.Context, id string) (*session.PendingToolCall, error) {
	return decodePending(r.client.Get(ctx, r.keys.pending(id)).Bytes())
}

// ListExpired 实现 session.Repository。
func (r *SessionRepository) ListExpired(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	ids, err := r.client.ZRangeByScore(ctx, r.keys.expiry(), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(before.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, storageError(err, "查询过期会话失败")
	}
	return ids, nil
}

// Delete 实现 session.Repository。
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, r.keys.session(id), r.keys.messages(id), r.keys.sequence(id), r.keys.pending(id))
		pipe.ZRem(ctx, r.keys.expiry(), id)
		return nil
	})
	if err != nil {
		return storageError(err, "删除会话失败")
	}
	return nil
}

// Close 不关闭共享的客户端。
func (r *SessionRepository) Close() error {
	return nil
}

func encodeHead(s *session.Session) ([]byte, error) {
	if s == nil || s.ID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	head := *s
	head.Messages = nil
	raw, err := json.Marshal(head)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码会话失败")
	}
	return raw, nil
}

func decodePending(raw []byte, err error) (*session.PendingToolCall, error) {
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, storageError(err, "读取待确认调用失败")
	}
	var call session.PendingToolCall
	if err := json.Unmarshal(raw, &call); err != nil {
		return nil, storageError(err, "解析待确认调用失败")
	}
	return &call, nil
}

func storageError(err error, message string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

var _ session.Repository = (*SessionRepository)(nil)

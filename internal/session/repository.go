package session

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgentDesk/internal/errors"
)

// Repository 抽象了会话的持久化。消息与待确认调用分开存放，
// Get 负责把它们组装回完整的会话。
type Repository interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// Update 保存状态、上下文、工具集与过期时间，不触碰消息历史。
	Update(ctx context.Context, s *Session) error
	// AppendMessage 追加一条消息并返回分配了 Seq 的副本。
	AppendMessage(ctx context.Context, id string, msg Message) (Message, error)
	SavePending(ctx context.Context, id string, call PendingToolCall) error
	// TakePending 取出并删除待确认调用，不存在时返回 nil。
	TakePending(ctx context.Context, id string) (*PendingToolCall, error)
	PeekPending(ctx context.Context, id string) (*PendingToolCall, error)
	// ListExpired 返回过期时间早于 before 的会话 ID。
	ListExpired(ctx context.Context, before time.Time, limit int) ([]string, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// MemoryRepository 以内存方式保存会话，主要用于测试与单机部署。
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	messages map[string][]Message
	pending  map[string]PendingToolCall
}

// NewMemoryRepository 创建 MemoryRepository。
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*Session),
		messages: make(map[string][]Message),
		pending:  make(map[string]PendingToolCall),
	}
}

// Create 实现 Repository 接口。
func (m *MemoryRepository) Create(_ context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrSessionConflict
	}
	head := s.Clone()
	history := head.Messages
	head.Messages = nil
	m.sessions[s.ID] = head
	m.messages[s.ID] = history
	return nil
}

// Get 实现 Repository 接口。
func (m *MemoryRepository) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	head, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := head.Clone()
	history := m.messages[id]
	out.Messages = make([]Message, len(history))
	for i, msg := range history {
		out.Messages[i] = msg.Clone()
	}
	return out, nil
}

// Update 实现 Repository 接口。
func (m *MemoryRepository) Update(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrSessionNotFound
	}
	head := s.Clone()
	head.Messages = nil
	m.sessions[s.ID] = head
	return nil
}

// AppendMessage 实现 Repository 接口。
func (m *MemoryRepository) AppendMessage(_ context.Context, id string, msg Message) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return Message{}, ErrSessionNotFound
	}
	msg = msg.Clone()
	msg.Seq = int64(len(m.messages[id]) + 1)
	m.messages[id] = append(m.messages[id], msg)
	return msg.Clone(), nil
}

// SavePending 实现 Repository 接口，已有的待确认调用会被覆盖。
func (m *MemoryRepository) SavePending(_ context.Context, id string, call PendingToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	m.pending[id] = call.Clone()
	return nil
}

// TakePending 实现 Repository 接口。
func (m *MemoryRepository) TakePending(_ context.Context, id string) (*PendingToolCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.pending[id]
	if !ok {
		return nil, nil
	}
	delete(m.pending, id)
	return &call, nil
}

// PeekPending 实现 Repository 接口。
func (m *MemoryRepository) PeekPending(_ context.Context, id string) (*PendingToolCall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	call, ok := m.pending[id]
	if !ok {
		return nil, nil
	}
	clone := call.Clone()
	return &clone, nil
}

// ListExpired 实现 Repository 接口，按过期时间从早到晚返回。
func (m *MemoryRepository) ListExpired(_ context.Context, before time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	expired := make([]*Session, 0)
	for _, s := range m.sessions {
		if !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(before) {
			expired = append(expired, s)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].ExpiresAt.Equal(expired[j].ExpiresAt) {
			return expired[i].ID < expired[j].ID
		}
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	ids := make([]string, len(expired))
	for i, s := range expired {
		ids[i] = s.ID
	}
	return ids, nil
}

// Delete 实现 Repository 接口，重复删除不报错。
func (m *MemoryRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	delete(m.messages, id)
	delete(m.pending, id)
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryRepository) Close() error {
	return nil
}

var _ Repository = (*MemoryRepository)(nil)

package session

import (
	"context"
	"strings"
	"sync"
	"time"

	xerrors "AgentDesk/internal/errors"
)

// Locker 保证同一会话同一时刻只有一个推理循环在运行。
type Locker interface {
	Lock(ctx context.Context, sessionID string) error
	Unlock(sessionID string)
}

// LocalLocker 是进程内的会话锁，每个会话对应一个容量为 1 的通道。
type LocalLocker struct {
	timeout time.Duration

	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker 创建 LocalLocker。timeout 为获取锁的最长等待时间，0 表示只受 ctx 约束。
func NewLocalLocker(timeout time.Duration) *LocalLocker {
	return &LocalLocker{timeout: timeout, slots: make(map[string]*lockSlot)}
}

// Lock 获取会话锁，超时返回 ErrLockTimeout。
func (l *LocalLocker) Lock(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "session_id 不能为空")
	}
	slot := l.acquireSlot(sessionID)

	var timeout <-chan time.Time
	if l.timeout > 0 {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case slot.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.releaseSlot(sessionID)
		return ctx.Err()
	case <-timeout:
		l.releaseSlot(sessionID)
		return ErrLockTimeout
	}
}

// Unlock 释放会话锁。未持有时调用无副作用。
func (l *LocalLocker) Unlock(sessionID string) {
	l.mu.Lock()
	slot, ok := l.slots[sessionID]
	l.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-slot.ch:
		l.releaseSlot(sessionID)
	default:
	}
}

func (l *LocalLocker) acquireSlot(id string) *lockSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[id]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[id] = slot
	}
	slot.refs++
	return slot
}

// releaseSlot 在没有持有者与等待者时回收通道，避免 map 无限增长。
func (l *LocalLocker) releaseSlot(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[id]
	if !ok {
		return
	}
	slot.refs--
	if slot.refs <= 0 {
		delete(l.slots, id)
	}
}

var _ Locker = (*LocalLocker)(nil)

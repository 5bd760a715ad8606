package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"AgentDesk/pkg/logger"
)

const (
	defaultBuffer   = 64
	defaultLifetime = 5 * time.Minute
)

// 订阅被关闭或事件被丢弃的原因。
const (
	DropNoSubscriber = "no_subscriber"
	DropBufferFull   = "buffer_full"
)

// Observer 观察投递情况，通常由指标模块实现。
type Observer interface {
	Delivered(t EventType)
	Dropped(t EventType, reason string)
}

// HubOption 用于定制 Hub。
type HubOption func(*Hub)

// WithBuffer 设置每个订阅的缓冲区大小。
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithLifetime 设置订阅的最长存活时间，与会话过期无关。
func WithLifetime(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.lifetime = d
		}
	}
}

// WithObserver 注册投递观察者。
func WithObserver(o Observer) HubOption {
	return func(h *Hub) {
		h.observer = o
	}
}

// Hub 为每个会话维护至多一个订阅者。
type Hub struct {
	buffer   int
	lifetime time.Duration
	observer Observer
	log      *slog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
	ids  atomic.Uint64
}

// NewHub 创建 Hub。
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		buffer:   defaultBuffer,
		lifetime: defaultLifetime,
		log:      logger.Named("stream"),
		subs:     make(map[string]*Subscription),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Subscription 是某个会话的事件通道。通道关闭表示订阅结束。
type Subscription struct {
	SessionID string

	id     uint64
	events chan Event
	done   chan struct{}
	timer  *time.Timer
	seq    int64
	closed bool
}

// Events 返回事件通道。
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Done 在订阅关闭时被关闭。
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Subscribe 为会话创建新的订阅，已有的订阅会被关闭并替换。
func (h *Hub) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		SessionID: sessionID,
		id:        h.ids.Add(1),
		events:    make(chan Event, h.buffer),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	if previous, ok := h.subs[sessionID]; ok {
		h.closeLocked(previous)
		h.log.Info("订阅被新连接替换", slog.String("session_id", sessionID))
	}
	h.subs[sessionID] = sub
	sub.timer = time.AfterFunc(h.lifetime, func() {
		h.log.Info("订阅达到最长存活时间", slog.String("session_id", sessionID))
		h.Unsubscribe(sub)
	})
	h.mu.Unlock()
	return sub
}

// Unsubscribe 关闭订阅，可重复调用。
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeLocked(sub)
}

// UnsubscribeSession 关闭会话当前的订阅，返回是否存在订阅。
func (h *Hub) UnsubscribeSession(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[sessionID]
	if !ok {
		return false
	}
	h.closeLocked(sub)
	return true
}

// Subscribed 判断会话当前是否有订阅者。
func (h *Hub) Subscribed(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subs[sessionID]
	return ok
}

// Publish 按产生顺序投递事件，永不阻塞。
func (h *Hub) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[event.SessionID]
	if !ok {
		h.dropped(event.Type, DropNoSubscriber)
		return
	}
	sub.seq++
	event.Seq = sub.seq
	select {
	case sub.events <- event:
		h.delivered(event.Type)
	default:
		h.dropped(event.Type, DropBufferFull)
		h.log.Warn("订阅者消费过慢，断开连接", slog.String("session_id", event.SessionID))
		h.closeLocked(sub)
		return
	}
	if event.Type.Terminal() {
		h.closeLocked(sub)
	}
}

func (h *Hub) closeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	if sub.timer != nil {
		sub.timer.Stop()
	}
	if current, ok := h.subs[sub.SessionID]; ok && current.id == sub.id {
		delete(h.subs, sub.SessionID)
	}
	close(sub.events)
	close(sub.done)
}

func (h *Hub) delivered(t EventType) {
	if h.observer != nil {
		h.observer.Delivered(t)
	}
}

func (h *Hub) dropped(t EventType, reason string) {
	if h.observer != nil {
		h.observer.Dropped(t, reason)
	}
}

var _ Publisher = (*Hub)(nil)

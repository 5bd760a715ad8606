package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/stream"
	"AgentDesk/pkg/logger"
)

const defaultPublishTimeout = time.Second

// EventRelay 让多个节点共享事件流：运行循环的节点 PUBLISH 到会话频道，
// 每个节点通过 PSUBSCRIBE 把事件转发给本地 Hub，只有持有客户端连接的节点会真正投递。
type EventRelay struct {
	client goredis.UniversalClient
	keys   keyspace
	local  stream.Publisher
	log    *slog.Logger

	publishTimeout time.Duration
}

// RelayOption 自定义 EventRelay。
type RelayOption func(*EventRelay)

// WithPublishTimeout 设置单条事件发布的最长等待时间。
func WithPublishTimeout(d time.Duration) RelayOption {
	return func(r *EventRelay) {
		if d > 0 {
			r.publishTimeout = d
		}
	}
}

// NewEventRelay 创建事件中继，local 通常是本节点的 stream.Hub。
func NewEventRelay(client goredis.UniversalClient, prefix string, local stream.Publisher, opts ...RelayOption) (*EventRelay, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis 客户端未初始化")
	}
	if local == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "本地事件中心未初始化")
	}
	relay := &EventRelay{
		client:         client,
		keys:           newKeyspace(prefix),
		local:          local,
		log:            logger.Named("event-relay"),
		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(relay)
		}
	}
	return relay, nil
}

// Publish 实现 stream.Publisher。发布受 publishTimeout 约束，失败只记录日志，不影响推理循环。
func (r *EventRelay) Publish(event stream.Event) {
	raw, err := json.Marshal(event)
	if err != nil {
		r.log.Warn("编码事件失败", slog.Any("error", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.keys.events(event.SessionID), raw).Err(); err != nil {
		r.log.Warn("发布事件失败", slog.String("session_id", event.SessionID), slog.Any("error", err))
	}
}

// Run 订阅所有会话频道并转发到本地，直到 ctx 取消。
func (r *EventRelay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.keys.eventPattern())
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅事件频道失败")
	}

	prefix := r.keys.events("")
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event stream.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.log.Warn("解析事件失败", slog.String("channel", msg.Channel), slog.Any("error", err))
				continue
			}
			if event.SessionID == "" {
				event.SessionID = strings.TrimPrefix(msg.Channel, prefix)
			}
			r.local.Publish(event)
		}
	}
}

var _ stream.Publisher = (*EventRelay)(nil)

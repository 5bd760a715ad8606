package redis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/session"
	"AgentDesk/pkg/logger"
)

// 只有持有者才能释放或续约租约。
var (
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
	renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// LockerConfig 描述租约锁的参数。
type LockerConfig struct {
	Prefix          string
	TTL             time.Duration
	RefreshInterval time.Duration
	AcquireTimeout  time.Duration
	PollInterval    time.Duration
}

// DefaultLockerConfig 返回默认参数。
func DefaultLockerConfig() LockerConfig {
	return LockerConfig{
		TTL:             2 * time.Minute,
		RefreshInterval: 30 * time.Second,
		AcquireTimeout:  10 * time.Second,
		PollInterval:    100 * time.Millisecond,
	}
}

// Locker 是跨节点的会话锁，基于 SET NX PX 租约，持有期间后台续约。
type Locker struct {
	client goredis.UniversalClient
	keys   keyspace
	config LockerConfig

	mu     sync.Mutex
	tokens map[string]string
	renew  map[string]context.CancelFunc
}

// NewLocker 创建 Redis 会话锁。
func NewLocker(client goredis.UniversalClient, cfg LockerConfig) (*Locker, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis 客户端未初始化")
	}
	defaults := DefaultLockerConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.RefreshInterval <= 0 || cfg.RefreshInterval >= cfg.TTL {
		cfg.RefreshInterval = cfg.TTL / 3
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaults.AcquireTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	return &Locker{
		client: client,
		keys:   newKeyspace(cfg.Prefix),
		config: cfg,
		tokens: make(map[string]string),
		renew:  make(map[string]context.CancelFunc),
	}, nil
}

// Lock 轮询获取租约，超过 AcquireTimeout 返回 session.ErrLockTimeout。
func (l *Locker) Lock(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "session_id 不能为空")
	}
	token := uuid.NewString()
	key := l.keys.lock(sessionID)
	deadline := time.Now().Add(l.config.AcquireTimeout)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.config.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取会话锁失败")
		}
		if ok {
			l.hold(sessionID, token)
			return nil
		}
		if time.Now().After(deadline) {
			return session.ErrLockTimeout
		}
		timer := time.NewTimer(l.config.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Unlock 释放租约，只会删除自己持有的键。
func (l *Locker) Unlock(sessionID string) {
	l.mu.Lock()
	token, ok := l.tokens[sessionID]
	cancel := l.renew[sessionID]
	delete(l.tokens, sessionID)
	delete(l.renew, sessionID)
	l.mu.Unlock()
	if !ok {
		return
	}
	if cancel != nil {
		cancel()
	}
	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := releaseScript.Run(ctx, l.client, []string{l.keys.lock(sessionID)}, token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		logger.Named("session-lock").Warn("释放会话锁失败", "session_id", sessionID, "error", err)
	}
}

func (l *Locker) hold(sessionID, token string) {
	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.tokens[sessionID] = token
	l.renew[sessionID] = cancel
	l.mu.Unlock()
	go l.keepAlive(ctx, sessionID, token)
}

func (l *Locker) keepAlive(ctx context.Context, sessionID, token string) {
	ticker := time.NewTicker(l.config.RefreshInterval)
	defer ticker.Stop()
	ttl := l.config.TTL.Milliseconds()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := renewScript.Run(ctx, l.client, []string{l.keys.lock(sessionID)}, token, ttl).Int64()
			if err != nil {
				if ctx.Err() == nil {
					logger.Named("session-lock").Warn("续约会话锁失败", "session_id", sessionID, "error", err)
				}
				continue
			}
			if renewed == 0 {
				logger.Named("session-lock").Warn("会话锁已被他人持有", "session_id", sessionID)
				return
			}
		}
	}
}

var _ session.Locker = (*Locker)(nil)

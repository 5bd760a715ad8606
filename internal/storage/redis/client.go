package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "agentdesk"

// Config 描述 Redis 连接参数。
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// NewClient 创建客户端并确认 Redis 可达。仓库、锁与事件中继共用同一个客户端。
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := goredis.NewClient(clientOptions(cfg))
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return client, nil
}

// clientOptions 让调用方的 ctx 截止时间同样约束套接字读写。
func clientOptions(cfg Config) *goredis.Options {
	return &goredis.Options{
		Addr:                  cfg.Address,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		ContextTimeoutEnabled: true,
	}
}

// keyspace 统一生成带前缀的键名。
type keyspace string

func newKeyspace(prefix string) keyspace {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return keyspace(prefix)
}

func (k keyspace) session(id string) string  { return string(k) + ":session:" + id }
func (k keyspace) messages(id string) string { return k.session(id) + ":messages" }
func (k keyspace) sequence(id string) string { return k.session(id) + ":seq" }
func (k keyspace) pending(id string) string  { return k.session(id) + ":pending" }
func (k keyspace) expiry() string            { return string(k) + ":sessions:expiry" }
func (k keyspace) lock(id string) string     { return string(k) + ":lock:" + id }
func (k keyspace) events(id string) string   { return string(k) + ":events:" + id }
func (k keyspace) eventPattern() string      { return string(k) + ":events:*" }

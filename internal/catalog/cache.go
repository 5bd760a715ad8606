package catalog

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"AgentDesk/internal/tool"
)

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 5 * time.Minute
)

type cacheEntry struct {
	tools    []tool.Definition
	storedAt time.Time
}

// CachedProvider 用 LRU 缓存最近的检索结果，条目超过 TTL 后重新检索。
type CachedProvider struct {
	delegate Provider
	cache    *lru.Cache[string, cacheEntry]
	ttl      time.Duration
	now      func() time.Time

	mu     sync.Mutex
	hits   uint64
	misses uint64
}

// NewCachedProvider 包装 delegate。size 或 ttl 非正时使用默认值。
func NewCachedProvider(delegate Provider, size int, ttl time.Duration) *CachedProvider {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		// size 已保证为正数。
		panic(err)
	}
	return &CachedProvider{delegate: delegate, cache: cache, ttl: ttl, now: time.Now}
}

// Search 实现 Provider。检索失败的结果不会被缓存。
func (c *CachedProvider) Search(ctx context.Context, query string, limit int) ([]tool.Definition, error) {
	key := cacheKey(TenantFrom(ctx), query, limit)
	if entry, ok := c.cache.Get(key); ok {
		if c.now().Sub(entry.storedAt) < c.ttl {
			c.count(true)
			return cloneDefinitions(entry.tools), nil
		}
		c.cache.Remove(key)
	}
	c.count(false)

	defs, err := c.delegate.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, cacheEntry{tools: cloneDefinitions(defs), storedAt: c.now()})
	return defs, nil
}

// Stats 返回缓存命中与未命中次数。
func (c *CachedProvider) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *CachedProvider) count(hit bool) {
	c.mu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
}

func cacheKey(tenant, query string, limit int) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	return tenant + "\x00" + normalized + "\x00" + strconv.Itoa(limit)
}

func cloneDefinitions(defs []tool.Definition) []tool.Definition {
	if defs == nil {
		return nil
	}
	out := make([]tool.Definition, len(defs))
	for i, def := range defs {
		def.Parameters = append([]tool.Parameter(nil), def.Parameters...)
		def.Tags = append([]string(nil), def.Tags...)
		out[i] = def
	}
	return out
}

var _ Provider = (*CachedProvider)(nil)

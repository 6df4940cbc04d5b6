package judgment

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/BaSui01/judgeflow/internal/cache"
	"github.com/BaSui01/judgeflow/types"
)

// Cache 判断结果缓存。后端故障返回 CACHE_UNAVAILABLE，调用方绕过缓存继续评估。
type Cache interface {
	Get(ctx context.Context, fingerprint string) (*Result, bool, error)
	Set(ctx context.Context, fingerprint string, res *Result, ttl time.Duration) error
}

const keyPrefix = "judgment:"

// =============================================================================
// RedisCache
// =============================================================================

// RedisCache 基于 internal/cache.Manager 的缓存
type RedisCache struct {
	manager *cache.Manager
}

// NewRedisCache 创建 Redis 缓存
func NewRedisCache(manager *cache.Manager) *RedisCache {
	return &RedisCache{manager: manager}
}

func (c *RedisCache) Get(ctx context.Context, fingerprint string) (*Result, bool, error) {
	var res Result
	err := c.manager.GetJSON(ctx, keyPrefix+fingerprint, &res)
	if cache.IsCacheMiss(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable(err)
	}
	return &res, true, nil
}

func (c *RedisCache) Set(ctx context.Context, fingerprint string, res *Result, ttl time.Duration) error {
	if err := c.manager.SetJSON(ctx, keyPrefix+fingerprint, res, ttl); err != nil {
		return unavailable(err)
	}
	return nil
}

func unavailable(err error) error {
	return types.NewError(types.ErrCacheUnavailable, "judgment cache unavailable").
		WithCause(err).
		WithRetryable(true)
}

// =============================================================================
// MemoryCache
// =============================================================================

type memoryEntry struct {
	key       string
	data      []byte
	expiresAt time.Time
}

// MemoryCache 进程内 LRU 缓存，单机部署和测试使用。
// 条目以 JSON 存储，读出的结果与 Redis 后端行为一致。
type MemoryCache struct {
	mu       sync.Mutex
	capacity int
	now      func() time.Time
	ll       *list.List
	items    map[string]*list.Element
}

// NewMemoryCache 创建内存缓存，capacity <= 0 时使用 1024
func NewMemoryCache(capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryCache{
		capacity: capacity,
		now:      time.Now,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *MemoryCache) Get(_ context.Context, fingerprint string) (*Result, bool, error) {
	c.mu.Lock()
	el, ok := c.items[fingerprint]
	if !ok {
		c.mu.Unlock()
		return nil, false, nil
	}
	e := el.Value.(*memoryEntry)
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		c.ll.Remove(el)
		delete(c.items, fingerprint)
		c.mu.Unlock()
		return nil, false, nil
	}
	c.ll.MoveToFront(el)
	data := e.data
	c.mu.Unlock()

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, false, unavailable(err)
	}
	return &res, true, nil
}

func (c *MemoryCache) Set(_ context.Context, fingerprint string, res *Result, ttl time.Duration) error {
	data, err := json.Marshal(res)
	if err != nil {
		return unavailable(err)
	}
	var expires time.Time
	if ttl > 0 {
		expires = c.now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[fingerprint]; ok {
		e := el.Value.(*memoryEntry)
		e.data, e.expiresAt = data, expires
		c.ll.MoveToFront(el)
		return nil
	}
	c.items[fingerprint] = c.ll.PushFront(&memoryEntry{key: fingerprint, data: data, expiresAt: expires})
	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*memoryEntry).key)
	}
	return nil
}

// Len 当前条目数
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

package cache

import (
	"context"
	"sync"
	"time"

	"mailtrace/backend/internal/domain"
)

// LocalCache 本地内存缓存
//
// 特点：
// - 支持 TTL 过期
// - 定期清理过期条目
// - 超出容量时淘汰最早过期的条目
type LocalCache struct {
	mu      sync.RWMutex
	data    map[string]cacheEntry
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	value     domain.StatusResult
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - maxSize: 最大缓存条目数
//   - ttl: 过期时间
func NewLocalCache(maxSize int, ttl time.Duration) *LocalCache {
	if maxSize <= 0 {
		maxSize = 1024
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &LocalCache{
		data:    make(map[string]cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get 获取缓存值
func (c *LocalCache) Get(_ context.Context, queueID string) (domain.StatusResult, bool) {
	c.mu.RLock()
	entry, ok := c.data[queueID]
	c.mu.RUnlock()
	if !ok {
		return domain.StatusResult{}, false
	}

	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.data, queueID)
		c.mu.Unlock()
		return domain.StatusResult{}, false
	}
	return entry.value, true
}

// Set 设置缓存值，非终态直接忽略
func (c *LocalCache) Set(_ context.Context, queueID string, result domain.StatusResult) {
	if !cacheable(result) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[queueID]; !exists && len(c.data) >= c.maxSize {
		c.evictLocked()
	}
	c.data[queueID] = cacheEntry{value: result, expiresAt: c.now().Add(c.ttl)}
}

// Len 当前条目数
func (c *LocalCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Run 定期清理过期条目，直到 ctx 结束
func (c *LocalCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *LocalCache) cleanup() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.data {
		if now.After(e.expiresAt) {
			delete(c.data, k)
		}
	}
}

func (c *LocalCache) evictLocked() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, e := range c.data {
		if oldestKey == "" || e.expiresAt.Before(oldest) {
			oldestKey, oldest = k, e.expiresAt
		}
	}
	delete(c.data, oldestKey)
}

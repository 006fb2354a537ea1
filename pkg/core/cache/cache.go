// Package cache 缓存已结束Run的报告，终态Run不再变化
package cache

import (
	"sync"
	"time"
)

// ResultCache 结果缓存接口（对外导出）
type ResultCache interface {
	// Set 设置缓存值
	// key: Run ID
	// result: 结果数据
	// ttl: 缓存有效期
	Set(key string, result interface{}, ttl time.Duration) error

	// Get 获取缓存值
	// 返回: 结果数据和是否存在
	Get(key string) (interface{}, bool)

	// Delete 删除缓存值
	Delete(key string) error

	// Clear 清空所有缓存
	Clear() error
}

// cacheEntry 缓存条目（内部使用）
type cacheEntry struct {
	value      interface{}
	expireTime time.Time
}

// MemoryResultCache 内存结果缓存实现（对外导出）
type MemoryResultCache struct {
	mu    sync.RWMutex
	cache map[string]*cacheEntry
	now   func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryResultCache 创建内存结果缓存实例（对外导出）
// cleanInterval大于0时启动清理协程，定期清理过期缓存
func NewMemoryResultCache(cleanInterval time.Duration) *MemoryResultCache {
	c := &MemoryResultCache{
		cache: make(map[string]*cacheEntry),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	if cleanInterval > 0 {
		go c.cleanupExpired(cleanInterval)
	}
	return c
}

// WithClock 替换时钟（测试使用）
func (c *MemoryResultCache) WithClock(now func() time.Time) *MemoryResultCache {
	c.now = now
	return c
}

// Set 设置缓存值
func (c *MemoryResultCache) Set(key string, result interface{}, ttl time.Duration) error {
	if key == "" {
		return nil // 空key，忽略
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache[key] = &cacheEntry{
		value:      result,
		expireTime: c.now().Add(ttl),
	}
	return nil
}

// Get 获取缓存值，过期条目视为不存在
func (c *MemoryResultCache) Get(key string) (interface{}, bool) {
	if key == "" {
		return nil, false
	}

	c.mu.RLock()
	entry, exists := c.cache[key]
	c.mu.RUnlock()
	if !exists {
		return nil, false
	}

	if c.now().After(entry.expireTime) {
		c.mu.Lock()
		if cur, ok := c.cache[key]; ok && cur == entry {
			delete(c.cache, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return entry.value, true
}

// Delete 删除缓存值
func (c *MemoryResultCache) Delete(key string) error {
	if key == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.cache, key)
	return nil
}

// Clear 清空所有缓存
func (c *MemoryResultCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[string]*cacheEntry)
	return nil
}

// Len 返回缓存条目数（含未清理的过期条目）
func (c *MemoryResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// Close 停止清理协程
func (c *MemoryResultCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanupExpired 清理过期缓存（内部方法）
func (c *MemoryResultCache) cleanupExpired(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *MemoryResultCache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, entry := range c.cache {
		if now.After(entry.expireTime) {
			delete(c.cache, key)
		}
	}
}

// 确保实现接口
var _ ResultCache = (*MemoryResultCache)(nil)

package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type item[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a thread-safe in-memory TTL cache. Expired entries are invisible
// to readers and removed by a background sweep.
type Cache[V any] struct {
	clock      clock.Clock
	defaultTTL time.Duration

	mu    sync.RWMutex
	items map[string]item[V]

	stopOnce sync.Once
	stop     chan struct{}
}

func New[V any](defaultTTL time.Duration, clk clock.Clock) *Cache[V] {
	if clk == nil {
		clk = clock.New()
	}
	c := &Cache[V]{
		clock:      clk,
		defaultTTL: defaultTTL,
		items:      make(map[string]item[V]),
		stop:       make(chan struct{}),
	}
	go c.sweep(defaultTTL / 2)
	return c
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, ok := c.items[key]
	if !ok || !c.clock.Now().Before(it.expiresAt) {
		var zero V
		return zero, false
	}
	return it.value, true
}

func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = item[V]{value: value, expiresAt: c.clock.Now().Add(ttl)}
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// InvalidatePrefix drops every key starting with prefix.
func (c *Cache[V]) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
		}
	}
}

// GetOrLoad returns the cached value or calls load and caches its result.
// Errors are not cached.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	c.Set(key, v)
	return v, nil
}

// Len counts entries including expired ones not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Cache[V]) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache[V]) purgeExpired() {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, it := range c.items {
		if !now.Before(it.expiresAt) {
			delete(c.items, key)
		}
	}
}

func (c *Cache[V]) sweep(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.purgeExpired()
		case <-c.stop:
			return
		}
	}
}

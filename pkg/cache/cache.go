// Package cache provides a small per-key TTL store with bounded, deduplicated
// loads.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// LoadFunc loads the value of a key on a miss.
type LoadFunc[V any] func(ctx context.Context) (V, error)

// Config configures a Cache.
type Config struct {
	// TTL is how long a loaded value is served before it is reloaded.
	TTL time.Duration

	// MaxEntries bounds the number of stored keys. Zero means unbounded.
	MaxEntries int

	// MaxConcurrentLoads bounds loads running at the same time across keys.
	MaxConcurrentLoads int64
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		TTL:                time.Minute,
		MaxEntries:         1024,
		MaxConcurrentLoads: 8,
	}
}

type entry[V any] struct {
	value   V
	expires time.Time
}

// Cache is a TTL store. Concurrent misses on one key share a single load.
type Cache[V any] struct {
	cfg   Config
	now   func() time.Time
	group singleflight.Group
	loads *semaphore.Weighted

	mu      sync.RWMutex
	entries map[string]entry[V]
}

// New creates a cache.
func New[V any](cfg Config) *Cache[V] {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.MaxConcurrentLoads <= 0 {
		cfg.MaxConcurrentLoads = DefaultConfig().MaxConcurrentLoads
	}
	return &Cache[V]{
		cfg:     cfg,
		now:     time.Now,
		loads:   semaphore.NewWeighted(cfg.MaxConcurrentLoads),
		entries: make(map[string]entry[V]),
	}
}

// Get returns the live value stored under key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expires) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for one TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && c.cfg.MaxEntries > 0 && len(c.entries) >= c.cfg.MaxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = entry[V]{value: value, expires: now.Add(c.cfg.TTL)}
}

// Invalidate drops key.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Purge drops every key.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]entry[V])
	c.mu.Unlock()
}

// Len returns the number of stored keys, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// GetOrLoad returns the value under key, calling load on a miss. Errors are
// not cached.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load LoadFunc[V]) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		if err := c.loads.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("failed to acquire load slot: %w", err)
		}
		defer c.loads.Release(1)

		// Another caller may have finished a load while this one queued.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v)
		return v, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

// evictLocked removes expired keys, or the entry closest to expiry when none
// has expired. The caller holds mu.
func (c *Cache[V]) evictLocked(now time.Time) {
	var (
		oldestKey string
		oldest    time.Time
	)
	removed := false
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			removed = true
			continue
		}
		if oldestKey == "" || e.expires.Before(oldest) {
			oldestKey, oldest = k, e.expires
		}
	}
	if !removed && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

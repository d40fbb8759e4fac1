package memory

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"cache-flush/pkg/cache"
)

// MemoryCache is a process-local byte store standing in for the shared-memory
// engines (APC, APCu, eAccelerator, WinCache, XCache). It provides
// thread-safe operations, TTL expiration, optional LRU eviction and an atomic
// increment for group versions.
//
// Group versions and counters live in a separate table that LRU eviction
// never touches and that does not count towards MaxSize.
type MemoryCache struct {
	// data stores the cache entries
	data map[string]*entry

	// meta stores group versions and counters
	meta map[string]*entry

	// mu protects concurrent access to data
	mu sync.RWMutex

	// config holds the cache configuration
	config MemoryCacheConfig

	// cleanupTicker controls the background cleanup interval
	cleanupTicker *time.Ticker

	// stopCleanup is used to signal cleanup goroutine to stop
	stopCleanup chan struct{}

	// wg waits for cleanup goroutine to finish
	wg sync.WaitGroup

	closeOnce sync.Once
}

// entry holds a value with its LRU and TTL metadata. A zero expiresAt never expires.
type entry struct {
	value      []byte
	expiresAt  time.Time
	accessedAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryCacheConfig holds configuration for the memory cache
type MemoryCacheConfig struct {
	// Name is the engine name reported by the store (e.g. "apcu")
	Name string

	// MaxSize is the maximum number of cached items (0 = unlimited).
	// Group versions and counters are not counted.
	MaxSize int

	// CleanupInterval is how often to check for expired entries
	CleanupInterval time.Duration
}

// NewMemoryCache creates a new in-memory store with the given configuration.
// It starts a background goroutine for TTL cleanup.
func NewMemoryCache(config MemoryCacheConfig) *MemoryCache {
	if config.Name == "" {
		config.Name = "memory"
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Minute
	}

	c := &MemoryCache{
		data:          make(map[string]*entry),
		meta:          make(map[string]*entry),
		config:        config,
		stopCleanup:   make(chan struct{}),
		cleanupTicker: time.NewTicker(config.CleanupInterval),
	}

	c.wg.Add(1)
	go c.cleanup()

	return c
}

// Get returns the stored bytes or cache.ErrKeyNotFound.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	table := c.table(key)
	e, ok := table[key]
	if !ok {
		return nil, cache.ErrKeyNotFound
	}

	now := time.Now()
	if e.expired(now) {
		delete(table, key)
		return nil, cache.ErrKeyNotFound
	}
	e.accessedAt = now

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set stores value. A zero ttl never expires.
// Enforces MaxSize by evicting the least recently used item.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.data == nil {
		return cache.ErrUnavailable
	}
	c.put(key, stored, ttl)
	return nil
}

// table returns the map key belongs in. Must be called with mu held.
func (c *MemoryCache) table(key string) map[string]*entry {
	if cache.IsMetaKey(key) {
		return c.meta
	}
	return c.data
}

// put must be called with mu held.
func (c *MemoryCache) put(key string, value []byte, ttl time.Duration) {
	now := time.Now()
	e := &entry{value: value, accessedAt: now}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}

	if cache.IsMetaKey(key) {
		c.meta[key] = e
		return
	}

	if _, exists := c.data[key]; !exists && c.config.MaxSize > 0 && len(c.data) >= c.config.MaxSize {
		var lruKey string
		var lruTime time.Time
		for k, e := range c.data {
			if lruKey == "" || e.accessedAt.Before(lruTime) {
				lruKey = k
				lruTime = e.accessedAt
			}
		}
		if lruKey != "" {
			delete(c.data, lruKey)
		}
	}
	c.data[key] = e
}

// Incr atomically adds delta to a decimal counter. A missing key counts as 0.
func (c *MemoryCache) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.data == nil {
		return 0, cache.ErrUnavailable
	}

	var current int64
	var ttl time.Duration
	if e, ok := c.table(key)[key]; ok && !e.expired(time.Now()) {
		v, err := strconv.ParseInt(strings.TrimSpace(string(e.value)), 10, 64)
		if err != nil {
			return 0, cache.WrapError(cache.ErrInvalidValue, c.config.Name, "incr")
		}
		current = v
		if !e.expiresAt.IsZero() {
			ttl = time.Until(e.expiresAt)
		}
	}

	next := current + delta
	c.put(key, []byte(strconv.FormatInt(next, 10)), ttl)
	return next, nil
}

// Delete removes a key. Returns nil even if the key doesn't exist.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.data != nil {
		delete(c.table(key), key)
	}
	c.mu.Unlock()

	return nil
}

// Ping reports whether the store is still open.
func (c *MemoryCache) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.data == nil {
		return cache.ErrUnavailable
	}
	return nil
}

// Name returns the engine name.
func (c *MemoryCache) Name() string {
	return c.config.Name
}

// Close stops the background cleanup goroutine and clears all data.
func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() {
		c.cleanupTicker.Stop()
		close(c.stopCleanup)
		c.wg.Wait()

		c.mu.Lock()
		c.data = nil
		c.meta = nil
		c.mu.Unlock()
	})
	return nil
}

// cleanup runs in a background goroutine to remove expired entries.
func (c *MemoryCache) cleanup() {
	defer c.wg.Done()

	for {
		select {
		case <-c.cleanupTicker.C:
			c.removeExpired()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *MemoryCache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, table := range []map[string]*entry{c.data, c.meta} {
		for key, e := range table {
			if e.expired(now) {
				delete(table, key)
			}
		}
	}
}

// Stats returns current cache statistics.
func (c *MemoryCache) Stats() MemoryCacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := MemoryCacheStats{
		Size:     len(c.data) + len(c.meta),
		MaxSize:  c.config.MaxSize,
		Capacity: c.config.MaxSize,
	}
	if stats.Capacity == 0 {
		stats.Capacity = -1 // Unlimited
	}
	return stats
}

// MemoryCacheStats holds cache statistics.
type MemoryCacheStats struct {
	Size     int // Current number of entries
	MaxSize  int // Maximum allowed entries (0 = unlimited)
	Capacity int // Effective capacity (-1 = unlimited)
}

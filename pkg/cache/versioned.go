package cache

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"time"

	"cache-flush/pkg/logging"
	"cache-flush/pkg/metrics"

	"go.uber.org/zap"
)

// GraceWindow is how long other callers keep serving a stale entry while
// one caller regenerates it.
const GraceWindow = 30 * time.Second

const countersModule = "counters"

// VersionedCache implements Engine on top of any Store.
//
// Group versions are stored as decimal strings so backends with an atomic
// increment can bump them in place: Redis INCRBY, the memory store's mutex,
// or the file store's per-key lock file. Stores without one fall back to
// read-increment-write, where two concurrent flushes can collapse into one
// bump.
type VersionedCache struct {
	store   Store
	cfg     Config
	metrics metrics.MetricsCollector
	logger  *logging.Logger
	now     func() time.Time
}

// NewVersionedCache creates a versioned engine over store.
func NewVersionedCache(store Store, cfg Config) *VersionedCache {
	return NewVersionedCacheWithMetrics(store, cfg, metrics.NoOpCollector{})
}

// NewVersionedCacheWithMetrics creates a versioned engine with a custom metrics collector.
func NewVersionedCacheWithMetrics(store Store, cfg Config, collector metrics.MetricsCollector) *VersionedCache {
	return &VersionedCache{
		store:   store,
		cfg:     cfg.WithDefaults(),
		metrics: metrics.OrNoOp(collector),
		logger:  logging.Component("cache").Named(store.Name()),
		now:     time.Now,
	}
}

// Name returns the name of the underlying store.
func (c *VersionedCache) Name() string {
	return c.store.Name()
}

// Config returns the engine configuration.
func (c *VersionedCache) Config() Config {
	return c.cfg
}

// Store returns the underlying store.
func (c *VersionedCache) Store() Store {
	return c.store
}

func (c *VersionedCache) itemKey(name string) string {
	return ItemKey(c.cfg.InstanceID, c.cfg.Host, c.cfg.BlogID, c.cfg.Module, name)
}

func (c *VersionedCache) counterKey(name string) string {
	return ItemKey(c.cfg.InstanceID, c.cfg.Host, c.cfg.BlogID, countersModule, name)
}

func (c *VersionedCache) versionKey(group string) string {
	return VersionKey(c.cfg.InstanceID, c.cfg.BlogID, c.cfg.Module, group)
}

// Get implements Engine.Get.
func (c *VersionedCache) Get(ctx context.Context, key, group string) (*Entry, bool) {
	start := time.Now()
	e, hasOld, outcome := c.get(ctx, key, group)
	c.metrics.RecordGet(c.Name(), outcome, time.Since(start))
	return e, hasOld
}

func (c *VersionedCache) get(ctx context.Context, key, group string) (*Entry, bool, metrics.GetOutcome) {
	storageKey := c.itemKey(key)

	data, err := c.store.Get(ctx, storageKey)
	if err != nil {
		if !IsNotFound(err) {
			c.logger.Debug("get failed", zap.String("key", storageKey), zap.Error(err))
		}
		return nil, false, metrics.GetMiss
	}

	e := decodeEntry(data)
	if e == nil {
		return nil, false, metrics.GetMiss
	}

	current := c.CurrentVersion(ctx, group)

	if e.KeyVersion == current {
		return e, false, metrics.GetHit
	}

	if e.KeyVersion > current {
		if e.KeyVersionAtCreation != 0 && e.KeyVersionAtCreation != current {
			c.setVersion(ctx, group, e.KeyVersion)
		}
		return e, false, metrics.GetAhead
	}

	if !c.cfg.UseExpiredData {
		return nil, false, metrics.GetMiss
	}

	now := c.now()
	if e.ExpiresAt.IsZero() || now.After(e.ExpiresAt) {
		e.ExpiresAt = now.Add(GraceWindow)
		if encoded, err := encodeEntry(e); err == nil {
			if err := c.store.Set(ctx, storageKey, encoded, 0); err != nil {
				c.logger.Debug("grace marker write failed", zap.String("key", storageKey), zap.Error(err))
			}
		}
		return nil, true, metrics.GetStale
	}

	return e, false, metrics.GetStale
}

// Set implements Engine.Set.
func (c *VersionedCache) Set(ctx context.Context, key string, e *Entry, expire time.Duration, group string) error {
	if e == nil {
		return ErrInvalidValue
	}
	if err := ValidateKey(key); err != nil {
		return WrapError(err, c.Name(), "set")
	}
	if group != "" {
		if err := ValidateKey(group); err != nil {
			return WrapError(err, c.Name(), "set")
		}
	}

	stored := *e
	if stored.KeyVersion == 0 {
		stored.KeyVersion = c.CurrentVersion(ctx, group)
	}

	start := time.Now()
	err := c.write(ctx, c.itemKey(key), &stored, expire)
	c.metrics.RecordSet(c.Name(), err == nil, time.Since(start))
	return err
}

func (c *VersionedCache) write(ctx context.Context, storageKey string, e *Entry, expire time.Duration) error {
	data, err := encodeEntry(e)
	if err != nil {
		return WrapError(err, c.Name(), "encode")
	}
	if expire < 0 {
		expire = 0
	}
	return c.store.Set(ctx, storageKey, data, expire)
}

// Add implements Engine.Add.
func (c *VersionedCache) Add(ctx context.Context, key string, e *Entry, expire time.Duration, group string) error {
	if existing, _ := c.Get(ctx, key, group); existing != nil {
		return ErrNotStored
	}
	return c.Set(ctx, key, e, expire, group)
}

// Replace implements Engine.Replace.
func (c *VersionedCache) Replace(ctx context.Context, key string, e *Entry, expire time.Duration, group string) error {
	if existing, _ := c.Get(ctx, key, group); existing == nil {
		return ErrNotStored
	}
	return c.Set(ctx, key, e, expire, group)
}

// SetIfMaybeEquals implements Engine.SetIfMaybeEquals.
func (c *VersionedCache) SetIfMaybeEquals(ctx context.Context, key string, old, e *Entry, expire time.Duration, group string) error {
	current, _ := c.Get(ctx, key, group)
	if current == nil || old == nil || !bytes.Equal(current.Content, old.Content) {
		return ErrNotStored
	}
	return c.Set(ctx, key, e, expire, group)
}

// Delete implements Engine.Delete.
func (c *VersionedCache) Delete(ctx context.Context, key, group string) error {
	storageKey := c.itemKey(key)
	start := time.Now()

	if c.cfg.UseExpiredData {
		if data, err := c.store.Get(ctx, storageKey); err == nil {
			if e := decodeEntry(data); e != nil {
				e.KeyVersion = 0
				err := c.write(ctx, storageKey, e, 0)
				c.metrics.RecordDelete(c.Name(), err == nil, time.Since(start))
				return err
			}
		}
	}

	err := c.store.Delete(ctx, storageKey)
	c.metrics.RecordDelete(c.Name(), err == nil, time.Since(start))
	return err
}

// HardDelete implements Engine.HardDelete.
func (c *VersionedCache) HardDelete(ctx context.Context, key, group string) error {
	start := time.Now()
	err := c.store.Delete(ctx, c.itemKey(key))
	c.metrics.RecordDelete(c.Name(), err == nil, time.Since(start))
	return err
}

// Exists implements Engine.Exists.
func (c *VersionedCache) Exists(ctx context.Context, key, group string) bool {
	e, hasOld := c.Get(ctx, key, group)
	return e != nil && !hasOld
}

// Flush implements Engine.Flush.
func (c *VersionedCache) Flush(ctx context.Context, group string) error {
	versionKey := c.versionKey(group)

	var next int64
	if inc, ok := c.store.(Incrementer); ok {
		n, err := inc.Incr(ctx, versionKey, 1)
		if err != nil {
			c.metrics.RecordGroupFlush(c.Name(), false)
			return WrapError(err, c.Name(), "flush")
		}
		if n <= 1 {
			// The counter was missing, so version 1 was the implicit current one.
			n = 2
			if err := c.store.Set(ctx, versionKey, []byte(strconv.FormatInt(n, 10)), 0); err != nil {
				c.metrics.RecordGroupFlush(c.Name(), false)
				return WrapError(err, c.Name(), "flush")
			}
		}
		next = n
	} else {
		next = c.readVersion(ctx, group) + 1
		if err := c.store.Set(ctx, versionKey, []byte(strconv.FormatInt(next, 10)), 0); err != nil {
			c.metrics.RecordGroupFlush(c.Name(), false)
			return WrapError(err, c.Name(), "flush")
		}
	}

	memoFrom(ctx).set(memoSlot{owner: c, key: versionKey}, next)
	c.metrics.RecordGroupFlush(c.Name(), true)
	c.logger.Debug("group flushed", zap.String("module", c.cfg.Module), zap.String("group", group), zap.Int64("version", next))
	return nil
}

// CurrentVersion implements Engine.CurrentVersion.
func (c *VersionedCache) CurrentVersion(ctx context.Context, group string) int64 {
	slot := memoSlot{owner: c, key: c.versionKey(group)}
	memo := memoFrom(ctx)
	if v, ok := memo.get(slot); ok {
		return v
	}
	v := c.readVersion(ctx, group)
	memo.set(slot, v)
	return v
}

// readVersion reads the stored version, bypassing the memo.
func (c *VersionedCache) readVersion(ctx context.Context, group string) int64 {
	data, err := c.store.Get(ctx, c.versionKey(group))
	if err != nil {
		return 1
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || v <= 0 {
		return 1
	}
	return v
}

func (c *VersionedCache) setVersion(ctx context.Context, group string, v int64) {
	versionKey := c.versionKey(group)
	if err := c.store.Set(ctx, versionKey, []byte(strconv.FormatInt(v, 10)), 0); err != nil {
		c.logger.Warn("version write failed", zap.String("group", group), zap.Error(err))
		return
	}
	memoFrom(ctx).set(memoSlot{owner: c, key: versionKey}, v)
}

// GetAheadGenerationExtension implements Engine.GetAheadGenerationExtension.
func (c *VersionedCache) GetAheadGenerationExtension(ctx context.Context, group string) AheadExtension {
	v := c.CurrentVersion(ctx, group)
	return AheadExtension{
		KeyVersion:           v + 1,
		KeyVersionAtCreation: v,
	}
}

// FlushGroupAfterAheadGeneration implements Engine.FlushGroupAfterAheadGeneration.
func (c *VersionedCache) FlushGroupAfterAheadGeneration(ctx context.Context, group string, ext AheadExtension) error {
	if ext.KeyVersion > c.readVersion(ctx, group) {
		c.setVersion(ctx, group, ext.KeyVersion)
	}
	return nil
}

// CounterAdd implements Engine.CounterAdd. A failed add resets the counter to 0.
func (c *VersionedCache) CounterAdd(ctx context.Context, name string, delta int64) error {
	if delta == 0 {
		return nil
	}

	key := c.counterKey(name)
	if inc, ok := c.store.(Incrementer); ok {
		if _, err := inc.Incr(ctx, key, delta); err != nil {
			_ = c.CounterSet(ctx, name, 0)
			return WrapError(err, c.Name(), "counter_add")
		}
		return nil
	}

	v, err := c.CounterGet(ctx, name)
	if err != nil {
		_ = c.CounterSet(ctx, name, 0)
		return err
	}
	return c.CounterSet(ctx, name, v+delta)
}

// CounterSet implements Engine.CounterSet.
func (c *VersionedCache) CounterSet(ctx context.Context, name string, value int64) error {
	return c.store.Set(ctx, c.counterKey(name), []byte(strconv.FormatInt(value, 10)), 0)
}

// CounterGet implements Engine.CounterGet.
func (c *VersionedCache) CounterGet(ctx context.Context, name string) (int64, error) {
	data, err := c.store.Get(ctx, c.counterKey(name))
	if err != nil {
		if IsNotFound(err) {
			return 0, nil
		}
		return 0, WrapError(err, c.Name(), "counter_get")
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, nil
	}
	return v, nil
}

// Available implements Engine.Available.
func (c *VersionedCache) Available(ctx context.Context) bool {
	if p, ok := c.store.(Pinger); ok {
		return p.Ping(ctx) == nil
	}
	return true
}

// Close closes the underlying store.
func (c *VersionedCache) Close() error {
	return c.store.Close()
}

package cache

import (
	"context"
	"time"
)

// Engine is the contract every cache backend exposes to the rest of the system.
// Flushing a group bumps its version counter instead of deleting data, so
// engines without an atomic bulk delete can still invalidate whole groups.
type Engine interface {
	// Get returns the entry for key. The second result reports that the caller
	// was chosen to regenerate a stale entry while others keep serving it.
	// Misses, corrupt data and version mismatches return nil, never an error.
	Get(ctx context.Context, key, group string) (*Entry, bool)

	// Set stores e, stamping the current group version unless e.KeyVersion is set.
	Set(ctx context.Context, key string, e *Entry, expire time.Duration, group string) error

	// Add stores e only if no live entry exists. Not atomic.
	Add(ctx context.Context, key string, e *Entry, expire time.Duration, group string) error

	// Replace stores e only if a live entry exists. Not atomic.
	Replace(ctx context.Context, key string, e *Entry, expire time.Duration, group string) error

	// SetIfMaybeEquals stores e if the current content equals old's content.
	SetIfMaybeEquals(ctx context.Context, key string, old, e *Entry, expire time.Duration, group string) error

	// Delete soft-deletes when stale serving is on, otherwise removes key.
	Delete(ctx context.Context, key, group string) error

	// HardDelete always removes key.
	HardDelete(ctx context.Context, key, group string) error

	// Exists reports whether a live entry is stored under key.
	Exists(ctx context.Context, key, group string) bool

	// Flush invalidates every entry of group by bumping its version.
	Flush(ctx context.Context, group string) error

	// CurrentVersion returns the active version of group (at least 1).
	CurrentVersion(ctx context.Context, group string) int64

	// GetAheadGenerationExtension returns the tag for content generated for the next version.
	GetAheadGenerationExtension(ctx context.Context, group string) AheadExtension

	// FlushGroupAfterAheadGeneration activates ext's version if it is still ahead.
	FlushGroupAfterAheadGeneration(ctx context.Context, group string, ext AheadExtension) error

	// CounterAdd adds delta to a raw counter.
	CounterAdd(ctx context.Context, name string, delta int64) error

	// CounterSet sets a raw counter.
	CounterSet(ctx context.Context, name string, value int64) error

	// CounterGet returns a raw counter, 0 if missing.
	CounterGet(ctx context.Context, name string) (int64, error)

	// Available reports whether the backend can be used.
	Available(ctx context.Context) bool

	// Name returns the engine name.
	Name() string

	// Close releases the backend.
	Close() error
}

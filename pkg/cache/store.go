package cache

import (
	"context"
	"time"
)

// Store is the raw key-value backend a VersionedCache runs on.
// Values are opaque bytes; the versioning scheme lives above this interface.
type Store interface {
	// Get returns the stored bytes, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Name returns the identifier for this store (e.g. "apcu", "redis", "file").
	// Used for logging, metrics, and debugging.
	Name() string

	// Close releases any resources held by the store.
	Close() error
}

// Incrementer is implemented by stores with an atomic increment primitive.
// A missing key is treated as 0 before the increment.
type Incrementer interface {
	Incr(ctx context.Context, key string, delta int64) (int64, error)
}

// Pinger is implemented by stores that can report backend availability.
type Pinger interface {
	Ping(ctx context.Context) error
}

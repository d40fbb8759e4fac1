package mock

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"cache-flush/pkg/cache"
)

// Store is a mock implementation of cache.Store for testing.
// Without hooks it behaves like a map-backed store that ignores TTLs.
// It has no Incr method, so engines take their read-increment-write path.
type Store struct {
	// Function hooks - set these to customize behavior
	GetFunc    func(ctx context.Context, key string) ([]byte, error)
	SetFunc    func(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteFunc func(ctx context.Context, key string) error
	CloseFunc  func() error

	name string

	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration

	// Call tracking (must use atomic operations for race-free access)
	getCalls    int64
	setCalls    int64
	deleteCalls int64
	closeCalls  int64
}

// NewStore creates a map-backed mock store.
func NewStore(name string) *Store {
	return &Store{
		name: name,
		data: make(map[string][]byte),
		ttls: make(map[string]time.Duration),
	}
}

// Get implements cache.Store.Get with optional custom behavior.
func (m *Store) Get(ctx context.Context, key string) ([]byte, error) {
	atomic.AddInt64(&m.getCalls, 1)
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, cache.ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set implements cache.Store.Set with optional custom behavior.
func (m *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	atomic.AddInt64(&m.setCalls, 1)
	if m.SetFunc != nil {
		return m.SetFunc(ctx, key, value, ttl)
	}

	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.ttls[key] = ttl
	m.mu.Unlock()
	return nil
}

// Delete implements cache.Store.Delete with optional custom behavior.
func (m *Store) Delete(ctx context.Context, key string) error {
	atomic.AddInt64(&m.deleteCalls, 1)
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, key)
	}

	m.mu.Lock()
	delete(m.data, key)
	delete(m.ttls, key)
	m.mu.Unlock()
	return nil
}

// Name implements cache.Store.Name.
func (m *Store) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

// Close implements cache.Store.Close with optional custom behavior.
func (m *Store) Close() error {
	atomic.AddInt64(&m.closeCalls, 1)
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// TTL returns the ttl the key was last stored with.
func (m *Store) TTL(key string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ttl, ok := m.ttls[key]
	return ttl, ok
}

// Keys returns the stored keys.
func (m *Store) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}

// GetCalls returns the number of Get calls (thread-safe).
func (m *Store) GetCalls() int {
	return int(atomic.LoadInt64(&m.getCalls))
}

// SetCalls returns the number of Set calls (thread-safe).
func (m *Store) SetCalls() int {
	return int(atomic.LoadInt64(&m.setCalls))
}

// DeleteCalls returns the number of Delete calls (thread-safe).
func (m *Store) DeleteCalls() int {
	return int(atomic.LoadInt64(&m.deleteCalls))
}

// CloseCalls returns the number of Close calls (thread-safe).
func (m *Store) CloseCalls() int {
	return int(atomic.LoadInt64(&m.closeCalls))
}

// IncrStore is a Store that also implements cache.Incrementer.
type IncrStore struct {
	*Store

	IncrFunc func(ctx context.Context, key string, delta int64) (int64, error)

	incrCalls int64
}

// NewIncrStore creates a map-backed mock store with an increment primitive.
func NewIncrStore(name string) *IncrStore {
	return &IncrStore{Store: NewStore(name)}
}

// Incr implements cache.Incrementer with optional custom behavior.
func (m *IncrStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	atomic.AddInt64(&m.incrCalls, 1)
	if m.IncrFunc != nil {
		return m.IncrFunc(ctx, key, delta)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if v, ok := m.data[key]; ok {
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, err
		}
		current = n
	}
	current += delta
	m.data[key] = []byte(strconv.FormatInt(current, 10))
	return current, nil
}

// IncrCalls returns the number of Incr calls (thread-safe).
func (m *IncrStore) IncrCalls() int {
	return int(atomic.LoadInt64(&m.incrCalls))
}

var (
	_ cache.Store       = (*Store)(nil)
	_ cache.Incrementer = (*IncrStore)(nil)
)

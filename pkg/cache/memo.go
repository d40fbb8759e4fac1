package cache

import (
	"context"
	"sync"
)

type memoKey struct{}

type memoSlot struct {
	owner *VersionedCache
	key   string
}

// versionMemo caches group versions for the lifetime of one request.
type versionMemo struct {
	mu       sync.Mutex
	versions map[memoSlot]int64
}

// WithVersionMemo returns a context carrying a request-scoped group version memo.
// Without one, every versioned operation reads the version from the store.
func WithVersionMemo(ctx context.Context) context.Context {
	if memoFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, memoKey{}, &versionMemo{versions: make(map[memoSlot]int64)})
}

func memoFrom(ctx context.Context) *versionMemo {
	m, _ := ctx.Value(memoKey{}).(*versionMemo)
	return m
}

func (m *versionMemo) get(slot memoSlot) (int64, bool) {
	if m == nil {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[slot]
	return v, ok
}

func (m *versionMemo) set(slot memoSlot, v int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.versions[slot] = v
	m.mu.Unlock()
}

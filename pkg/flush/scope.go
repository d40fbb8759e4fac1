package flush

import (
	"context"
	"sync"

	"cache-flush/pkg/cache"
)

type teardownFunc func(ctx context.Context)

// TeardownPoint names a moment at the end of a request when queued flush
// work is executed.
type TeardownPoint string

const (
	TeardownRedirect         TeardownPoint = "redirect"
	TeardownMessageProcessed TeardownPoint = "message_processed"
	TeardownShutdown         TeardownPoint = "shutdown"
)

// Scope is the lifetime of one request. Dispatcher dedup state lives as long
// as its scope, and queued work runs at the scope's teardown points.
type Scope struct {
	deferred bool

	mu        sync.Mutex
	callbacks map[TeardownPoint][]teardownFunc
}

// NewScope creates a request scope. A non-deferred scope has no teardown
// points, so queued work must be executed immediately.
func NewScope(deferred bool) *Scope {
	return &Scope{
		deferred:  deferred,
		callbacks: make(map[TeardownPoint][]teardownFunc),
	}
}

// Deferred reports whether the scope runs teardown callbacks.
func (s *Scope) Deferred() bool {
	return s.deferred
}

// OnTeardown registers fn to run at point. Ignored for non-deferred scopes.
func (s *Scope) OnTeardown(point TeardownPoint, fn func(ctx context.Context)) {
	if !s.deferred {
		return
	}
	s.mu.Lock()
	s.callbacks[point] = append(s.callbacks[point], fn)
	s.mu.Unlock()
}

// Teardown runs the callbacks registered for point. Calling it more than once
// is safe; callbacks must tolerate repeated calls.
func (s *Scope) Teardown(ctx context.Context, point TeardownPoint) {
	s.mu.Lock()
	fns := append([]teardownFunc(nil), s.callbacks[point]...)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ctx)
	}
}

// Context attaches a request-scoped group version memo to parent.
func (s *Scope) Context(parent context.Context) context.Context {
	return cache.WithVersionMemo(parent)
}

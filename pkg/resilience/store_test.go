package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"cache-flush/pkg/cache"
	"cache-flush/pkg/cache/mock"
	"cache-flush/pkg/metrics"
	metricsmem "cache-flush/pkg/metrics/memory"
)

func tripAfter(n uint32) ResilientConfig {
	return ResilientConfig{
		Timeout: time.Second,
		CircuitBreakerConfig: CircuitBreakerConfig{
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts Counts) bool {
				return counts.ConsecutiveFailures >= n
			},
		},
	}
}

func TestResilientStore_PassThrough(t *testing.T) {
	store := mock.NewIncrStore("redis")
	rs := NewResilientStore(store, DefaultResilientConfig())
	defer rs.Close()

	ctx := context.Background()

	if rs.Name() != "redis" {
		t.Errorf("Expected name 'redis', got %q", rs.Name())
	}
	if err := rs.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	value, err := rs.Get(ctx, "k")
	if err != nil || string(value) != "v" {
		t.Fatalf("Expected 'v', got %q (%v)", value, err)
	}
	if n, err := rs.Incr(ctx, "n", 3); err != nil || n != 3 {
		t.Errorf("Expected incr to 3, got %d (%v)", n, err)
	}
	if err := rs.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := rs.Get(ctx, "k"); !cache.IsNotFound(err) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestResilientStore_MissDoesNotTripCircuit(t *testing.T) {
	rs := NewResilientStore(mock.NewStore("redis"), tripAfter(3))
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, err := rs.Get(ctx, "missing")
		if cache.IsCircuitOpen(err) {
			t.Fatalf("Circuit opened after %d misses", i+1)
		}
		if !cache.IsNotFound(err) {
			t.Fatalf("Expected ErrKeyNotFound, got %v", err)
		}
	}

	if rs.State() != metrics.CircuitClosed {
		t.Errorf("Expected closed circuit, got %v", rs.State())
	}
}

func TestResilientStore_OpensOnFailures(t *testing.T) {
	backendErr := errors.New("connection refused")
	store := mock.NewStore("redis")
	store.GetFunc = func(ctx context.Context, key string) ([]byte, error) {
		return nil, backendErr
	}

	collector := metricsmem.NewMemoryCollector()
	rs := NewResilientStoreWithMetrics(store, tripAfter(3), collector)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := rs.Get(ctx, "k"); !errors.Is(err, backendErr) {
			t.Fatalf("Expected backend error, got %v", err)
		}
	}

	if _, err := rs.Get(ctx, "k"); !cache.IsCircuitOpen(err) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if store.GetCalls() != 3 {
		t.Errorf("Expected open circuit to short-circuit calls, got %d backend calls", store.GetCalls())
	}
	if err := rs.Ping(ctx); !cache.IsCircuitOpen(err) {
		t.Errorf("Expected Ping to report open circuit, got %v", err)
	}

	m := collector.Engine("redis")
	if m == nil || m.CircuitState != metrics.CircuitOpen || m.CircuitOpens != 1 {
		t.Errorf("Expected one recorded circuit open, got %+v", m)
	}
}

func TestResilientStore_Timeout(t *testing.T) {
	store := mock.NewStore("redis")
	store.SetFunc = func(ctx context.Context, key string, value []byte, ttl time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}

	rs := NewResilientStore(store, DefaultResilientConfig().WithTimeout(20*time.Millisecond))

	if err := rs.Set(context.Background(), "k", []byte("v"), 0); !cache.IsTimeout(err) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}

func TestResilientStore_IncrUnsupported(t *testing.T) {
	rs := NewResilientStore(mock.NewStore("plain"), DefaultResilientConfig())

	if _, err := rs.Incr(context.Background(), "n", 1); !cache.IsUnavailable(err) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
}

func TestResilientStore_VersionedEngine(t *testing.T) {
	store := mock.NewIncrStore("redis")
	rs := NewResilientStore(store, DefaultResilientConfig())
	engine := cache.NewVersionedCache(rs, cache.Config{Module: "object"})
	ctx := context.Background()

	_ = engine.Set(ctx, "k", &cache.Entry{Content: []byte("v")}, 0, "g")
	if err := engine.Flush(ctx, "g"); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if store.IncrCalls() != 1 {
		t.Errorf("Expected flush to use the atomic increment, got %d calls", store.IncrCalls())
	}
	if e, _ := engine.Get(ctx, "k", "g"); e != nil {
		t.Errorf("Expected miss after flush, got %+v", e)
	}
}

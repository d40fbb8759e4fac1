package resilience

import (
	"context"
	"errors"
	"time"

	"cache-flush/pkg/cache"
	"cache-flush/pkg/logging"
	"cache-flush/pkg/metrics"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ResilientStore wraps a remote cache.Store with a circuit breaker and a
// per-operation timeout. Misses are not failures.
type ResilientStore struct {
	store   cache.Store
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// NewResilientStore creates a resilient wrapper around store.
func NewResilientStore(store cache.Store, config ResilientConfig) *ResilientStore {
	return NewResilientStoreWithMetrics(store, config, metrics.NoOpCollector{})
}

// NewResilientStoreWithMetrics creates a resilient wrapper reporting breaker state to collector.
func NewResilientStoreWithMetrics(store cache.Store, config ResilientConfig, collector metrics.MetricsCollector) *ResilientStore {
	logger := logging.Component("resilience").Named(store.Name())

	rs := &ResilientStore{
		store:   store,
		timeout: config.Timeout,
		metrics: metrics.OrNoOp(collector),
		logger:  logger,
	}

	logger.Info("resilient store initialized",
		zap.Duration("timeout", config.Timeout),
		zap.Uint32("max_requests", config.CircuitBreakerConfig.MaxRequests),
		zap.Duration("circuit_interval", config.CircuitBreakerConfig.Interval),
		zap.Duration("circuit_timeout", config.CircuitBreakerConfig.Timeout),
	)

	settings := gobreaker.Settings{
		Name:        store.Name(),
		MaxRequests: config.CircuitBreakerConfig.MaxRequests,
		Interval:    config.CircuitBreakerConfig.Interval,
		Timeout:     config.CircuitBreakerConfig.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if config.CircuitBreakerConfig.ReadyToTrip != nil {
				return config.CircuitBreakerConfig.ReadyToTrip(Counts{
					Requests:             counts.Requests,
					TotalSuccesses:       counts.TotalSuccesses,
					TotalFailures:        counts.TotalFailures,
					ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
					ConsecutiveFailures:  counts.ConsecutiveFailures,
				})
			}
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || cache.IsNotFound(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("store", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)

			var state metrics.CircuitState
			switch to {
			case gobreaker.StateClosed:
				state = metrics.CircuitClosed
			case gobreaker.StateHalfOpen:
				state = metrics.CircuitHalfOpen
			case gobreaker.StateOpen:
				state = metrics.CircuitOpen
			}
			rs.metrics.RecordCircuitState(name, state)
		},
	}

	rs.cb = gobreaker.NewCircuitBreaker(settings)
	return rs
}

// Name returns the name of the wrapped store.
func (rs *ResilientStore) Name() string {
	return rs.store.Name()
}

// Unwrap returns the wrapped store.
func (rs *ResilientStore) Unwrap() cache.Store {
	return rs.store
}

// State returns the current breaker state.
func (rs *ResilientStore) State() metrics.CircuitState {
	switch rs.cb.State() {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

func (rs *ResilientStore) execute(ctx context.Context, op string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if rs.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rs.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := rs.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err == nil || cache.IsNotFound(err) {
		return result, err
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		rs.logger.Warn("circuit breaker open - request rejected", zap.String("operation", op))
		return nil, cache.ErrCircuitOpen
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		rs.logger.Warn("operation timeout",
			zap.String("operation", op),
			zap.Duration("timeout", rs.timeout),
			zap.Duration("elapsed", time.Since(start)),
		)
		return nil, cache.ErrTimeout
	}

	rs.logger.Error("store operation failed",
		zap.String("operation", op),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
	return nil, err
}

// Get reads through the breaker.
func (rs *ResilientStore) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := rs.execute(ctx, "get", func(ctx context.Context) (interface{}, error) {
		return rs.store.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	data, _ := result.([]byte)
	return data, nil
}

// Set writes through the breaker.
func (rs *ResilientStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := rs.execute(ctx, "set", func(ctx context.Context) (interface{}, error) {
		return nil, rs.store.Set(ctx, key, value, ttl)
	})
	return err
}

// Delete removes through the breaker.
func (rs *ResilientStore) Delete(ctx context.Context, key string) error {
	_, err := rs.execute(ctx, "delete", func(ctx context.Context) (interface{}, error) {
		return nil, rs.store.Delete(ctx, key)
	})
	return err
}

// Incr passes the wrapped store's atomic increment through the breaker.
// Stores without one report ErrUnavailable.
func (rs *ResilientStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	inc, ok := rs.store.(cache.Incrementer)
	if !ok {
		return 0, cache.WrapError(cache.ErrUnavailable, rs.Name(), "incr")
	}
	result, err := rs.execute(ctx, "incr", func(ctx context.Context) (interface{}, error) {
		return inc.Incr(ctx, key, delta)
	})
	if err != nil {
		return 0, err
	}
	n, _ := result.(int64)
	return n, nil
}

// Ping reports an open breaker as unavailable without touching the backend.
func (rs *ResilientStore) Ping(ctx context.Context) error {
	if rs.cb.State() == gobreaker.StateOpen {
		return cache.ErrCircuitOpen
	}
	p, ok := rs.store.(cache.Pinger)
	if !ok {
		return nil
	}
	_, err := rs.execute(ctx, "ping", func(ctx context.Context) (interface{}, error) {
		return nil, p.Ping(ctx)
	})
	return err
}

// Close closes the wrapped store.
func (rs *ResilientStore) Close() error {
	return rs.store.Close()
}

var (
	_ cache.Store       = (*ResilientStore)(nil)
	_ cache.Incrementer = (*ResilientStore)(nil)
	_ cache.Pinger      = (*ResilientStore)(nil)
)

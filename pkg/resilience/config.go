package resilience

import (
	"time"

	"cache-flush/pkg/config"
)

// ResilientConfig configures resilience features for a remote store.
type ResilientConfig struct {
	// Timeout for each store operation
	Timeout time.Duration

	// CircuitBreakerConfig configures the circuit breaker behavior
	CircuitBreakerConfig CircuitBreakerConfig
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxRequests is the maximum number of requests allowed to pass through
	// when the CircuitBreaker is half-open. Default: 1
	MaxRequests uint32

	// Interval is the cyclic period of the closed state for the CircuitBreaker
	// to clear the internal counts. If Interval is 0, it never clears.
	Interval time.Duration

	// Timeout is the period of the open state after which the state becomes half-open.
	Timeout time.Duration

	// ReadyToTrip is called with a copy of Counts whenever a request fails.
	// If nil, the breaker trips after 5 consecutive failures.
	ReadyToTrip func(counts Counts) bool
}

// Counts holds the numbers of requests and their successes/failures.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// DefaultResilientConfig returns the settings used for remote engines.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Timeout: 2 * time.Second,
		CircuitBreakerConfig: CircuitBreakerConfig{
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		},
	}
}

// FromReader overrides the defaults with <prefix>.timeout_ms,
// <prefix>.breaker.max_requests, <prefix>.breaker.timeout_ms and
// <prefix>.breaker.failures. Unset or non-positive values keep the default.
func FromReader(r config.Reader, prefix string) ResilientConfig {
	c := DefaultResilientConfig()

	if ms := r.GetInteger(prefix + ".timeout_ms"); ms > 0 {
		c.Timeout = time.Duration(ms) * time.Millisecond
	}
	if n := r.GetInteger(prefix + ".breaker.max_requests"); n > 0 {
		c.CircuitBreakerConfig.MaxRequests = uint32(n)
	}
	if ms := r.GetInteger(prefix + ".breaker.timeout_ms"); ms > 0 {
		c.CircuitBreakerConfig.Timeout = time.Duration(ms) * time.Millisecond
	}
	if n := r.GetInteger(prefix + ".breaker.failures"); n > 0 {
		threshold := uint32(n)
		c.CircuitBreakerConfig.ReadyToTrip = func(counts Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		}
	}
	return c
}

// WithTimeout returns a copy of the config with the specified timeout.
func (c ResilientConfig) WithTimeout(timeout time.Duration) ResilientConfig {
	c.Timeout = timeout
	return c
}

// WithCircuitBreakerTimeout returns a copy of the config with the specified circuit breaker timeout.
func (c ResilientConfig) WithCircuitBreakerTimeout(timeout time.Duration) ResilientConfig {
	c.CircuitBreakerConfig.Timeout = timeout
	return c
}

package cache

import (
	"errors"
	"fmt"
	"strings"

	perrors "github.com/jmgilman/go/errors"
)

// Common store errors.
var (
	// ErrKeyNotFound is returned by a Store when a requested key does not exist
	ErrKeyNotFound = errors.New("cache: key not found")

	// ErrCacheMiss is an alias for ErrKeyNotFound
	ErrCacheMiss = ErrKeyNotFound

	// ErrInvalidKey is returned when a cache key is invalid (empty, too long, contains invalid characters)
	ErrInvalidKey = errors.New("cache: invalid key")

	// ErrInvalidValue is returned when a cache value is invalid or cannot be stored
	ErrInvalidValue = errors.New("cache: invalid value")

	// ErrNotStored is returned by Add and Replace when their condition does not hold
	ErrNotStored = errors.New("cache: not stored")

	// ErrUnavailable is returned when a store backend is temporarily unavailable
	ErrUnavailable = errors.New("cache: store unavailable")

	// ErrTimeout is returned when a store operation times out
	ErrTimeout = errors.New("cache: operation timeout")

	// ErrCircuitOpen is returned when the circuit breaker is in open state
	ErrCircuitOpen = errors.New("cache: circuit breaker open")
)

// Configuration errors reported by the engine registry. They carry
// CodeInvalidConfig so callers can alert operators instead of degrading silently.
var (
	ErrUnknownEngine     = perrors.New(perrors.CodeInvalidConfig, "cache: unknown engine")
	ErrEngineUnavailable = perrors.New(perrors.CodeInvalidConfig, "cache: engine unavailable")
)

// IsNotFound checks if the given error indicates that a key was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}

// IsTimeout checks if the given error indicates a timeout occurred.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsUnavailable checks if the given error indicates a store is unavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsCircuitOpen checks if the given error indicates the circuit breaker is open.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// IsConfigError reports whether err is an engine configuration error.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrUnknownEngine) || errors.Is(err, ErrEngineUnavailable)
}

// ClassifyError returns a string classification of the error type for metrics.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_breaker_open"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrKeyNotFound):
		return "key_not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, ErrInvalidValue):
		return "invalid_value"
	case errors.Is(err, ErrNotStored):
		return "not_stored"
	case IsConfigError(err):
		return "config"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection", "connect", "dial"):
		return "connection"
	case containsAny(msg, "serialize", "marshal", "unmarshal", "encode", "decode"):
		return "serialization"
	case containsAny(msg, "redis", "memcache"):
		return "backend"
	default:
		return "other"
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// WrapError wraps an error with the store name and operation.
func WrapError(err error, store string, operation string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("cache store %s %s: %w", store, operation, err)
}

package cache

import (
	"errors"
	"testing"

	perrors "github.com/jmgilman/go/errors"
)

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"ErrKeyNotFound", ErrKeyNotFound, true},
		{"wrapped ErrKeyNotFound", WrapError(ErrKeyNotFound, "apcu", "get"), true},
		{"other error", ErrInvalidKey, false},
		{"nil error", nil, false},
		{"custom error", errors.New("custom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsNotFound(tt.err)
			if result != tt.expected {
				t.Errorf("IsNotFound(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"ErrTimeout", ErrTimeout, true},
		{"wrapped ErrTimeout", WrapError(ErrTimeout, "redis", "set"), true},
		{"other error", ErrKeyNotFound, false},
		{"nil error", nil, false},
		{"custom error", errors.New("network timeout"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsTimeout(tt.err)
			if result != tt.expected {
				t.Errorf("IsTimeout(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

func TestIsConfigError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"unknown engine", ErrUnknownEngine, true},
		{"wrapped unavailable", perrors.Wrap(ErrEngineUnavailable, perrors.CodeInvalidConfig, "memcached"), true},
		{"store unavailable", ErrUnavailable, false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConfigError(tt.err); got != tt.expected {
				t.Errorf("IsConfigError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}

	if perrors.GetCode(ErrUnknownEngine) != perrors.CodeInvalidConfig {
		t.Errorf("Expected CodeInvalidConfig, got %v", perrors.GetCode(ErrUnknownEngine))
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{nil, "none"},
		{ErrCircuitOpen, "circuit_breaker_open"},
		{WrapError(ErrTimeout, "redis", "get"), "timeout"},
		{ErrKeyNotFound, "key_not_found"},
		{ErrUnavailable, "unavailable"},
		{ErrNotStored, "not_stored"},
		{ErrUnknownEngine, "config"},
		{errors.New("dial tcp: Connection refused"), "connection"},
		{errors.New("msgpack: Decode failed"), "serialization"},
		{errors.New("redis: nil"), "backend"},
		{errors.New("boom"), "other"},
	}

	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.expected {
			t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.expected)
		}
	}
}

func TestWrapError(t *testing.T) {
	result := WrapError(ErrKeyNotFound, "apcu", "get")
	if result.Error() != "cache store apcu get: cache: key not found" {
		t.Errorf("WrapError() = %q", result.Error())
	}
	if !errors.Is(result, ErrKeyNotFound) {
		t.Error("WrapError should preserve original error for errors.Is()")
	}
	if WrapError(nil, "apcu", "get") != nil {
		t.Error("WrapError(nil) should return nil")
	}
}

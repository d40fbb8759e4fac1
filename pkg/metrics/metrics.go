package metrics

import (
	"time"
)

// MetricsCollector defines the interface for collecting engine, flush and purge metrics.
// Implementations can export metrics to various backends (Prometheus, in-memory for tests).
type MetricsCollector interface {
	// Engine operations
	RecordGet(engine string, outcome GetOutcome, duration time.Duration)
	RecordSet(engine string, success bool, duration time.Duration)
	RecordDelete(engine string, success bool, duration time.Duration)
	RecordGroupFlush(engine string, success bool)

	// Circuit breaker
	RecordCircuitState(engine string, state CircuitState)

	// Flush dispatch
	RecordFlush(target, executor string, success bool)
	RecordPublish(success bool, actions int)

	// CDN
	RecordPurge(provider string, success bool, duration time.Duration)
	RecordAuthRefresh(provider string, success bool)

	// Message bus worker pool
	RecordQueueDepth(queue string, depth int)
	RecordDropped(queue string)
	RecordProcessed(queue string, success bool, duration time.Duration)
}

// GetOutcome classifies a versioned get.
type GetOutcome int

const (
	// GetMiss means nothing usable was found.
	GetMiss GetOutcome = iota
	// GetHit means the entry matched the current group version.
	GetHit
	// GetStale means an older entry was served or the caller was told to regenerate.
	GetStale
	// GetAhead means an ahead-generated entry was served.
	GetAhead
)

// String returns the label used for the outcome.
func (o GetOutcome) String() string {
	switch o {
	case GetHit:
		return "hit"
	case GetStale:
		return "stale"
	case GetAhead:
		return "ahead"
	default:
		return "miss"
	}
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is testing if the service has recovered.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector is a no-op implementation of MetricsCollector.
// It's used as the default collector when metrics are not needed.
type NoOpCollector struct{}

func (NoOpCollector) RecordGet(engine string, outcome GetOutcome, duration time.Duration) {}
func (NoOpCollector) RecordSet(engine string, success bool, duration time.Duration)       {}
func (NoOpCollector) RecordDelete(engine string, success bool, duration time.Duration)    {}
func (NoOpCollector) RecordGroupFlush(engine string, success bool)                        {}
func (NoOpCollector) RecordCircuitState(engine string, state CircuitState)                {}
func (NoOpCollector) RecordFlush(target, executor string, success bool)                   {}
func (NoOpCollector) RecordPublish(success bool, actions int)                             {}
func (NoOpCollector) RecordPurge(provider string, success bool, duration time.Duration)   {}
func (NoOpCollector) RecordAuthRefresh(provider string, success bool)                     {}
func (NoOpCollector) RecordQueueDepth(queue string, depth int)                            {}
func (NoOpCollector) RecordDropped(queue string)                                          {}
func (NoOpCollector) RecordProcessed(queue string, success bool, duration time.Duration)  {}

// OrNoOp returns c, or a NoOpCollector when c is nil.
func OrNoOp(c MetricsCollector) MetricsCollector {
	if c == nil {
		return NoOpCollector{}
	}
	return c
}

package worker

import (
	perrors "github.com/jmgilman/go/errors"
)

// Stats provides statistics about pool operations.
type Stats struct {
	// QueueDepth is the current number of queued deliveries
	QueueDepth int

	// Dropped is the total number of deliveries dropped due to backpressure
	Dropped int64

	// Submitted is the total number of deliveries accepted
	Submitted int64

	// Failed is the total number of deliveries whose handler failed
	Failed int64
}

// Errors returned by pool operations. Queue full and closed pools are
// retryable so a redelivering bus tries again later.
var (
	// ErrQueueFull is returned when the queue is full and MaxWaitTime exceeded
	ErrQueueFull = perrors.New(perrors.CodeRateLimit, "worker: queue full, delivery dropped")

	// ErrPoolClosed is returned when submitting to a closed pool
	ErrPoolClosed = perrors.New(perrors.CodeUnavailable, "worker: pool is closed")

	// ErrFlushTimeout is returned when Flush times out waiting for the queue to drain
	ErrFlushTimeout = perrors.New(perrors.CodeTimeout, "worker: flush timeout exceeded")
)

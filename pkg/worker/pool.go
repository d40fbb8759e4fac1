// Package worker runs message handlers on a bounded pool so a slow flush
// never stalls the message bus subscriber feeding it.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cache-flush/pkg/logging"
	"cache-flush/pkg/messagebus"
	"cache-flush/pkg/metrics"

	"go.uber.org/zap"
)

// Pool hands deliveries to a handler using a worker pool and bounded queue.
// Deliveries are handled in arrival order by each worker; with more than one
// worker, envelopes may complete out of order.
type Pool struct {
	name       string
	handler    messagebus.Handler
	queue      chan messagebus.Delivery
	workers    int
	wg         sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc
	config     Config
	metrics    metrics.MetricsCollector
	logger     *logging.Logger

	// Statistics (accessed atomically)
	dropped   int64
	submitted int64
	failed    int64
	pending   int64

	metricsTicker *time.Ticker
	metricsStop   chan struct{}
	closeOnce     sync.Once
}

// Config configures the pool.
type Config struct {
	// QueueSize is the bounded queue size (default: 1000)
	QueueSize int

	// Workers is the number of concurrent workers (default: 2)
	Workers int

	// MaxWaitTime is the max time to wait if queue is full.
	// Negative means drop immediately (default: 10ms)
	MaxWaitTime time.Duration

	// HandlerTimeout bounds one handler call (default: 2m)
	HandlerTimeout time.Duration

	// ReportInterval is how often queue depth is reported (default: 5s)
	ReportInterval time.Duration
}

// New creates a pool that starts processing immediately and must be closed
// with Close.
func New(name string, handler messagebus.Handler, config Config, collector metrics.MetricsCollector) *Pool {
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.MaxWaitTime == 0 {
		config.MaxWaitTime = 10 * time.Millisecond
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = 2 * time.Minute
	}
	if config.ReportInterval <= 0 {
		config.ReportInterval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		name:          name,
		handler:       handler,
		queue:         make(chan messagebus.Delivery, config.QueueSize),
		workers:       config.Workers,
		ctx:           ctx,
		cancelFunc:    cancel,
		config:        config,
		metrics:       metrics.OrNoOp(collector),
		logger:        logging.Component("worker").With(zap.String("pool", name)),
		metricsTicker: time.NewTicker(config.ReportInterval),
		metricsStop:   make(chan struct{}),
	}

	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	go p.reportMetrics()

	return p
}

// Submit enqueues d. If the queue is full, it waits up to MaxWaitTime before
// dropping the delivery with ErrQueueFull.
func (p *Pool) Submit(ctx context.Context, d messagebus.Delivery) error {
	select {
	case <-p.ctx.Done():
		return ErrPoolClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// Counted before the send so Flush never sees a handled delivery as
	// missing.
	atomic.AddInt64(&p.pending, 1)

	if p.config.MaxWaitTime < 0 {
		select {
		case p.queue <- d:
			atomic.AddInt64(&p.submitted, 1)
			return nil
		default:
			return p.drop(d)
		}
	}

	timer := time.NewTimer(p.config.MaxWaitTime)
	defer timer.Stop()

	select {
	case p.queue <- d:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	case <-timer.C:
		return p.drop(d)
	case <-ctx.Done():
		atomic.AddInt64(&p.pending, -1)
		return ctx.Err()
	case <-p.ctx.Done():
		atomic.AddInt64(&p.pending, -1)
		return ErrPoolClosed
	}
}

func (p *Pool) drop(d messagebus.Delivery) error {
	atomic.AddInt64(&p.pending, -1)
	atomic.AddInt64(&p.dropped, 1)
	p.metrics.RecordDropped(p.name)
	p.logger.Warn("queue full, delivery dropped", zap.String("id", d.ID))
	return ErrQueueFull
}

// Handle implements messagebus.Handler by submitting d to the pool.
func (p *Pool) Handle(ctx context.Context, d messagebus.Delivery) error {
	return p.Submit(ctx, d)
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case d := <-p.queue:
			p.process(d)
		case <-p.ctx.Done():
			// Drain what is already queued before exiting.
			for {
				select {
				case d := <-p.queue:
					p.process(d)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) process(d messagebus.Delivery) {
	defer atomic.AddInt64(&p.pending, -1)

	ctx, cancel := context.WithTimeout(context.Background(), p.config.HandlerTimeout)
	defer cancel()

	start := time.Now()
	err := p.handler(ctx, d)
	p.metrics.RecordProcessed(p.name, err == nil, time.Since(start))

	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		p.logger.Warn("delivery failed", zap.String("id", d.ID), zap.String("topic", d.Topic), zap.Error(err))
	}
}

// Flush waits until the queue is empty and no delivery is being handled,
// or until timeout.
func (p *Pool) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if atomic.LoadInt64(&p.pending) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrFlushTimeout
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Close stops accepting deliveries and waits for the queued ones to be handled.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.metricsStop)
		p.metricsTicker.Stop()
		p.cancelFunc()
		p.wg.Wait()
		p.metrics.RecordQueueDepth(p.name, len(p.queue))
	})
	return nil
}

func (p *Pool) reportMetrics() {
	for {
		select {
		case <-p.metricsTicker.C:
			p.metrics.RecordQueueDepth(p.name, len(p.queue))
		case <-p.metricsStop:
			return
		}
	}
}

// Stats returns current statistics about the pool.
func (p *Pool) Stats() Stats {
	return Stats{
		QueueDepth: len(p.queue),
		Dropped:    atomic.LoadInt64(&p.dropped),
		Submitted:  atomic.LoadInt64(&p.submitted),
		Failed:     atomic.LoadInt64(&p.failed),
	}
}

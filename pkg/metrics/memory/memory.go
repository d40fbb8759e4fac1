package memory

import (
	"sync"
	"time"

	"cache-flush/pkg/metrics"
)

// MemoryCollector implements MetricsCollector for in-memory testing.
type MemoryCollector struct {
	mu sync.RWMutex

	engines   map[string]*EngineMetrics
	flushes   map[string]int64
	failures  map[string]int64
	purges    map[string]*PurgeMetrics
	queues    map[string]*QueueMetrics
	published int64
	failedPub int64
	actions   int64
}

// EngineMetrics holds metrics for a single cache engine.
type EngineMetrics struct {
	Gets         map[metrics.GetOutcome]int64
	Sets         int64
	Deletes      int64
	Errors       int64
	GroupFlushes int64

	CircuitState metrics.CircuitState
	CircuitOpens int64

	GetLatencies []time.Duration
}

// PurgeMetrics holds metrics for a CDN provider.
type PurgeMetrics struct {
	Purges          int64
	Failures        int64
	Refreshes       int64
	RefreshFailures int64
}

// QueueMetrics holds worker pool metrics.
type QueueMetrics struct {
	Depth     int
	Dropped   int64
	Processed int64
	Errors    int64
}

// NewMemoryCollector creates a new in-memory metrics collector.
func NewMemoryCollector() *MemoryCollector {
	mc := &MemoryCollector{}
	mc.Reset()
	return mc
}

// engine must be called with mu held.
func (mc *MemoryCollector) engine(name string) *EngineMetrics {
	em, ok := mc.engines[name]
	if !ok {
		em = &EngineMetrics{Gets: make(map[metrics.GetOutcome]int64)}
		mc.engines[name] = em
	}
	return em
}

func (mc *MemoryCollector) purge(provider string) *PurgeMetrics {
	pm, ok := mc.purges[provider]
	if !ok {
		pm = &PurgeMetrics{}
		mc.purges[provider] = pm
	}
	return pm
}

func (mc *MemoryCollector) queue(name string) *QueueMetrics {
	qm, ok := mc.queues[name]
	if !ok {
		qm = &QueueMetrics{}
		mc.queues[name] = qm
	}
	return qm
}

// RecordGet records a versioned get.
func (mc *MemoryCollector) RecordGet(engine string, outcome metrics.GetOutcome, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	em := mc.engine(engine)
	em.Gets[outcome]++
	em.GetLatencies = append(em.GetLatencies, duration)
}

// RecordSet records a cache set operation.
func (mc *MemoryCollector) RecordSet(engine string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	em := mc.engine(engine)
	em.Sets++
	if !success {
		em.Errors++
	}
}

// RecordDelete records a cache delete operation.
func (mc *MemoryCollector) RecordDelete(engine string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	em := mc.engine(engine)
	em.Deletes++
	if !success {
		em.Errors++
	}
}

// RecordGroupFlush records a group version bump.
func (mc *MemoryCollector) RecordGroupFlush(engine string, success bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	em := mc.engine(engine)
	em.GroupFlushes++
	if !success {
		em.Errors++
	}
}

// RecordCircuitState records the current circuit breaker state.
func (mc *MemoryCollector) RecordCircuitState(engine string, state metrics.CircuitState) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	em := mc.engine(engine)
	if em.CircuitState != metrics.CircuitOpen && state == metrics.CircuitOpen {
		em.CircuitOpens++
	}
	em.CircuitState = state
}

// RecordFlush records a flush target.
func (mc *MemoryCollector) RecordFlush(target, executor string, success bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := executor + "/" + target
	mc.flushes[key]++
	if !success {
		mc.failures[key]++
	}
}

// RecordPublish records a published envelope.
func (mc *MemoryCollector) RecordPublish(success bool, actions int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if success {
		mc.published++
		mc.actions += int64(actions)
	} else {
		mc.failedPub++
	}
}

// RecordPurge records a CDN purge call.
func (mc *MemoryCollector) RecordPurge(provider string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	pm := mc.purge(provider)
	pm.Purges++
	if !success {
		pm.Failures++
	}
}

// RecordAuthRefresh records a CDN token refresh.
func (mc *MemoryCollector) RecordAuthRefresh(provider string, success bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	pm := mc.purge(provider)
	pm.Refreshes++
	if !success {
		pm.RefreshFailures++
	}
}

// RecordQueueDepth records the current queue depth.
func (mc *MemoryCollector) RecordQueueDepth(queue string, depth int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.queue(queue).Depth = depth
}

// RecordDropped records a dropped message.
func (mc *MemoryCollector) RecordDropped(queue string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.queue(queue).Dropped++
}

// RecordProcessed records a processed message.
func (mc *MemoryCollector) RecordProcessed(queue string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	qm := mc.queue(queue)
	qm.Processed++
	if !success {
		qm.Errors++
	}
}

// Snapshot is a copy of the collected metrics.
type Snapshot struct {
	Engines          map[string]EngineMetrics
	Flushes          map[string]int64
	FlushFailures    map[string]int64
	Purges           map[string]PurgeMetrics
	Queues           map[string]QueueMetrics
	Published        int64
	PublishFailures  int64
	PublishedActions int64
}

// Snapshot returns a copy of the current metrics state.
func (mc *MemoryCollector) Snapshot() Snapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	s := Snapshot{
		Engines:          make(map[string]EngineMetrics, len(mc.engines)),
		Flushes:          make(map[string]int64, len(mc.flushes)),
		FlushFailures:    make(map[string]int64, len(mc.failures)),
		Purges:           make(map[string]PurgeMetrics, len(mc.purges)),
		Queues:           make(map[string]QueueMetrics, len(mc.queues)),
		Published:        mc.published,
		PublishFailures:  mc.failedPub,
		PublishedActions: mc.actions,
	}
	for name, em := range mc.engines {
		cp := *em
		cp.Gets = make(map[metrics.GetOutcome]int64, len(em.Gets))
		for k, v := range em.Gets {
			cp.Gets[k] = v
		}
		cp.GetLatencies = append([]time.Duration(nil), em.GetLatencies...)
		s.Engines[name] = cp
	}
	for k, v := range mc.flushes {
		s.Flushes[k] = v
	}
	for k, v := range mc.failures {
		s.FlushFailures[k] = v
	}
	for k, v := range mc.purges {
		s.Purges[k] = *v
	}
	for k, v := range mc.queues {
		s.Queues[k] = *v
	}
	return s
}

// Reset clears all collected metrics.
func (mc *MemoryCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.engines = make(map[string]*EngineMetrics)
	mc.flushes = make(map[string]int64)
	mc.failures = make(map[string]int64)
	mc.purges = make(map[string]*PurgeMetrics)
	mc.queues = make(map[string]*QueueMetrics)
	mc.published = 0
	mc.failedPub = 0
	mc.actions = 0
}

// Engine returns a copy of the metrics for one engine, or nil.
func (mc *MemoryCollector) Engine(name string) *EngineMetrics {
	s := mc.Snapshot()
	if em, ok := s.Engines[name]; ok {
		return &em
	}
	return nil
}

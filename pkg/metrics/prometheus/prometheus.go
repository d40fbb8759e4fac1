package prometheus

import (
	"time"

	"cache-flush/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements MetricsCollector for Prometheus.
type PrometheusCollector struct {
	namespace string

	// Engines
	cacheGets     *prometheus.CounterVec
	cacheSets     *prometheus.CounterVec
	cacheDeletes  *prometheus.CounterVec
	cacheErrors   *prometheus.CounterVec
	groupFlushes  *prometheus.CounterVec
	getLatency    *prometheus.HistogramVec
	setLatency    *prometheus.HistogramVec
	deleteLatency *prometheus.HistogramVec

	// Circuit breaker
	circuitOpens *prometheus.CounterVec
	circuitState *prometheus.GaugeVec

	// Flush dispatch
	flushes        *prometheus.CounterVec
	publishes      *prometheus.CounterVec
	publishedItems prometheus.Counter

	// CDN
	purges        *prometheus.CounterVec
	purgeLatency  *prometheus.HistogramVec
	authRefreshes *prometheus.CounterVec

	// Worker pool
	queueDepth       *prometheus.GaugeVec
	dropped          *prometheus.CounterVec
	processed        *prometheus.CounterVec
	processedLatency *prometheus.HistogramVec
}

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	latencyBuckets := prometheus.ExponentialBuckets(0.0001, 2, 15) // 0.1ms to ~3s

	pc := &PrometheusCollector{
		namespace: namespace,
		cacheGets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_gets_total",
				Help:      "Total number of versioned gets per engine and outcome",
			},
			[]string{"engine", "outcome"},
		),
		cacheSets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_sets_total",
				Help:      "Total number of cache set operations per engine",
			},
			[]string{"engine"},
		),
		cacheDeletes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_deletes_total",
				Help:      "Total number of cache delete operations per engine",
			},
			[]string{"engine"},
		),
		cacheErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_errors_total",
				Help:      "Total number of cache errors per engine and operation",
			},
			[]string{"engine", "operation"},
		),
		groupFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "group_flushes_total",
				Help:      "Total number of group version bumps per engine",
			},
			[]string{"engine", "status"},
		),
		getLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "get_duration_seconds",
				Help:      "Cache get operation latency",
				Buckets:   latencyBuckets,
			},
			[]string{"engine"},
		),
		setLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "set_duration_seconds",
				Help:      "Cache set operation latency",
				Buckets:   latencyBuckets,
			},
			[]string{"engine"},
		),
		deleteLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delete_duration_seconds",
				Help:      "Cache delete operation latency",
				Buckets:   latencyBuckets,
			},
			[]string{"engine"},
		),
		circuitOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_opens_total",
				Help:      "Total number of circuit breaker opens per engine",
			},
			[]string{"engine"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state per engine (0=closed, 1=open, 2=half-open)",
			},
			[]string{"engine"},
		),
		flushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flushes_total",
				Help:      "Total number of flush operations per target and executor",
			},
			[]string{"target", "executor", "status"},
		),
		publishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messagebus_publishes_total",
				Help:      "Total number of flush envelopes published",
			},
			[]string{"status"},
		),
		publishedItems: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messagebus_actions_total",
				Help:      "Total number of flush actions carried by published envelopes",
			},
		),
		purges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cdn_purges_total",
				Help:      "Total number of CDN purge calls per provider",
			},
			[]string{"provider", "status"},
		),
		purgeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cdn_purge_duration_seconds",
				Help:      "CDN purge call latency",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15),
			},
			[]string{"provider"},
		),
		authRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cdn_auth_refreshes_total",
				Help:      "Total number of CDN access token refreshes per provider",
			},
			[]string{"provider", "status"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current worker pool queue depth",
			},
			[]string{"queue"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_total",
				Help:      "Total number of messages dropped by a full worker pool",
			},
			[]string{"queue"},
		),
		processed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processed_total",
				Help:      "Total number of messages processed by the worker pool",
			},
			[]string{"queue", "status"},
		),
		processedLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "process_duration_seconds",
				Help:      "Worker pool message processing latency",
				Buckets:   latencyBuckets,
			},
			[]string{"queue"},
		),
	}

	return pc
}

// Register registers all metrics with the given Prometheus registry.
func (pc *PrometheusCollector) Register(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pc.cacheGets,
		pc.cacheSets,
		pc.cacheDeletes,
		pc.cacheErrors,
		pc.groupFlushes,
		pc.getLatency,
		pc.setLatency,
		pc.deleteLatency,
		pc.circuitOpens,
		pc.circuitState,
		pc.flushes,
		pc.publishes,
		pc.publishedItems,
		pc.purges,
		pc.purgeLatency,
		pc.authRefreshes,
		pc.queueDepth,
		pc.dropped,
		pc.processed,
		pc.processedLatency,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordGet records a versioned get.
func (pc *PrometheusCollector) RecordGet(engine string, outcome metrics.GetOutcome, duration time.Duration) {
	pc.cacheGets.WithLabelValues(engine, outcome.String()).Inc()
	pc.getLatency.WithLabelValues(engine).Observe(duration.Seconds())
}

// RecordSet records a cache set operation.
func (pc *PrometheusCollector) RecordSet(engine string, success bool, duration time.Duration) {
	pc.cacheSets.WithLabelValues(engine).Inc()
	if !success {
		pc.cacheErrors.WithLabelValues(engine, "set").Inc()
	}
	pc.setLatency.WithLabelValues(engine).Observe(duration.Seconds())
}

// RecordDelete records a cache delete operation.
func (pc *PrometheusCollector) RecordDelete(engine string, success bool, duration time.Duration) {
	pc.cacheDeletes.WithLabelValues(engine).Inc()
	if !success {
		pc.cacheErrors.WithLabelValues(engine, "delete").Inc()
	}
	pc.deleteLatency.WithLabelValues(engine).Observe(duration.Seconds())
}

// RecordGroupFlush records a group version bump.
func (pc *PrometheusCollector) RecordGroupFlush(engine string, success bool) {
	pc.groupFlushes.WithLabelValues(engine, status(success)).Inc()
}

// RecordCircuitState records the current circuit breaker state.
func (pc *PrometheusCollector) RecordCircuitState(engine string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(engine).Set(float64(state))
	if state == metrics.CircuitOpen {
		pc.circuitOpens.WithLabelValues(engine).Inc()
	}
}

// RecordFlush records one flush target executed by an executor.
func (pc *PrometheusCollector) RecordFlush(target, executor string, success bool) {
	pc.flushes.WithLabelValues(target, executor, status(success)).Inc()
}

// RecordPublish records a published flush envelope.
func (pc *PrometheusCollector) RecordPublish(success bool, actions int) {
	pc.publishes.WithLabelValues(status(success)).Inc()
	if success {
		pc.publishedItems.Add(float64(actions))
	}
}

// RecordPurge records a CDN purge call.
func (pc *PrometheusCollector) RecordPurge(provider string, success bool, duration time.Duration) {
	pc.purges.WithLabelValues(provider, status(success)).Inc()
	pc.purgeLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordAuthRefresh records a CDN access token refresh.
func (pc *PrometheusCollector) RecordAuthRefresh(provider string, success bool) {
	pc.authRefreshes.WithLabelValues(provider, status(success)).Inc()
}

// RecordQueueDepth records the current worker pool queue depth.
func (pc *PrometheusCollector) RecordQueueDepth(queue string, depth int) {
	pc.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordDropped records a message dropped by a full queue.
func (pc *PrometheusCollector) RecordDropped(queue string) {
	pc.dropped.WithLabelValues(queue).Inc()
}

// RecordProcessed records a processed message.
func (pc *PrometheusCollector) RecordProcessed(queue string, success bool, duration time.Duration) {
	pc.processed.WithLabelValues(queue, status(success)).Inc()
	pc.processedLatency.WithLabelValues(queue).Observe(duration.Seconds())
}


package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics is the passive metrics registry. Nothing is pushed and no HTTP
// listener is started; callers read snapshots via Gather.
type Metrics struct {
	registry *prometheus.Registry

	recordsProcessed *prometheus.CounterVec
	recordsEmbedded  *prometheus.CounterVec
	recordsFailed    *prometheus.CounterVec
	dlqEntries       prometheus.Counter
	breakerChanges   *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec

	syncDuration       *prometheus.HistogramVec
	embedBatchDuration prometheus.Histogram
	queryDuration      prometheus.Histogram

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
}

// NewMetrics builds the registry with all collectors registered.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.recordsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "erpmirror", Name: "records_processed_total",
		Help: "Records fetched from the upstream, per model.",
	}, []string{"model"})
	m.recordsEmbedded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "erpmirror", Name: "records_embedded_total",
		Help: "Records embedded and upserted, per model.",
	}, []string{"model"})
	m.recordsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "erpmirror", Name: "records_failed_total",
		Help: "Records that failed the pipeline, per model.",
	}, []string{"model"})
	m.dlqEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "erpmirror", Name: "dlq_entries_total",
		Help: "Entries appended to the dead-letter queue.",
	})
	m.breakerChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "erpmirror", Name: "breaker_transitions_total",
		Help: "Circuit breaker state transitions.",
	}, []string{"service", "state"})
	m.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "erpmirror", Name: "breaker_state",
		Help: "Current breaker state: 0 closed, 1 half-open, 2 open.",
	}, []string{"service"})

	m.syncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "erpmirror", Name: "sync_duration_seconds",
		Help:    "Duration of one model sync.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"model"})
	m.embedBatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "erpmirror", Name: "embed_batch_duration_seconds",
		Help:    "Duration of one embedding batch call.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
	m.queryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "erpmirror", Name: "query_duration_seconds",
		Help:    "Duration of one exact query.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	m.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "erpmirror", Name: "graph_cache_hits_total",
		Help: "Graph adjacency cache hits.",
	})
	m.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "erpmirror", Name: "graph_cache_misses_total",
		Help: "Graph adjacency cache misses.",
	})

	m.registry.MustRegister(
		m.recordsProcessed, m.recordsEmbedded, m.recordsFailed,
		m.dlqEntries, m.breakerChanges, m.breakerState,
		m.syncDuration, m.embedBatchDuration, m.queryDuration,
		m.cacheHits, m.cacheMisses,
	)
	return m
}

// RecordsProcessed counts records fetched for a model.
func (m *Metrics) RecordsProcessed(model string, n int) {
	m.recordsProcessed.WithLabelValues(model).Add(float64(n))
}

// RecordsEmbedded counts records embedded and upserted for a model.
func (m *Metrics) RecordsEmbedded(model string, n int) {
	m.recordsEmbedded.WithLabelValues(model).Add(float64(n))
}

// RecordsFailed counts pipeline failures for a model.
func (m *Metrics) RecordsFailed(model string, n int) {
	m.recordsFailed.WithLabelValues(model).Add(float64(n))
}

// DLQAppended counts entries written to the dead-letter queue.
func (m *Metrics) DLQAppended(n int) {
	m.dlqEntries.Add(float64(n))
}

// BreakerTransition records a state change and updates the state gauge.
func (m *Metrics) BreakerTransition(service, state string) {
	m.breakerChanges.WithLabelValues(service, state).Inc()
	var level float64
	switch state {
	case "half-open":
		level = 1
	case "open":
		level = 2
	}
	m.breakerState.WithLabelValues(service).Set(level)
}

// ObserveSyncDuration records one model-sync duration in seconds.
func (m *Metrics) ObserveSyncDuration(model string, seconds float64) {
	m.syncDuration.WithLabelValues(model).Observe(seconds)
}

// ObserveEmbedBatch records one embedding batch duration in seconds.
func (m *Metrics) ObserveEmbedBatch(seconds float64) {
	m.embedBatchDuration.Observe(seconds)
}

// ObserveQuery records one exact-query duration in seconds.
func (m *Metrics) ObserveQuery(seconds float64) {
	m.queryDuration.Observe(seconds)
}

// CacheHit / CacheMiss track graph adjacency cache effectiveness.
func (m *Metrics) CacheHit()  { m.cacheHits.Inc() }
func (m *Metrics) CacheMiss() { m.cacheMisses.Inc() }

// Gather snapshots all metric families.
func (m *Metrics) Gather() ([]*dto.MetricFamily, error) {
	return m.registry.Gather()
}

package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sync modes and outcomes used as label values.
const (
	ModeFull        = "full"
	ModeIncremental = "incremental"

	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusNoop    = "noop"
	StatusMissing = "missing"
)

// Metrics holds the Prometheus collectors for sync and query activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SyncRuns       *prometheus.CounterVec
	SyncDuration   *prometheus.HistogramVec
	RecordsApplied prometheus.Counter
	FilesFetched   *prometheus.CounterVec
	BytesFetched   prometheus.Counter
	DatasetRecords prometheus.Gauge
	Queries        *prometheus.CounterVec
	QueryDuration  *prometheus.HistogramVec
	IndexBuild     prometheus.Gauge
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoicesearch_sync_runs_total",
			Help: "Sync attempts by mode and outcome.",
		}, []string{"mode", "status"}),
		SyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "invoicesearch_sync_duration_seconds",
			Help:    "Wall time of sync attempts.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"mode"}),
		RecordsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invoicesearch_records_applied_total",
			Help: "Records upserted or deleted by committed syncs.",
		}),
		FilesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoicesearch_files_fetched_total",
			Help: "Upstream files requested by kind and outcome.",
		}, []string{"kind", "status"}),
		BytesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invoicesearch_fetched_bytes_total",
			Help: "Bytes downloaded from upstream.",
		}),
		DatasetRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "invoicesearch_dataset_records",
			Help: "Records in the committed local dataset.",
		}),
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoicesearch_queries_total",
			Help: "Queries by operation and outcome.",
		}, []string{"op", "status"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "invoicesearch_query_duration_seconds",
			Help:    "Query latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"op"}),
		IndexBuild: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "invoicesearch_index_build_seconds",
			Help: "Time spent building the search index for the current snapshot.",
		}),
	}
	m.registry.MustRegister(
		m.SyncRuns, m.SyncDuration, m.RecordsApplied, m.FilesFetched,
		m.BytesFetched, m.DatasetRecords, m.Queries, m.QueryDuration, m.IndexBuild,
	)
	return m
}

// ObserveSync records the outcome of one sync attempt.
func (m *Metrics) ObserveSync(mode, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.SyncRuns.WithLabelValues(mode, status).Inc()
	m.SyncDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// AddRecordsApplied counts records written by a committed sync.
func (m *Metrics) AddRecordsApplied(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsApplied.Add(float64(n))
}

// ObserveFetch records one upstream file request.
func (m *Metrics) ObserveFetch(kind, status string, bytes int) {
	if m == nil {
		return
	}
	m.FilesFetched.WithLabelValues(kind, status).Inc()
	if bytes > 0 {
		m.BytesFetched.Add(float64(bytes))
	}
}

// SetDatasetRecords publishes the committed record count.
func (m *Metrics) SetDatasetRecords(n int64) {
	if m == nil {
		return
	}
	m.DatasetRecords.Set(float64(n))
}

// ObserveQuery records one query.
func (m *Metrics) ObserveQuery(op, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Queries.WithLabelValues(op, status).Inc()
	m.QueryDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveIndexBuild records how long the last index build took.
func (m *Metrics) ObserveIndexBuild(d time.Duration) {
	if m == nil {
		return
	}
	m.IndexBuild.Set(d.Seconds())
}

// WriteTextfile writes the current values in the text exposition format,
// atomically replacing path.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WAL metrics
	WALAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sutra_wal_append_duration_seconds",
			Help:    "Duration of WAL append calls, including fsync",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
	)

	WALRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sutra_wal_records_total",
			Help: "Total WAL records appended, by kind",
		},
		[]string{"kind"},
	)

	WALBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sutra_wal_bytes_total",
			Help: "Total bytes written to the WAL",
		},
	)

	// WriteLog metrics
	WriteLogQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sutra_writelog_queue_depth",
			Help: "Current WriteLog queue depth, by shard",
		},
		[]string{"shard"},
	)

	WriteLogEnqueueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sutra_writelog_enqueue_total",
			Help: "Total records pushed onto the WriteLog, by shard",
		},
		[]string{"shard"},
	)

	WriteLogBackpressureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sutra_writelog_backpressure_total",
			Help: "Total pushes rejected due to a full WriteLog, by shard",
		},
		[]string{"shard"},
	)

	// Reconciler metrics
	ReconcilerCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sutra_reconciler_cycle_duration_seconds",
			Help:    "Duration of one reconciler drain-and-publish cycle",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
	)

	ReconcilerCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sutra_reconciler_cycles_total",
			Help: "Total reconciler cycles run, by shard",
		},
		[]string{"shard"},
	)

	ReconcilerCurrentIntervalMS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sutra_reconciler_current_interval_ms",
			Help: "Current adaptive sleep interval of the reconciler, by shard",
		},
		[]string{"shard"},
	)

	ReconcilerHealthScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sutra_reconciler_health_score",
			Help: "Reconciler health score in [0,1], by shard",
		},
		[]string{"shard"},
	)

	// ReadView metrics
	ReadViewGeneration = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sutra_readview_generation",
			Help: "Generation number of the currently published ReadView, by shard",
		},
		[]string{"shard"},
	)

	ReadViewPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sutra_readview_publish_total",
			Help: "Total ReadView publications, by shard",
		},
		[]string{"shard"},
	)

	// HNSW / snapshot metrics
	HNSWIndexSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sutra_hnsw_index_size",
			Help: "Number of vectors currently in the HNSW index, by shard",
		},
		[]string{"shard"},
	)

	SnapshotWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sutra_snapshot_write_duration_seconds",
			Help:    "Duration of SnapshotFile writes",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)

	// Transaction coordinator metrics
	TxnPreparedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sutra_txn_prepared_total",
			Help: "Total 2PC prepare attempts, by shard",
		},
		[]string{"shard"},
	)

	TxnCommittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sutra_txn_committed_total",
			Help: "Total 2PC transactions committed, by shard",
		},
		[]string{"shard"},
	)

	TxnAbortedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sutra_txn_aborted_total",
			Help: "Total 2PC transactions aborted, by shard",
		},
		[]string{"shard"},
	)

	// Server metrics
	ServerConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sutra_server_connections_active",
			Help: "Currently open TCP connections",
		},
	)

	ServerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sutra_server_requests_total",
			Help: "Total requests handled, by request kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	ServerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sutra_server_request_duration_seconds",
			Help:    "Request handling duration, by request kind",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 16),
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(WALAppendDuration)
	prometheus.MustRegister(WALRecordsTotal)
	prometheus.MustRegister(WALBytesTotal)

	prometheus.MustRegister(WriteLogQueueDepth)
	prometheus.MustRegister(WriteLogEnqueueTotal)
	prometheus.MustRegister(WriteLogBackpressureTotal)

	prometheus.MustRegister(ReconcilerCycleDuration)
	prometheus.MustRegister(ReconcilerCyclesTotal)
	prometheus.MustRegister(ReconcilerCurrentIntervalMS)
	prometheus.MustRegister(ReconcilerHealthScore)

	prometheus.MustRegister(ReadViewGeneration)
	prometheus.MustRegister(ReadViewPublishTotal)

	prometheus.MustRegister(HNSWIndexSize)
	prometheus.MustRegister(SnapshotWriteDuration)

	prometheus.MustRegister(TxnPreparedTotal)
	prometheus.MustRegister(TxnCommittedTotal)
	prometheus.MustRegister(TxnAbortedTotal)

	prometheus.MustRegister(ServerConnectionsActive)
	prometheus.MustRegister(ServerRequestsTotal)
	prometheus.MustRegister(ServerRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

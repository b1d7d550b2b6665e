// Package metrics exposes reconciliation counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RecordsMerged counts records written by the merge engine, by outcome
	// (inserted, updated, unchanged).
	RecordsMerged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewledger_records_merged_total",
			Help: "Records processed by the merge engine by outcome",
		},
		[]string{"outcome"},
	)

	// RecordsRejected counts per-item validation failures by reason code.
	RecordsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewledger_records_rejected_total",
			Help: "Records rejected during normalization or merge by reason",
		},
		[]string{"reason"},
	)

	MergeBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "viewledger_merge_batch_duration_seconds",
			Help:    "Duration of merge batches against the partition store",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	MergeBatchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "viewledger_merge_batch_failures_total",
			Help: "Merge batches that failed as a whole because the store was unavailable",
		},
	)

	RetentionDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewledger_retention_deleted_total",
			Help: "Records deleted by the retention sweeper by log",
		},
		[]string{"log"},
	)

	SyncOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewledger_sync_operations_total",
			Help: "Sync coordinator calls by operation and result",
		},
		[]string{"operation", "result"},
	)
)

func ObserveMerge(inserted, updated, unchanged int, took time.Duration) {
	RecordsMerged.WithLabelValues("inserted").Add(float64(inserted))
	RecordsMerged.WithLabelValues("updated").Add(float64(updated))
	RecordsMerged.WithLabelValues("unchanged").Add(float64(unchanged))
	MergeBatchDuration.Observe(took.Seconds())
}

func ObserveRejected(reason string) {
	RecordsRejected.WithLabelValues(reason).Inc()
}

func ObserveSync(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	SyncOperations.WithLabelValues(operation, result).Inc()
}

func Handler() http.Handler {
	return promhttp.Handler()
}

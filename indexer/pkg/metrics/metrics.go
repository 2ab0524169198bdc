package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DatasetLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "churnguard_lake_indexer_dataset_loads_total",
			Help: "Total number of dataset snapshot loads",
		},
		[]string{"source", "status"},
	)

	DatasetRows = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "churnguard_lake_indexer_dataset_rows",
			Help:    "Number of rows in loaded dataset snapshots",
			Buckets: prometheus.ExponentialBuckets(10, 4, 10), // 10 to ~2.6M
		},
	)

	SnapshotPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "churnguard_lake_indexer_snapshot_publish_total",
			Help: "Total number of snapshot publications to a durable store",
		},
		[]string{"store", "status"},
	)

	SnapshotPublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "churnguard_lake_indexer_snapshot_publish_duration_seconds",
			Help:    "Duration of snapshot publications",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~41s
		},
		[]string{"store"},
	)
)

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordDatasetLoad records a snapshot load from a source such as "csv" or "s3".
func RecordDatasetLoad(source string, rows int, err error) {
	DatasetLoadsTotal.WithLabelValues(source, statusOf(err)).Inc()
	if err == nil {
		DatasetRows.Observe(float64(rows))
	}
}

// RecordSnapshotPublish records a snapshot table publication.
func RecordSnapshotPublish(store string, duration time.Duration, err error) {
	SnapshotPublishTotal.WithLabelValues(store, statusOf(err)).Inc()
	SnapshotPublishDuration.WithLabelValues(store).Observe(duration.Seconds())
}

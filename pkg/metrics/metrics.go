// Package metrics defines the Prometheus metrics exported by the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RecordsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cohort_ingest_records_total",
			Help: "Telemetry records accepted by the ingestion pipeline",
		},
		[]string{"kind"},
	)

	RecordsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cohort_ingest_records_skipped_total",
			Help: "Records skipped during ingestion",
		},
		[]string{"reason"},
	)

	IngestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cohort_ingest_batch_duration_seconds",
			Help:    "Wall time per ingested batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	CacheRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cohort_directory_refresh_duration_seconds",
			Help:    "Directory cache refresh wall time",
			Buckets: prometheus.DefBuckets,
		},
	)

	CacheRefreshFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cohort_directory_refresh_failures_total",
			Help: "Directory cache refreshes that kept the stale snapshot",
		},
	)

	CacheStudies = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cohort_directory_studies",
			Help: "Studies in the current directory snapshot",
		},
	)

	ExportRows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cohort_export_rows_total",
			Help: "Flat records produced by the export reader",
		},
	)

	EntitiesDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cohort_cascade_entities_deleted_total",
			Help: "Entities removed by cascading deletion",
		},
		[]string{"set"},
	)
)

// Register adds every engine metric to a registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		RecordsIngested,
		RecordsSkipped,
		IngestDuration,
		CacheRefreshDuration,
		CacheRefreshFailures,
		CacheStudies,
		ExportRows,
		EntitiesDeleted,
	)
}

// Handler returns the /metrics endpoint for a registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

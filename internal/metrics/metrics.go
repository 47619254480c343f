// Package metrics is Timestore's metrics sink: the Prometheus collectors
// every component reports to. spec.md treats the metrics backend itself as
// an external collaborator; this package is the boundary Timestore code
// calls into.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "timestore_build_info",
			Help: "Build information of the Timestore service.",
		},
		[]string{"version", "commit", "date"},
	)

	// Ingestion

	IngestionJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timestore_ingestion_jobs_total",
			Help: "Total number of ingestion jobs processed, by outcome.",
		},
		[]string{"dataset", "outcome"}, // outcome: succeeded, failed, replayed
	)

	IngestionJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "timestore_ingestion_job_duration_seconds",
			Help:    "Duration of ingestion job processing.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dataset"},
	)

	PartitionsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timestore_partitions_written_total",
			Help: "Total number of partitions written, by storage target kind.",
		},
		[]string{"dataset", "storage_kind"},
	)

	SchemaEvolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timestore_schema_evolutions_total",
			Help: "Total number of schema classifications, by outcome.",
		},
		[]string{"dataset", "classification"}, // identical, additive, breaking
	)

	// Spool

	SpoolPendingRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "timestore_spool_pending_rows",
			Help: "Rows currently staged and unflushed, per dataset.",
		},
		[]string{"dataset"},
	)

	SpoolOnDiskBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "timestore_spool_on_disk_bytes",
			Help: "On-disk size of the staging database, per dataset.",
		},
		[]string{"dataset"},
	)

	SpoolFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timestore_spool_flushes_total",
			Help: "Total number of spool flushes, by outcome.",
		},
		[]string{"dataset", "outcome"}, // finalized, aborted
	)

	SpoolCorruptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timestore_spool_corruptions_total",
			Help: "Total number of spool corruption recoveries.",
		},
		[]string{"dataset"},
	)

	// Staging queue

	StagingQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "timestore_staging_queue_depth",
			Help: "Pending + in-flight staging requests, per dataset.",
		},
		[]string{"dataset"},
	)

	StagingQueueRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timestore_staging_queue_rejections_total",
			Help: "Total number of staging requests rejected for capacity.",
		},
		[]string{"dataset"},
	)

	// Ingestion queue / workers

	QueueJobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timestore_queue_jobs_enqueued_total",
			Help: "Total number of ingestion jobs enqueued.",
		},
		[]string{"dataset"},
	)

	QueueJobRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timestore_queue_job_retries_total",
			Help: "Total number of ingestion job retries.",
		},
		[]string{"dataset"},
	)

	// Streaming

	StreamingBuffersSealedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timestore_streaming_buffers_sealed_total",
			Help: "Total number of streaming micro-batch buffers sealed, by reason.",
		},
		[]string{"connector", "reason"}, // rows, latency, shutdown
	)

	StreamingWatermarkLagMs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "timestore_streaming_watermark_lag_ms",
			Help: "Backlog lag, in milliseconds, of the latest sealed window per connector.",
		},
		[]string{"connector", "dataset"},
	)

	// Connectors

	ConnectorBackpressurePauses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timestore_connector_backpressure_pauses_total",
			Help: "Total number of times a connector paused for backpressure.",
		},
		[]string{"connector"},
	)

	ConnectorDLQTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timestore_connector_dlq_total",
			Help: "Total number of records routed to the dead-letter queue.",
		},
		[]string{"connector"},
	)
)

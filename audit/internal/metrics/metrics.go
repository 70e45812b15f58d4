package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	EventsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_audit_events_enqueued_total",
			Help: "Total number of audit events enqueued",
		},
		[]string{"category"},
	)

	EnqueueErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_audit_enqueue_errors_total",
			Help: "Total number of failed enqueue calls",
		},
	)

	NormalizationErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_audit_normalization_errors_total",
			Help: "Total number of events rejected by the normalizer",
		},
	)

	RecordFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_audit_record_failures_total",
			Help: "Total number of best-effort records that were dropped",
		},
	)

	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telhawk_audit_queue_depth",
			Help: "Items waiting in the durable queue at the last flush",
		},
	)

	// Log id node lease
	NodeLeaseNode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telhawk_audit_node_lease_node",
			Help: "Log id node currently leased by this process",
		},
	)

	NodeLeaseRenewFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_audit_node_lease_renew_failures_total",
			Help: "Total number of failed node lease renewals",
		},
	)

	QueueUndecodable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_audit_queue_undecodable_total",
			Help: "Total number of queue items that could not be decoded",
		},
		[]string{"backend"},
	)

	// Flush metrics
	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telhawk_audit_flush_duration_seconds",
			Help:    "Duration of flush runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RowsInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_audit_rows_inserted_total",
			Help: "Total number of audit rows inserted",
		},
	)

	RowsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_audit_rows_skipped_total",
			Help: "Total number of redelivered rows that already existed",
		},
	)

	FlushErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_audit_flush_errors_total",
			Help: "Total number of failed flushes",
		},
		[]string{"kind"},
	)

	// Scheduler metrics
	SchedulerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_audit_scheduler_ticks_total",
			Help: "Total number of scheduled flush ticks",
		},
		[]string{"status"},
	)

	// Rate limiting metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_audit_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"scope"},
	)
)

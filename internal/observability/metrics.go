// Package observability declares the prometheus metrics this module
// exposes, one promauto declaration per signal. Grounded directly on
// the teacher's observability/metrics.go: the same promauto.NewGaugeVec
// / NewCounterVec / NewHistogram declaration style, carried over metric
// by metric and renamed from the teacher's scheduling/coordination
// domain to this one's fetch/queue/alert/health domain.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === Fetcher / circuit breaker (C2, C4) ===

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aqi_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
	}, []string{"name"})

	FetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aqi_fetch_attempts_total",
		Help: "Total provider fetch attempts",
	}, []string{"outcome"}) // success, retryable_failure, permanent_failure, circuit_open

	FetchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aqi_fetch_latency_seconds",
		Help:    "Provider fetch round-trip latency",
		Buckets: prometheus.DefBuckets,
	})

	// === Rate limiter (C3) ===

	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aqi_rate_limit_rejections_total",
		Help: "Requests rejected by the sliding-window rate limiter",
	}, []string{"window"}) // hour, day

	// === Queue / dispatcher (C5, C6) ===

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aqi_queue_depth",
		Help: "Current number of waiting jobs",
	}, []string{"queue"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aqi_jobs_processed_total",
		Help: "Total jobs processed by the dispatcher",
	}, []string{"queue", "type", "outcome"}) // success, failure

	JobExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aqi_job_execution_duration_seconds",
		Help:    "Job handler execution time",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"queue", "type"})

	JobStalledRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aqi_job_stalled_recoveries_total",
		Help: "Jobs reclaimed from an expired lease",
	}, []string{"queue"})

	DedupeSuppressions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aqi_dedupe_suppressions_total",
		Help: "Submissions suppressed by the dedupe window",
	}, []string{"queue"})

	// === Cron scheduler (C7) ===

	CronSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aqi_cron_skipped_total",
		Help: "Cron ticks skipped by breaker or health gating",
	}, []string{"job", "reason"}) // breaker_open, health_gated

	// === Tiered store / migration (C8) ===

	MigrationRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aqi_migration_records_total",
		Help: "Records migrated between storage tiers",
	}, []string{"from_tier", "to_tier", "outcome"}) // migrated, error

	QueryExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aqi_query_execution_duration_seconds",
		Help:    "Smart query router end-to-end latency",
		Buckets: prometheus.DefBuckets,
	})

	// === Daily aggregator (C9) ===

	AggregationsComputed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aqi_aggregations_computed_total",
		Help: "Daily aggregations computed",
	}, []string{"partial"}) // true, false

	// === Alert engine (C10) ===

	AlertsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aqi_alerts_triggered_total",
		Help: "Alerts that passed throttling and were dispatched",
	}, []string{"condition", "severity", "escalated"})

	AlertDispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aqi_alert_dispatch_failures_total",
		Help: "Alert email dispatch attempts that failed",
	}, []string{"condition"})

	ThrottleConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aqi_throttle_cas_conflicts_total",
		Help: "Compare-and-swap conflicts on the alert throttle store",
	})

	// === Health monitor (C11) ===

	QueueHealthScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aqi_queue_health_score",
		Help: "Computed health score per queue (0-1)",
	}, []string{"queue"})

	// === Cross-cutting resilience ===

	DegradedModeActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aqi_degraded_mode_active",
		Help: "1 if any tracked dependency is currently unavailable",
	})
)

// Package metrics provides Prometheus metrics for the market data pipeline.
// Scrape these at /metrics for Grafana dashboards and alerting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcg_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tcg_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Query Layer Metrics
	QueryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcg_query_attempts_total",
			Help: "Individual query attempts by table and outcome",
		},
		[]string{"table", "outcome"}, // outcome: "success", "error", "timeout"
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tcg_query_duration_seconds",
			Help:    "Duration of completed query calls including retries",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"table"},
	)

	QueryCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcg_query_cache_lookups_total",
			Help: "Query cache lookups by result",
		},
		[]string{"result"}, // "hit", "miss"
	)

	SlowQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcg_slow_queries_total",
			Help: "Query calls slower than the slow threshold",
		},
		[]string{"table"},
	)

	BatchOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcg_batch_operations_total",
			Help: "Batch mutation items by table and result",
		},
		[]string{"table", "result"},
	)

	// Collector Metrics
	CollectorRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcg_collector_runs_total",
			Help: "Collector runs by final status",
		},
		[]string{"status"}, // "completed", "failed", "rejected"
	)

	CollectorRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tcg_collector_running",
			Help: "1 while a collection run is in progress",
		},
	)

	CollectorCardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcg_collector_cards_total",
			Help: "Cards processed by the collector by result",
		},
		[]string{"result"}, // "success", "failed"
	)

	PriceSamplesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tcg_price_samples_stored_total",
			Help: "Total number of price history rows written",
		},
	)

	PriceBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tcg_price_batch_duration_seconds",
			Help:    "Time taken to process a batch of cards",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	CollectorLastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tcg_collector_last_run_timestamp_seconds",
			Help: "Unix time the last collection run finished",
		},
	)

	// Pokemon TCG API Metrics
	PokemonTCGRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcg_pokemontcg_requests_total",
			Help: "Requests made to the Pokemon TCG API by endpoint and status class",
		},
		[]string{"endpoint", "status"},
	)

	PokemonTCGRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tcg_pokemontcg_rate_limited_total",
			Help: "HTTP 429 responses from the Pokemon TCG API",
		},
	)

	// Analytics Metrics
	AnalyticsEventsTracked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcg_analytics_events_tracked_total",
			Help: "Events accepted into the analytics queue",
		},
		[]string{"event_type"},
	)

	AnalyticsQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tcg_analytics_queue_size",
			Help: "Events waiting to be flushed",
		},
	)

	AnalyticsEventsFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tcg_analytics_events_flushed_total",
			Help: "Events written to the store",
		},
	)

	AnalyticsFlushFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tcg_analytics_flush_failures_total",
			Help: "Flushes that failed and re-queued their batch",
		},
	)

	AnalyticsActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tcg_analytics_active_sessions",
			Help: "Sessions currently tracked in memory",
		},
	)

	AnalyticsSessionsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tcg_analytics_sessions_evicted_total",
			Help: "Sessions dropped after going idle",
		},
	)

	// Message Bus Metrics
	BusMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcg_bus_messages_published_total",
			Help: "Messages published by topic",
		},
		[]string{"topic"},
	)

	BusMessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcg_bus_messages_dropped_total",
			Help: "Messages dropped because a subscriber buffer was full",
		},
		[]string{"topic"},
	)

	// Maintenance Metrics
	MaintenanceTaskRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcg_maintenance_task_runs_total",
			Help: "Maintenance task executions by task and result",
		},
		[]string{"task", "result"},
	)

	MaintenanceRowsAffected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tcg_maintenance_rows_affected",
			Help: "Rows deleted or detected by the last maintenance task run",
		},
		[]string{"task"},
	)

	// Card Cache Metrics
	CardCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tcg_card_cache_size",
			Help: "Number of rows in the card cache table",
		},
	)
)

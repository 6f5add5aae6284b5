// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketscope_sync_duration_seconds",
			Help:    "Duration of data source sync runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"source_type", "status"},
	)

	SyncRowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketscope_sync_rows_written_total",
			Help: "Rows written to the warehouse by sync runs",
		},
		[]string{"source_type"},
	)

	SyncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketscope_sync_errors_total",
			Help: "Failed sync runs by source type and failure stage",
		},
		[]string{"source_type", "stage"},
	)

	SyncActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketscope_sync_active",
			Help: "Number of sync runs currently executing",
		},
	)

	SchedulerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketscope_scheduler_queue_depth",
			Help: "Data sources waiting in the scheduler queue",
		},
	)

	SchedulerLockContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketscope_scheduler_lock_contention_total",
			Help: "Due syncs skipped because another run held the data source lock",
		},
	)

	// External APIs

	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketscope_ratelimit_wait_seconds",
			Help:    "Time spent waiting on per-source rate limiters",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"provider"},
	)

	ExternalRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketscope_external_retries_total",
			Help: "Retried external API calls by provider and reason",
		},
		[]string{"provider", "reason"},
	)

	ExternalRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketscope_external_requests_total",
			Help: "External API requests by provider and HTTP status class",
		},
		[]string{"provider", "status"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketscope_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketscope_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"provider", "from", "to"},
	)

	// Warehouse

	WarehouseTables = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketscope_warehouse_tables",
			Help: "Registered warehouse tables",
		},
	)

	MetadataCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketscope_metadata_cache_lookups_total",
			Help: "Table metadata cache lookups by result",
		},
		[]string{"result"},
	)

	DataModelRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketscope_datamodel_refreshes_total",
			Help: "Materialized data model refreshes by status",
		},
		[]string{"status"},
	)

	// API

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketscope_api_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketscope_api_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketscope_api_active_requests",
			Help: "In-flight HTTP requests",
		},
	)

	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketscope_websocket_clients",
			Help: "Connected WebSocket clients",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketscope_events_published_total",
			Help: "Events published on the internal bus by topic and result",
		},
		[]string{"topic", "status"},
	)

	EventsPoisoned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketscope_events_poisoned_total",
			Help: "Events moved to the poison topic after exhausting retries",
		},
		[]string{"topic", "handler"},
	)

	AIAnalyses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketscope_ai_analyses_total",
			Help: "AI analyses by outcome",
		},
		[]string{"status"},
	)

	AuditEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketscope_audit_events_total",
			Help: "Audit events by type and whether they were stored or dropped",
		},
		[]string{"type", "status"},
	)
)

// RecordSyncRun records the outcome of one sync run.
func RecordSyncRun(sourceType string, duration time.Duration, rows int64, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	SyncDuration.WithLabelValues(sourceType, status).Observe(duration.Seconds())
	if rows > 0 {
		SyncRowsWritten.WithLabelValues(sourceType).Add(float64(rows))
	}
}

// RecordSyncError counts a failed run at the given stage
// (fetch, credentials, write, metadata).
func RecordSyncError(sourceType, stage string) {
	SyncErrors.WithLabelValues(sourceType, stage).Inc()
}

// RecordExternalRequest counts a provider response by status class (2xx, 4xx, 429, 5xx, error).
func RecordExternalRequest(provider string, statusCode int) {
	ExternalRequests.WithLabelValues(provider, statusClass(statusCode)).Inc()
}

// RecordAPIRequest records one HTTP request.
func RecordAPIRequest(method, route, status string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, status).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// TrackActiveRequest increments or decrements the in-flight gauge.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
		return
	}
	APIActiveRequests.Dec()
}

func statusClass(code int) string {
	switch {
	case code == 0:
		return "error"
	case code == 429:
		return "429"
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

/*
Copyright (C) 2026 Record Room

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

var (
	// APIRequestsTotal counts HTTP requests by method, endpoint, and status.
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "needledrop_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// APIRequestDuration observes request latency.
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "needledrop_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	// APIActiveConnections gauges in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "needledrop_api_active_connections",
			Help: "Number of in-flight API requests",
		},
	)

	// WebSocketConnections gauges connected display clients.
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "needledrop_websocket_connections",
			Help: "Number of connected websocket display clients",
		},
	)

	// TransportActionsTotal counts transport state machine actions by
	// action and outcome.
	TransportActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "needledrop_transport_actions_total",
			Help: "Total transport actions by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	// SessionsCreatedTotal counts generated sessions.
	SessionsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "needledrop_sessions_created_total",
			Help: "Total sessions created",
		},
	)

	// CacheHitsTotal counts read cache hits and misses.
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "needledrop_cache_requests_total",
			Help: "Read cache requests by result",
		},
		[]string{"result"},
	)

	// DatabaseConnectionsActive gauges open DB connections.
	DatabaseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "needledrop_database_connections_active",
			Help: "Number of open database connections",
		},
	)

	// DatabaseConnectionsIdle gauges idle DB connections.
	DatabaseConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "needledrop_database_connections_idle",
			Help: "Number of idle database connections",
		},
	)
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// UpdateDatabaseMetrics samples connection pool gauges from the gorm handle.
func UpdateDatabaseMetrics(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	stats := sqlDB.Stats()
	DatabaseConnectionsActive.Set(float64(stats.InUse))
	DatabaseConnectionsIdle.Set(float64(stats.Idle))
}

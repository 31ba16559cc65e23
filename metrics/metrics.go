// Package metrics provides Prometheus metrics for transfer sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	sessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotecopy_sessions_total",
			Help: "Total number of scp sessions",
		},
		[]string{"task", "direction", "status"},
	)

	sessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remotecopy_session_duration_seconds",
			Help:    "scp session duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task", "direction"},
	)

	sessionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotecopy_session_errors_total",
			Help: "Failed sessions by error kind",
		},
		[]string{"task", "kind"},
	)

	// Content transfer metrics
	bytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotecopy_bytes_total",
			Help: "Total file content bytes transferred",
		},
		[]string{"task", "direction"},
	)

	itemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotecopy_items_total",
			Help: "Completed files and directories",
		},
		[]string{"task", "type"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remotecopy_active_sessions",
			Help: "Number of sessions in progress",
		},
	)

	// Retention metrics
	retentionRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotecopy_retention_removed_total",
			Help: "Files removed by retention cleanup",
		},
		[]string{"task"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SessionStarted marks a session in progress. Call the returned func with
// the session outcome when it ends.
func SessionStarted(task, direction string) func(kind string) {
	start := time.Now()
	activeSessions.Inc()
	return func(kind string) {
		activeSessions.Dec()
		sessionDuration.WithLabelValues(task, direction).Observe(time.Since(start).Seconds())
		status := "success"
		if kind != "" {
			status = "failure"
			sessionErrorsTotal.WithLabelValues(task, kind).Inc()
		}
		sessionsTotal.WithLabelValues(task, direction, status).Inc()
	}
}

// RecordBytes adds n transferred content bytes.
func RecordBytes(task, direction string, n int64) {
	if n > 0 {
		bytesTransferred.WithLabelValues(task, direction).Add(float64(n))
	}
}

// RecordItem counts a completed file or directory.
func RecordItem(task string, dir bool) {
	typ := "file"
	if dir {
		typ = "directory"
	}
	itemsTotal.WithLabelValues(task, typ).Inc()
}

// RecordRetentionRemoved counts files deleted by retention cleanup.
func RecordRetentionRemoved(task string, n int) {
	retentionRemovedTotal.WithLabelValues(task).Add(float64(n))
}

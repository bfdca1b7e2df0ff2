package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Turn metrics
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memgo_turns_total",
			Help: "Total number of conversation turns",
		},
		[]string{"app", "status"},
	)

	turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memgo_turn_duration_seconds",
			Help:    "Turn handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"app"},
	)

	// Retrieval metrics
	retrievalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memgo_retrievals_total",
			Help: "Total number of memory retrievals",
		},
		[]string{"mode", "status"},
	)

	retrievalDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memgo_retrieval_duration_seconds",
			Help:    "Memory retrieval duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// Archival metrics
	archivalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memgo_archivals_total",
			Help: "Total number of session archivals",
		},
		[]string{"status"},
	)

	archivalQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "memgo_archival_queue_depth",
			Help: "Number of records waiting for archival retry",
		},
	)

	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memgo_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memgo_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// System metrics
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "memgo_active_sessions",
			Help: "Number of sessions currently cached in memory",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			turnsTotal,
			turnDuration,
			retrievalsTotal,
			retrievalDuration,
			archivalsTotal,
			archivalQueueDepth,
			httpRequestsTotal,
			httpRequestDuration,
			activeSessions,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordTurn records turn handling metrics
func RecordTurn(app, status string, duration time.Duration) {
	turnsTotal.WithLabelValues(app, status).Inc()
	turnDuration.WithLabelValues(app).Observe(duration.Seconds())
}

// RecordRetrieval records memory retrieval metrics
func RecordRetrieval(mode, status string, duration time.Duration) {
	retrievalsTotal.WithLabelValues(mode, status).Inc()
	retrievalDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordArchival records session archival metrics
func RecordArchival(status string) {
	archivalsTotal.WithLabelValues(status).Inc()
}

// SetArchivalQueueDepth sets the archival retry queue gauge
func SetArchivalQueueDepth(depth int) {
	archivalQueueDepth.Set(float64(depth))
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetActiveSessions sets the active sessions gauge
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

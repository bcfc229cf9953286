// Package metrics exposes Prometheus instrumentation for the gateway:
// HTTP request metrics via Gin middleware plus gateway-specific counters
// for streamed frames, token refreshes, and upstream failures.
package metrics

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qgate_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qgate_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qgate_active_streams",
			Help: "Number of message streams currently in flight",
		},
	)

	framesDecodedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qgate_upstream_frames_total",
			Help: "Upstream event-stream frames decoded, by event type",
		},
		[]string{"event_type"},
	)

	tokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qgate_token_refreshes_total",
			Help: "Token refresh attempts, by outcome",
		},
		[]string{"outcome"},
	)

	upstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qgate_upstream_errors_total",
			Help: "Upstream request failures, by kind",
		},
		[]string{"kind"},
	)

	tokenUsageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qgate_token_usage_total",
			Help: "Tokens consumed by completed messages",
		},
		[]string{"model", "type"},
	)

	registered atomic.Bool
)

// Register registers all gateway metrics. Safe to call more than once.
func Register() {
	if !registered.CompareAndSwap(false, true) {
		return
	}
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		activeStreams,
		framesDecodedTotal,
		tokenRefreshesTotal,
		upstreamErrorsTotal,
		tokenUsageTotal,
	)
}

// Middleware collects per-request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		path := normalizePath(c.Request.URL.Path)
		method := c.Request.Method
		start := time.Now()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDurationSeconds.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the /metrics endpoint.
func Handler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// normalizePath collapses dynamic segments to keep label cardinality low.
func normalizePath(path string) string {
	switch {
	case path == "/v1/messages", path == "/v1/models", path == "/health", path == "/metrics":
		return path
	case len(path) > 14 && path[:14] == "/api/accounts/":
		return "/api/accounts/:id"
	case path == "/api/accounts":
		return path
	default:
		if len(path) > 50 {
			return path[:50] + "..."
		}
		return path
	}
}

// StreamStarted marks a message stream in flight.
func StreamStarted() { activeStreams.Inc() }

// StreamFinished marks a message stream done.
func StreamFinished() { activeStreams.Dec() }

// RecordFrame counts one decoded upstream frame.
func RecordFrame(eventType string) {
	if eventType == "" {
		eventType = "unknown"
	}
	framesDecodedTotal.WithLabelValues(eventType).Inc()
}

// RecordTokenRefresh counts one refresh attempt.
func RecordTokenRefresh(err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	tokenRefreshesTotal.WithLabelValues(outcome).Inc()
}

// RecordUpstreamError counts one upstream failure.
func RecordUpstreamError(kind string) {
	upstreamErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordTokenUsage counts tokens for a finished message.
func RecordTokenUsage(model string, inputTokens, outputTokens int64) {
	if inputTokens > 0 {
		tokenUsageTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		tokenUsageTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

// Package metrics provides Prometheus metrics for the preview sync relay and sessions.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "previewsync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "previewsync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Relay metrics
	relaySubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "previewsync_relay_subscribers",
			Help: "Number of active relay channel subscribers",
		},
	)

	relayEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "previewsync_relay_events_total",
			Help: "Total events fanned out by the relay hub",
		},
		[]string{"type"},
	)

	relayDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "previewsync_relay_dropped_total",
			Help: "Events dropped for slow subscribers",
		},
	)

	// Transport metrics
	messagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "previewsync_messages_published_total",
			Help: "Messages published per transport and type",
		},
		[]string{"transport", "type", "status"},
	)

	messagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "previewsync_messages_received_total",
			Help: "Messages received per transport and type",
		},
		[]string{"transport", "type"},
	)

	mirrorDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "previewsync_mirror_duplicates_total",
			Help: "Inbound messages dropped as already delivered",
		},
	)

	mirrorFallbackDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "previewsync_mirror_fallback_deliveries_total",
			Help: "Messages delivered from the fallback transport after the grace window",
		},
	)

	mirrorFailovers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "previewsync_mirror_failovers_total",
			Help: "Mirrors that switched publishing to the fallback transport",
		},
	)

	// Sync metrics
	syncCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "previewsync_sync_cycle_duration_seconds",
			Help:    "Duration of a publish cycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	codePayloadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "previewsync_code_payload_bytes",
			Help:    "Estimated wire size of published CODE messages",
			Buckets: prometheus.ExponentialBuckets(256, 2, 10),
		},
	)

	fileOffloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "previewsync_file_offloads_total",
			Help: "Files offloaded to the blob store",
		},
		[]string{"reason"},
	)

	connectedDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "previewsync_connected_devices",
			Help: "Devices currently connected to the session",
		},
	)

	// Blob metrics
	blobOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "previewsync_blob_operations_total",
			Help: "Total blob store operations",
		},
		[]string{"operation", "status"},
	)

	blobBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "previewsync_blob_bytes_total",
			Help: "Total blob bytes transferred",
		},
		[]string{"operation"},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "previewsync_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "previewsync_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)
)

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetRelaySubscribers sets the number of relay subscribers.
func SetRelaySubscribers(count int) {
	relaySubscribers.Set(float64(count))
}

// RecordRelayEvent records a fanned-out relay event.
func RecordRelayEvent(eventType string) {
	relayEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordRelayDrop records an event dropped for a slow subscriber.
func RecordRelayDrop() {
	relayDroppedTotal.Inc()
}

// RecordPublish records a publish attempt on a transport.
func RecordPublish(transport, msgType string, success bool) {
	messagesPublished.WithLabelValues(transport, msgType, statusLabel(success)).Inc()
}

// RecordReceive records an inbound message on a transport.
func RecordReceive(transport, msgType string) {
	messagesReceived.WithLabelValues(transport, msgType).Inc()
}

// RecordDuplicate records a deduplicated inbound message.
func RecordDuplicate() {
	mirrorDuplicates.Inc()
}

// RecordFallbackDelivery records a message only the fallback delivered.
func RecordFallbackDelivery() {
	mirrorFallbackDeliveries.Inc()
}

// RecordFailover records a mirror switching to its fallback.
func RecordFailover() {
	mirrorFailovers.Inc()
}

// RecordSyncCycle records a publish cycle.
func RecordSyncCycle(duration time.Duration, success bool) {
	syncCycleDuration.WithLabelValues(statusLabel(success)).Observe(duration.Seconds())
}

// RecordCodePayload records the estimated size of a CODE message.
func RecordCodePayload(bytes int) {
	codePayloadBytes.Observe(float64(bytes))
}

// RecordOffload records a file offload. Reason is "asset" or "size".
func RecordOffload(reason string) {
	fileOffloadsTotal.WithLabelValues(reason).Inc()
}

// SetConnectedDevices sets the connected device count.
func SetConnectedDevices(count int) {
	connectedDevices.Set(float64(count))
}

// RecordBlobOperation records a blob upload or fetch.
func RecordBlobOperation(operation string, bytes int, success bool) {
	blobOperationsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
	if success {
		blobBytesTotal.WithLabelValues(operation).Add(float64(bytes))
	}
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware returns HTTP middleware that records request metrics. The
// route pattern is used as the path label to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}

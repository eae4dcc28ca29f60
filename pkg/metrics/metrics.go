// Package metrics provides Prometheus metrics for the drive server and CLI.
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
			Name: "zgdrive_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zgdrive_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Relay metrics
	relayAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zgdrive_relay_attempts_total",
			Help: "Upstream fetch attempts made by the relay",
		},
		[]string{"outcome"},
	)

	relayBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zgdrive_relay_bytes_total",
			Help: "Total bytes streamed through the relay",
		},
	)

	// Transfer metrics
	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zgdrive_downloads_total",
			Help: "Download results by error class (ok on success)",
		},
		[]string{"class", "strategy"},
	)

	downloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zgdrive_download_bytes_total",
			Help: "Total bytes delivered by downloads",
		},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zgdrive_uploads_total",
			Help: "Upload results by status",
		},
		[]string{"status"},
	)

	uploadAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zgdrive_upload_attempts",
			Help:    "Submission attempts per upload",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	// Namespace metrics
	namespaceOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zgdrive_namespace_operations_total",
			Help: "Namespace operations by result",
		},
		[]string{"op", "result"},
	)

	namespaceDedupTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zgdrive_namespace_dedup_total",
			Help: "Calls that joined an in-flight identical operation",
		},
		[]string{"op"},
	)

	namespaceCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zgdrive_namespace_cache_total",
			Help: "Listing cache lookups",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRelayAttempt records one upstream attempt (ok, retry, timeout, memory, error).
func RecordRelayAttempt(outcome string) {
	relayAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordRelayBytes records bytes streamed to a relay client.
func RecordRelayBytes(n int64) {
	relayBytesTotal.Add(float64(n))
}

// RecordDownload records a finished download.
func RecordDownload(class, strategy string, bytes int64) {
	if class == "" {
		class = "ok"
	}
	downloadsTotal.WithLabelValues(class, strategy).Inc()
	downloadBytesTotal.Add(float64(bytes))
}

// RecordUpload records a finished upload.
func RecordUpload(status string, attempts int) {
	uploadsTotal.WithLabelValues(status).Inc()
	uploadAttempts.Observe(float64(attempts))
}

// RecordNamespaceOp records a namespace operation.
func RecordNamespaceOp(op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	namespaceOpsTotal.WithLabelValues(op, result).Inc()
}

// RecordDedup records a call that shared an in-flight result.
func RecordDedup(op string) {
	namespaceDedupTotal.WithLabelValues(op).Inc()
}

// RecordCacheLookup records a listing cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	namespaceCacheTotal.WithLabelValues(result).Inc()
}

// statusWriter captures the status code for the middleware.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request count and latency per route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := r.Pattern
		if path == "" {
			path = r.URL.Path
		}
		RecordHTTPRequest(r.Method, path, sw.status, time.Since(start))
	})
}

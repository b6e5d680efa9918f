package observability

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assistant_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Dispatch metrics
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_dispatch_total",
			Help: "Total number of dispatched messages by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	executorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assistant_executor_duration_seconds",
			Help:    "Agent executor call duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)

	// Store metrics
	storeRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_store_retries_total",
			Help: "Total number of retried history store operations",
		},
		[]string{"op"},
	)

	storeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_store_errors_total",
			Help: "Total number of history store operations that failed after retries",
		},
		[]string{"op"},
	)

	// System metrics
	memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "assistant_memory_usage_bytes",
			Help: "Memory usage in bytes",
		},
	)

	goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "assistant_goroutines",
			Help: "Number of goroutines",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the collectors with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			dispatchTotal,
			executorDuration,
			storeRetriesTotal,
			storeErrorsTotal,
			memoryUsage,
			goroutines,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatch counts one handled message. outcome is "ok" or an error kind.
func RecordDispatch(mode, outcome string) {
	dispatchTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordExecutorCall records how long the executor took for a mode.
func RecordExecutorCall(mode string, duration time.Duration) {
	executorDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordStoreRetry counts a retried store operation.
func RecordStoreRetry(op string) {
	storeRetriesTotal.WithLabelValues(op).Inc()
}

// RecordStoreError counts a store operation that exhausted its retries.
func RecordStoreError(op string) {
	storeErrorsTotal.WithLabelValues(op).Inc()
}

// SetMemoryUsage sets the memory usage gauge
func SetMemoryUsage(bytes uint64) {
	memoryUsage.Set(float64(bytes))
}

// SetGoroutines sets the goroutines gauge
func SetGoroutines(count int) {
	goroutines.Set(float64(count))
}

// RefreshSystemMetrics samples the runtime into the system gauges.
func RefreshSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	SetMemoryUsage(m.Alloc)
	SetGoroutines(runtime.NumGoroutine())
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Object store metrics
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Total number of object store operations",
		},
		[]string{"backend", "operation", "result"},
	)

	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storage_operation_duration_seconds",
			Help:    "Object store operation duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"backend", "operation"},
	)

	BatchInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "template_fetch_in_flight",
			Help: "Number of template object fetches currently running",
		},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_invalidations_total",
			Help: "Total number of full cache invalidations",
		},
		[]string{"cache"},
	)

	// Import metrics
	WorkflowImportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_imports_total",
			Help: "Total number of workflow import attempts by outcome",
		},
		[]string{"outcome", "status"},
	)

	TemplateUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "template_uploads_total",
			Help: "Total number of template uploads",
		},
		[]string{"result"},
	)
)

// RecordHTTPRequest records an HTTP request metric
func RecordHTTPRequest(method, path, status string) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordHTTPDuration records HTTP request duration
func RecordHTTPDuration(method, path string, duration float64) {
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordStorageOperation records an object store call and its latency
func RecordStorageOperation(backend, operation string, err error, duration float64) {
	result := "success"
	if err != nil {
		result = "error"
	}
	StorageOperationsTotal.WithLabelValues(backend, operation, result).Inc()
	StorageOperationDuration.WithLabelValues(backend, operation).Observe(duration)
}

// RecordImport records a workflow import outcome
func RecordImport(outcome, status string) {
	WorkflowImportsTotal.WithLabelValues(outcome, status).Inc()
}

// RecordUpload records a template upload outcome
func RecordUpload(err error) {
	if err != nil {
		TemplateUploadsTotal.WithLabelValues("error").Inc()
		return
	}
	TemplateUploadsTotal.WithLabelValues("success").Inc()
}

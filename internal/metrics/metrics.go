// Package metrics defines custom Prometheus metrics for GridStore.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridstore_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridstore_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridstore_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridstore_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Stream and bucket metrics.
var (
	// UploadsTotal counts finished upload streams by outcome
	// ("closed", "aborted", "failed").
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridstore_uploads_total",
			Help: "Upload streams by outcome",
		},
		[]string{"outcome"},
	)

	// DownloadsTotal counts finished download streams by outcome
	// ("complete", "closed", "failed").
	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridstore_downloads_total",
			Help: "Download streams by outcome",
		},
		[]string{"outcome"},
	)

	// ChunksWrittenTotal counts chunk records inserted.
	ChunksWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gridstore_chunks_written_total",
			Help: "Chunk records inserted",
		},
	)

	// ChunksReadTotal counts chunk records accepted by download streams.
	ChunksReadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gridstore_chunks_read_total",
			Help: "Chunk records read",
		},
	)

	// BytesUploadedTotal counts payload bytes of closed uploads.
	BytesUploadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gridstore_bytes_uploaded_total",
			Help: "Payload bytes stored by closed uploads",
		},
	)

	// BytesDownloadedTotal counts payload bytes delivered to readers.
	BytesDownloadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gridstore_bytes_downloaded_total",
			Help: "Payload bytes delivered by download streams",
		},
	)

	// IntegrityErrorsTotal counts chunk integrity failures by error code.
	IntegrityErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridstore_integrity_errors_total",
			Help: "Chunk integrity failures by code",
		},
		[]string{"code"},
	)

	// BucketOperationsTotal counts bucket operations by name and status.
	BucketOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridstore_bucket_operations_total",
			Help: "Bucket operations by type",
		},
		[]string{"operation", "status"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			UploadsTotal,
			DownloadsTotal,
			ChunksWrittenTotal,
			ChunksReadTotal,
			BytesUploadedTotal,
			BytesDownloadedTotal,
			IntegrityErrorsTotal,
			BucketOperationsTotal,
		)
		// Initialize the outcome series so they appear in /metrics output
		// before the first stream finishes.
		for _, o := range []string{"closed", "aborted", "failed"} {
			UploadsTotal.WithLabelValues(o)
		}
		for _, o := range []string{"complete", "closed", "failed"} {
			DownloadsTotal.WithLabelValues(o)
		}
	})
}

// ObserveBucketOp records one bucket operation.
func ObserveBucketOp(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	BucketOperationsTotal.WithLabelValues(operation, status).Inc()
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. This avoids high-cardinality
// labels from individual bucket names, file ids and filenames.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/healthz", "/readyz", "/metrics", "/openapi.json", "/openapi.yaml":
		return path
	case "/docs", "/docs/":
		return "/docs"
	case "/", "":
		return "/"
	}

	// Starts with /docs (Stoplight Elements assets).
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	if parts[0] != "buckets" {
		return "/other"
	}
	switch {
	case len(parts) == 1:
		return "/buckets"
	case len(parts) == 2:
		return "/buckets/{bucket}"
	case parts[2] == "files" && len(parts) == 3:
		return "/buckets/{bucket}/files"
	case parts[2] == "files":
		return "/buckets/{bucket}/files/{id}"
	case parts[2] == "by-name":
		return "/buckets/{bucket}/by-name/{filename}"
	}
	return "/buckets/{bucket}/other"
}

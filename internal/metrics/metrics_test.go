package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/healthz", "/healthz"},
		{"/readyz", "/readyz"},
		{"/docs", "/docs"},
		{"/docs/", "/docs"},
		{"/docs/something", "/docs"},
		{"/metrics", "/metrics"},
		{"/openapi.json", "/openapi.json"},
		{"/", "/"},
		{"", "/"},
		{"/buckets", "/buckets"},
		{"/buckets/fs", "/buckets/{bucket}"},
		{"/buckets/fs/", "/buckets/{bucket}"},
		{"/buckets/fs/files", "/buckets/{bucket}/files"},
		{"/buckets/fs/files/65a1b2c3d4e5f60718293a4b", "/buckets/{bucket}/files/{id}"},
		{"/buckets/photos/by-name/cat.png", "/buckets/{bucket}/by-name/{filename}"},
		{"/buckets/photos/by-name/a/b.png", "/buckets/{bucket}/by-name/{filename}"},
		{"/buckets/photos/unknown", "/buckets/{bucket}/other"},
		{"/favicon.ico", "/other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMetricsRegistered(t *testing.T) {
	Register()
	Register()

	HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.001)
	HTTPRequestSize.WithLabelValues("POST", "/buckets/{bucket}/files").Observe(1024)
	HTTPResponseSize.WithLabelValues("GET", "/buckets/{bucket}/files/{id}").Observe(2048)
	UploadsTotal.WithLabelValues("closed").Inc()
	DownloadsTotal.WithLabelValues("complete").Inc()
	ChunksWrittenTotal.Add(3)
	ChunksReadTotal.Add(3)
	BytesUploadedTotal.Add(1024)
	BytesDownloadedTotal.Add(1024)
	IntegrityErrorsTotal.WithLabelValues("CorruptChunk").Inc()
}

func TestObserveBucketOp(t *testing.T) {
	before := testutil.ToFloat64(BucketOperationsTotal.WithLabelValues("Rename", "error"))
	ObserveBucketOp("Rename", errors.New("boom"))
	ObserveBucketOp("Rename", nil)
	after := testutil.ToFloat64(BucketOperationsTotal.WithLabelValues("Rename", "error"))
	if after-before != 1 {
		t.Errorf("error counter moved by %v, want 1", after-before)
	}
	if got := testutil.ToFloat64(BucketOperationsTotal.WithLabelValues("Rename", "success")); got < 1 {
		t.Errorf("success counter = %v", got)
	}
}

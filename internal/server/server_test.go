package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bleepstore/gridstore/internal/clock"
	"github.com/bleepstore/gridstore/internal/config"
	"github.com/bleepstore/gridstore/internal/docstore"
	"github.com/bleepstore/gridstore/internal/gridfs"
	"github.com/bleepstore/gridstore/internal/handlers"
	"github.com/bleepstore/gridstore/internal/metrics"
)

func init() {
	// Register metrics once for the entire test binary so that tests
	// checking /metrics output see the expected collectors.
	metrics.Register()
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 9011},
		Observability: config.ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
		Bucket: config.BucketConfig{Name: "fs", ChunkSizeBytes: 4, BatchSize: 2},
	}
}

// newTestServer builds a server over an in-memory database.
func newTestServer(t *testing.T, cfg *config.Config, db docstore.Database) *Server {
	t.Helper()
	if db == nil {
		db = docstore.NewMemoryDatabase()
	}
	epoch := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv, err := New(cfg, db, WithBucketOptions(gridfs.WithClock(clock.Stepping(epoch, time.Second))))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return srv
}

// testRequest performs a request against the full middleware chain.
func testRequest(t *testing.T, srv *Server, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

type unreachableDB struct {
	*docstore.MemoryDatabase
}

func (unreachableDB) Ping(context.Context) error { return errors.New("connection refused") }

func TestNewRequiresDatabase(t *testing.T) {
	if _, err := New(testConfig(), nil); err == nil {
		t.Error("New without a database succeeded")
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)

	rec := testRequest(t, srv, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", rec.Code)
	}
	var body HealthBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Status != "ok" {
		t.Errorf("health body = %s (%v)", rec.Body.String(), err)
	}
	if rec := testRequest(t, srv, http.MethodHead, "/health", "", nil); rec.Code != http.StatusOK {
		t.Errorf("HEAD /health = %d", rec.Code)
	}
	if rec := testRequest(t, srv, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("GET /healthz = %d", rec.Code)
	}
	if rec := testRequest(t, srv, http.MethodGet, "/readyz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("GET /readyz = %d", rec.Code)
	}

	down := newTestServer(t, testConfig(), unreachableDB{docstore.NewMemoryDatabase()})
	if rec := testRequest(t, down, http.MethodGet, "/readyz", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz with unreachable store = %d", rec.Code)
	}
}

func TestObservabilityDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Observability = config.ObservabilityConfig{}
	srv := newTestServer(t, cfg, nil)
	for _, path := range []string{"/health", "/readyz", "/metrics"} {
		if rec := testRequest(t, srv, http.MethodGet, path, "", nil); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, rec.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)
	testRequest(t, srv, http.MethodPost, "/buckets/fs/files?filename=m.txt", "metrics", nil)

	rec := testRequest(t, srv, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	out := rec.Body.String()
	for _, want := range []string{
		`gridstore_http_requests_total{method="POST",path="/buckets/{bucket}/files",status="201"}`,
		"gridstore_chunks_written_total",
		`gridstore_uploads_total{outcome="closed"}`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("/metrics missing %s", want)
		}
	}
}

func TestRequestID(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)

	rec := testRequest(t, srv, http.MethodGet, "/health", "", nil)
	id := rec.Header().Get(handlers.HeaderRequestID)
	if len(id) != 16 {
		t.Errorf("generated request id = %q", id)
	}
	if rec.Header().Get("Server") != "GridStore" {
		t.Errorf("Server = %q", rec.Header().Get("Server"))
	}

	rec = testRequest(t, srv, http.MethodGet, "/buckets/fs/files/missing", "", map[string]string{
		handlers.HeaderRequestID: "client-7",
	})
	if got := rec.Header().Get(handlers.HeaderRequestID); got != "client-7" {
		t.Errorf("echoed request id = %q", got)
	}
	var body handlers.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.RequestID != "client-7" || body.Code != "FileNotFound" {
		t.Errorf("error body = %+v", body)
	}

	rec = testRequest(t, srv, http.MethodGet, "/health", "", map[string]string{
		handlers.HeaderRequestID: strings.Repeat("x", 200),
	})
	if got := rec.Header().Get(handlers.HeaderRequestID); len(got) != 16 {
		t.Errorf("oversized id not replaced: %q", got)
	}
}

func TestValidRequestID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"abc-123", true},
		{"", false},
		{"has space", false},
		{"tab\there", false},
		{"ünicode", false},
		{strings.Repeat("a", maxRequestIDLen), true},
		{strings.Repeat("a", maxRequestIDLen+1), false},
	}
	for _, tt := range tests {
		if got := validRequestID(tt.id); got != tt.want {
			t.Errorf("validRequestID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestBearerAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Token = "s3cret"
	srv := newTestServer(t, cfg, nil)

	if rec := testRequest(t, srv, http.MethodGet, "/buckets/fs/files", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated list = %d", rec.Code)
	}
	if rec := testRequest(t, srv, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Errorf("health without token = %d", rec.Code)
	}
	authz := map[string]string{"Authorization": "Bearer s3cret"}
	rec := testRequest(t, srv, http.MethodPost, "/buckets/fs/files?filename=a.txt", "hello", authz)
	if rec.Code != http.StatusCreated {
		t.Fatalf("authenticated upload = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := testRequest(t, srv, http.MethodGet, "/buckets/fs/by-name/a.txt", "", authz); rec.Body.String() != "hello" {
		t.Errorf("authenticated download = %d %q", rec.Code, rec.Body.String())
	}
}

func TestTransferEncodingCheck(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)
	req := httptest.NewRequest(http.MethodPost, "/buckets/fs/files?filename=x", strings.NewReader("x"))
	req.TransferEncoding = []string{"identity"}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("identity transfer encoding = %d", rec.Code)
	}
}

func TestRoundTripThroughGateway(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	content := strings.Repeat("grid", 9)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/buckets/media/files?filename=clip.bin", strings.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Gridstore-Meta-Camera", "a7")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var f gridfs.File
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || f.Length != int64(len(content)) || f.ChunkSize != 4 {
		t.Fatalf("upload = %d %+v", resp.StatusCode, f)
	}

	resp, err = http.Get(ts.URL + "/buckets/media/files/" + f.ID)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != content {
		t.Errorf("downloaded %q", got)
	}
	if resp.Header.Get("X-Gridstore-Meta-Camera") != "a7" {
		t.Errorf("metadata header = %q", resp.Header.Get("X-Gridstore-Meta-Camera"))
	}
	if resp.Header.Get(handlers.HeaderUploadDate) != "2026-03-01T12:00:00Z" {
		t.Errorf("upload date = %q", resp.Header.Get(handlers.HeaderUploadDate))
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv := newTestServer(t, testConfig(), nil)
	rec := testRequest(t, srv, http.MethodGet, "/openapi.json", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /openapi.json = %d", rec.Code)
	}
	var doc struct {
		Paths map[string]map[string]struct {
			OperationID string `json:"operationId"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"/health":                      "get",
		"/buckets":                     "get",
		"/buckets/{bucket}":            "delete",
		"/buckets/{bucket}/files":      "get",
		"/buckets/{bucket}/files/{id}": "patch",
	}
	for path, method := range want {
		if _, ok := doc.Paths[path][method]; !ok {
			t.Errorf("OpenAPI document lacks %s %s", strings.ToUpper(method), path)
		}
	}
	if op := doc.Paths["/buckets/{bucket}/files/{id}"]["delete"]; op.OperationID != "delete-file" {
		t.Errorf("delete operation id = %q", op.OperationID)
	}
}

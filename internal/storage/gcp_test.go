package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	gcs "cloud.google.com/go/storage"
)

// mockGCSClient implements GCSAPI over a map keyed by object name.
type mockGCSClient struct {
	mu      sync.Mutex
	objects map[string][]byte
	// failClose makes writers fail on Close, as GCS does for a rejected upload.
	failClose error
}

func newMockGCSClient() *mockGCSClient {
	return &mockGCSClient{objects: make(map[string][]byte)}
}

type mockGCSWriter struct {
	m    *mockGCSClient
	name string
	buf  bytes.Buffer
}

func (w *mockGCSWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *mockGCSWriter) Close() error {
	if w.m.failClose != nil {
		return w.m.failClose
	}
	w.m.mu.Lock()
	w.m.objects[w.name] = w.buf.Bytes()
	w.m.mu.Unlock()
	return nil
}

func (m *mockGCSClient) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return &mockGCSWriter{m: m, name: object}
}

func (m *mockGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[object]
	if !ok {
		return nil, 0, gcs.ErrObjectNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (m *mockGCSClient) Delete(ctx context.Context, bucket, object string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[object]; !ok {
		return gcs.ErrObjectNotExist
	}
	delete(m.objects, object)
	return nil
}

func (m *mockGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ObjectInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func (m *mockGCSClient) BucketExists(ctx context.Context, bucket string) error {
	return nil
}

func TestGCPBackend(t *testing.T) {
	mock := newMockGCSClient()
	exerciseBackend(t, NewGCPBackendWithClient("archives", "gs/", mock))
	for k := range mock.objects {
		if !strings.HasPrefix(k, "gs/") {
			t.Errorf("object %q stored outside the prefix", k)
		}
	}
}

func TestGCPBackendPutSurfacesCloseError(t *testing.T) {
	mock := newMockGCSClient()
	mock.failClose = errors.New("precondition failed")
	b := NewGCPBackendWithClient("archives", "", mock)
	if _, err := b.Put(context.Background(), "fs/a.gsa", strings.NewReader("data")); err == nil {
		t.Fatal("Put ignored a failed finalize")
	}
	if len(mock.objects) != 0 {
		t.Error("failed upload left an object")
	}
}

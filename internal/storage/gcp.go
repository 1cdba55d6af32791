package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/bleepstore/gridstore/internal/config"
)

// GCSAPI is the subset of Cloud Storage operations the backend uses. Tests
// substitute a mock.
type GCSAPI interface {
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
	// NewReader returns the object body and its size.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, bucket, object string) error
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	BucketExists(ctx context.Context, bucket string) error
}

type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/cbor"
	return w
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error) {
	r, err := c.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, 0, err
	}
	return r, r.Attrs.Size, nil
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var out []ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ObjectInfo{Key: attrs.Name, Size: attrs.Size})
	}
	return out, nil
}

func (c *realGCSClient) BucketExists(ctx context.Context, bucket string) error {
	_, err := c.client.Bucket(bucket).Attrs(ctx)
	return err
}

// GCPBackend stores archives in a Cloud Storage bucket under Prefix.
// Credentials come from CredentialsFile when set, otherwise from Application
// Default Credentials.
type GCPBackend struct {
	Bucket string
	Prefix string
	client GCSAPI
}

// NewGCPBackend creates a Cloud Storage client and checks the bucket.
func NewGCPBackend(ctx context.Context, cfg config.GCPConfig) (*GCPBackend, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	b := NewGCPBackendWithClient(cfg.Bucket, cfg.Prefix, &realGCSClient{client: client})
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access GCS bucket %q: %w", cfg.Bucket, err)
	}
	slog.Info("GCP archive backend initialized", "bucket", cfg.Bucket, "project", cfg.Project, "prefix", cfg.Prefix)
	return b, nil
}

// NewGCPBackendWithClient wires a pre-built client, typically a mock.
func NewGCPBackendWithClient(bucket, prefix string, client GCSAPI) *GCPBackend {
	return &GCPBackend{Bucket: bucket, Prefix: prefix, client: client}
}

// Put streams r into a resumable upload; the object appears on Close.
func (b *GCPBackend) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := validKey(key); err != nil {
		return 0, err
	}
	w := b.client.NewWriter(ctx, b.Bucket, b.Prefix+key)
	n, err := io.Copy(w, r)
	if err != nil {
		_ = w.Close()
		return 0, fmt.Errorf("uploading %q to GCS: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("finalizing GCS upload of %q: %w", key, err)
	}
	return n, nil
}

func (b *GCPBackend) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	rc, size, err := b.client.NewReader(ctx, b.Bucket, b.Prefix+key)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, 0, fmt.Errorf("reading %q from GCS: %w", key, err)
	}
	return rc, size, nil
}

func (b *GCPBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Delete(ctx, b.Bucket, b.Prefix+key); err != nil {
		if isGCSNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("deleting %q from GCS: %w", key, err)
	}
	return nil
}

func (b *GCPBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	objs, err := b.client.ListObjects(ctx, b.Bucket, b.Prefix+prefix)
	if err != nil {
		return nil, fmt.Errorf("listing GCS objects: %w", err)
	}
	out := make([]ObjectInfo, 0, len(objs))
	for _, o := range objs {
		out = append(out, ObjectInfo{Key: strings.TrimPrefix(o.Key, b.Prefix), Size: o.Size})
	}
	return sortInfos(out), nil
}

// HealthCheck reads the bucket attributes.
func (b *GCPBackend) HealthCheck(ctx context.Context) error {
	return b.client.BucketExists(ctx, b.Bucket)
}

func isGCSNotFound(err error) bool {
	return errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist)
}

var _ Backend = (*GCPBackend)(nil)

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/bleepstore/gridstore/internal/config"
)

// AzureBlobAPI is the subset of Blob Storage operations the backend uses.
// Tests substitute a mock.
type AzureBlobAPI interface {
	// UploadBlob uploads data to a block blob, overwriting it if present.
	UploadBlob(ctx context.Context, containerName, blobName string, data []byte) error
	// DownloadBlob opens a blob and reports its size.
	DownloadBlob(ctx context.Context, containerName, blobName string) (io.ReadCloser, int64, error)
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	ListBlobs(ctx context.Context, containerName, prefix string) ([]ObjectInfo, error)
	ContainerExists(ctx context.Context, containerName string) error
}

// AzureBackend stores archives as block blobs in one container under Prefix.
type AzureBackend struct {
	Container string
	Prefix    string
	client    AzureBlobAPI
}

// NewAzureBackend authenticates, builds the client and checks the container.
func NewAzureBackend(ctx context.Context, cfg config.AzureConfig) (*AzureBackend, error) {
	accountURL := cfg.AccountURL
	if accountURL == "" && cfg.Account != "" {
		accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	client, err := newRealAzureClient(accountURL, cfg.ConnectionString, cfg.UseManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}
	b := NewAzureBackendWithClient(cfg.Container, cfg.Prefix, client)
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access Azure container %q: %w", cfg.Container, err)
	}
	slog.Info("Azure archive backend initialized", "container", cfg.Container, "account", accountURL, "prefix", cfg.Prefix)
	return b, nil
}

// NewAzureBackendWithClient wires a pre-built client, typically a mock.
func NewAzureBackendWithClient(container, prefix string, client AzureBlobAPI) *AzureBackend {
	return &AzureBackend{Container: container, Prefix: prefix, client: client}
}

// Put buffers r and uploads it in a single request.
func (b *AzureBackend) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := validKey(key); err != nil {
		return 0, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("reading archive data: %w", err)
	}
	if err := b.client.UploadBlob(ctx, b.Container, b.Prefix+key, data); err != nil {
		return 0, fmt.Errorf("uploading %q to Azure: %w", key, err)
	}
	return int64(len(data)), nil
}

func (b *AzureBackend) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	rc, size, err := b.client.DownloadBlob(ctx, b.Container, b.Prefix+key)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, 0, fmt.Errorf("downloading %q from Azure: %w", key, err)
	}
	return rc, size, nil
}

func (b *AzureBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.DeleteBlob(ctx, b.Container, b.Prefix+key); err != nil {
		if isAzureNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("deleting %q from Azure: %w", key, err)
	}
	return nil
}

func (b *AzureBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	blobs, err := b.client.ListBlobs(ctx, b.Container, b.Prefix+prefix)
	if err != nil {
		return nil, fmt.Errorf("listing Azure blobs: %w", err)
	}
	out := make([]ObjectInfo, 0, len(blobs))
	for _, o := range blobs {
		out = append(out, ObjectInfo{Key: strings.TrimPrefix(o.Key, b.Prefix), Size: o.Size})
	}
	return sortInfos(out), nil
}

// HealthCheck reads the container properties.
func (b *AzureBackend) HealthCheck(ctx context.Context) error {
	return b.client.ContainerExists(ctx, b.Container)
}

func isAzureNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

var _ Backend = (*AzureBackend)(nil)

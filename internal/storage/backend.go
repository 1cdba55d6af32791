// Package storage holds the blob backends GridStore writes bucket archives to.
//
// A backend is a flat key/value blob store. Keys are slash-separated paths
// such as "photos/2024-05-01T10-00-00Z.gsa"; backends with a configured
// prefix prepend it to every key on the wire and strip it again in List.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/bleepstore/gridstore/internal/config"
)

// ErrNotFound is returned by Get and Delete when a key does not exist.
var ErrNotFound = errors.New("storage: object not found")

// ObjectInfo describes one stored blob.
type ObjectInfo struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// Backend is the interface every archive store implements.
type Backend interface {
	// Put stores the contents of r under key, replacing any existing blob,
	// and returns the number of bytes written.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)

	// Get opens the blob stored under key. The caller must close the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// Delete removes the blob stored under key.
	Delete(ctx context.Context, key string) error

	// List returns the blobs whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// Open builds the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.ArchiveConfig) (Backend, error) {
	switch cfg.Backend {
	case "local":
		return NewLocalBackend(cfg.Local.RootDir)
	case "memory":
		return NewMemoryBackend(), nil
	case "sqlite":
		return NewSQLiteBackend(cfg.SQLite.Path)
	case "aws":
		return NewAWSBackend(ctx, cfg.AWS)
	case "gcp":
		return NewGCPBackend(ctx, cfg.GCP)
	case "azure":
		return NewAzureBackend(ctx, cfg.Azure)
	}
	return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
}

// validKey rejects keys that would escape a prefix or a root directory.
func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("storage: invalid key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("storage: invalid key %q", key)
		}
	}
	return nil
}

func sortInfos(infos []ObjectInfo) []ObjectInfo {
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// MemoryBackend keeps archives in a map. Contents are lost on exit.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string][]byte)}
}

// Put reads r fully and stores a private copy.
func (b *MemoryBackend) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := validKey(key); err != nil {
		return 0, err
	}
	data, err := io.ReadAll(contextReader{ctx, r})
	if err != nil {
		return 0, fmt.Errorf("reading archive data: %w", err)
	}
	b.mu.Lock()
	b.objects[key] = data
	b.mu.Unlock()
	return int64(len(data)), nil
}

// Get returns a reader over the stored bytes.
func (b *MemoryBackend) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	b.mu.RLock()
	data, ok := b.objects[key]
	b.mu.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// Delete removes key.
func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(b.objects, key)
	return nil
}

// List returns every key with the prefix.
func (b *MemoryBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []ObjectInfo
	for k, v := range b.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	return sortInfos(out), nil
}

// HealthCheck always succeeds.
func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	return nil
}

var _ Backend = (*MemoryBackend)(nil)

package handlers

import (
	"context"
	"sort"
	"sync"

	"github.com/bleepstore/gridstore/internal/docstore"
	gerrors "github.com/bleepstore/gridstore/internal/errors"
	"github.com/bleepstore/gridstore/internal/gridfs"
)

// Registry hands out one bucket per name, all built from the same template
// over one database.
type Registry struct {
	db       docstore.Database
	template []gridfs.BucketOption

	mu      sync.Mutex
	buckets map[string]*gridfs.Bucket
}

// NewRegistry returns a registry over db. template is applied to every
// bucket before its name.
func NewRegistry(db docstore.Database, template ...gridfs.BucketOption) *Registry {
	return &Registry{
		db:       db,
		template: template,
		buckets:  make(map[string]*gridfs.Bucket),
	}
}

// Bucket returns the bucket called name, building it on first use.
func (r *Registry) Bucket(name string) (*gridfs.Bucket, error) {
	if msg := validateBucketName(name); msg != "" {
		return nil, gerrors.ErrInvalidArgument.WithMessage("%s", msg)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[name]; ok {
		return b, nil
	}
	opts := append(append([]gridfs.BucketOption(nil), r.template...), gridfs.BucketName(name))
	b, err := gridfs.NewBucket(r.db, opts...)
	if err != nil {
		return nil, err
	}
	r.buckets[name] = b
	return b, nil
}

// Names returns the buckets used since the registry was built, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.buckets))
	for name := range r.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Ping checks the underlying database.
func (r *Registry) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

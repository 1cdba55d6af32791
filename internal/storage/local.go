package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bleepstore/gridstore/internal/uid"
)

// LocalBackend stores archives as files under RootDir.
type LocalBackend struct {
	// RootDir is the base directory under which all archives are stored.
	RootDir string
}

// NewLocalBackend creates a LocalBackend rooted at the given directory,
// creating the root and its .tmp directory if needed, and removes temp files
// left by interrupted writes.
func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	tmpDir := filepath.Join(rootDir, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory %q: %w", tmpDir, err)
	}
	b := &LocalBackend{RootDir: rootDir}
	if err := b.CleanTempFiles(); err != nil {
		return nil, err
	}
	return b, nil
}

// CleanTempFiles removes everything in the .tmp directory.
func (b *LocalBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

func (b *LocalBackend) path(key string) string {
	return filepath.Join(b.RootDir, filepath.FromSlash(key))
}

// Put writes to a temp file, fsyncs, then renames into place so readers
// never observe a partial archive.
func (b *LocalBackend) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := validKey(key); err != nil {
		return 0, err
	}
	if strings.HasPrefix(key, ".tmp/") {
		return 0, fmt.Errorf("storage: invalid key %q", key)
	}
	dst := b.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("creating parent directories for %q: %w", key, err)
	}

	tmpPath := filepath.Join(b.RootDir, ".tmp", "tmp-"+uid.New())
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	n, err := io.Copy(tmp, contextReader{ctx, r})
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("writing archive data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("renaming temp file to final path: %w", err)
	}
	return n, nil
}

// Get opens the archive file. The caller closes it.
func (b *LocalBackend) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if err := validKey(key); err != nil {
		return nil, 0, err
	}
	f, err := os.Open(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, 0, fmt.Errorf("opening archive %q: %w", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat archive %q: %w", key, err)
	}
	return f, info.Size(), nil
}

// Delete removes the archive file and any parent directories it leaves empty.
func (b *LocalBackend) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	p := b.path(key)
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("deleting archive %q: %w", key, err)
	}
	root := filepath.Clean(b.RootDir)
	for dir := filepath.Dir(p); dir != root && strings.HasPrefix(dir, root); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

// List walks the root directory, skipping .tmp.
func (b *LocalBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := filepath.WalkDir(b.RootDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".tmp" && filepath.Dir(p) == filepath.Clean(b.RootDir) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(b.RootDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{Key: key, Size: info.Size()})
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("listing archives: %w", err)
	}
	return sortInfos(out), nil
}

// HealthCheck verifies the root directory is still present.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	info, err := os.Stat(b.RootDir)
	if err != nil {
		return fmt.Errorf("archive root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("archive root %q is not a directory", b.RootDir)
	}
	return nil
}

// contextReader stops a copy once ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

var _ Backend = (*LocalBackend)(nil)

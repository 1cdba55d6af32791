package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bleepstore/gridstore/internal/gridfs"
	"github.com/bleepstore/gridstore/internal/storage"
)

// Ext is the file extension of archive keys.
const Ext = ".gsa"

// Key names an archive of bucket taken at t. Keys of one bucket sort in
// time order.
func Key(bucket string, t time.Time) string {
	return bucket + "/" + t.UTC().Format("20060102T150405.000Z") + Ext
}

var errUploadStopped = errors.New("archive upload stopped reading")

// ExportTo streams an export of b straight into backend under key.
func ExportTo(ctx context.Context, b *gridfs.Bucket, backend storage.Backend, key string, opts ExportOptions) (Summary, int64, error) {
	pr, pw := io.Pipe()
	type result struct {
		sum Summary
		err error
	}
	done := make(chan result, 1)
	go func() {
		sum, err := Export(ctx, b, pw, opts)
		pw.CloseWithError(err)
		done <- result{sum, err}
	}()

	n, putErr := backend.Put(ctx, key, pr)
	// Unblock the exporter if the backend stopped reading early.
	pr.CloseWithError(errUploadStopped)
	res := <-done
	if res.err != nil && (putErr == nil || !errors.Is(res.err, errUploadStopped)) {
		return res.sum, 0, res.err
	}
	if putErr != nil {
		return res.sum, 0, fmt.Errorf("storing archive %q: %w", key, putErr)
	}
	return res.sum, n, nil
}

// ImportFrom imports the archive stored under key into b.
func ImportFrom(ctx context.Context, b *gridfs.Bucket, backend storage.Backend, key string, opts ImportOptions) (Summary, error) {
	rc, _, err := backend.Get(ctx, key)
	if err != nil {
		return Summary{}, err
	}
	defer rc.Close()
	return Import(ctx, b, rc, opts)
}

// List returns the archives stored for bucket, oldest first.
func List(ctx context.Context, backend storage.Backend, bucket string) ([]storage.ObjectInfo, error) {
	infos, err := backend.List(ctx, bucket+"/")
	if err != nil {
		return nil, err
	}
	out := infos[:0]
	for _, info := range infos {
		if strings.HasSuffix(info.Key, Ext) {
			out = append(out, info)
		}
	}
	return out, nil
}

// Latest returns the key of the newest archive of bucket.
func Latest(ctx context.Context, backend storage.Backend, bucket string) (string, error) {
	infos, err := List(ctx, backend, bucket)
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "", fmt.Errorf("%w: no archives for bucket %q", storage.ErrNotFound, bucket)
	}
	return infos[len(infos)-1].Key, nil
}

package gridfs

import (
	"context"
	"io"

	"github.com/bleepstore/gridstore/internal/docstore"
)

// The *Async stream methods claim the stream synchronously, so a second
// operation issued before the callback runs fails with ErrConcurrentUsage
// exactly as with the blocking methods. The callback runs on its own
// goroutine after the stream has been released, which lets it issue the
// next operation. Buffers passed in must not be touched until the callback
// runs.

// WriteAsync is the callback form of Write.
func (u *UploadStream) WriteAsync(p []byte, done func(int, error)) {
	if err := u.acquire(); err != nil {
		go done(0, err)
		return
	}
	go func() {
		n, err := u.write(p)
		u.release()
		done(n, err)
	}()
}

// CloseAsync is the callback form of Close.
func (u *UploadStream) CloseAsync(done func(error)) {
	if err := u.acquire(); err != nil {
		go done(err)
		return
	}
	go func() {
		err := u.close()
		u.release()
		done(err)
	}()
}

// AbortAsync is the callback form of Abort.
func (u *UploadStream) AbortAsync(done func(error)) {
	go func() { done(u.Abort()) }()
}

// ReadAsync is the callback form of Read.
func (d *DownloadStream) ReadAsync(p []byte, done func(int, error)) {
	if err := d.acquire(); err != nil {
		go done(0, err)
		return
	}
	go func() {
		n, err := d.read(p)
		d.release()
		done(n, err)
	}()
}

// SkipAsync is the callback form of Skip.
func (d *DownloadStream) SkipAsync(n int64, done func(int64, error)) {
	if err := d.acquire(); err != nil {
		go done(0, err)
		return
	}
	go func() {
		skipped, err := d.skip(n)
		d.release()
		done(skipped, err)
	}()
}

// CloseAsync is the callback form of Close.
func (d *DownloadStream) CloseAsync(done func(error)) {
	go func() { done(d.Close()) }()
}

// AsyncBucket exposes every Bucket operation with a completion callback.
// Each call starts one goroutine and invokes the callback exactly once.
type AsyncBucket struct {
	b *Bucket
}

// NewAsyncBucket wraps b.
func NewAsyncBucket(b *Bucket) *AsyncBucket { return &AsyncBucket{b: b} }

// Bucket returns the blocking bucket behind a.
func (a *AsyncBucket) Bucket() *Bucket { return a.b }

func (a *AsyncBucket) OpenUploadStream(ctx context.Context, filename string, opts *UploadOptions, done func(*UploadStream, error)) {
	go func() { done(a.b.OpenUploadStream(ctx, filename, opts)) }()
}

func (a *AsyncBucket) OpenDownloadStream(ctx context.Context, id string, opts *DownloadOptions, done func(*DownloadStream, error)) {
	go func() { done(a.b.OpenDownloadStream(ctx, id, opts)) }()
}

func (a *AsyncBucket) OpenDownloadStreamByName(ctx context.Context, filename string, opts *DownloadOptions, done func(*DownloadStream, error)) {
	go func() { done(a.b.OpenDownloadStreamByName(ctx, filename, opts)) }()
}

// Find collects every matching record before calling done.
func (a *AsyncBucket) Find(ctx context.Context, filter docstore.Filter, opts *FindOptions, done func([]File, error)) {
	go func() {
		cur, err := a.b.Find(ctx, filter, opts)
		if err != nil {
			done(nil, err)
			return
		}
		done(cur.All(ctx))
	}()
}

func (a *AsyncBucket) Delete(ctx context.Context, id string, opts *OpOptions, done func(error)) {
	go func() { done(a.b.Delete(ctx, id, opts)) }()
}

func (a *AsyncBucket) Rename(ctx context.Context, id, newFilename string, opts *OpOptions, done func(error)) {
	go func() { done(a.b.Rename(ctx, id, newFilename, opts)) }()
}

func (a *AsyncBucket) Drop(ctx context.Context, opts *OpOptions, done func(error)) {
	go func() { done(a.b.Drop(ctx, opts)) }()
}

func (a *AsyncBucket) UploadFromStream(ctx context.Context, filename string, r io.Reader, opts *UploadOptions, done func(string, error)) {
	go func() { done(a.b.UploadFromStream(ctx, filename, r, opts)) }()
}

func (a *AsyncBucket) DownloadToStream(ctx context.Context, id string, w io.Writer, opts *DownloadOptions, done func(int64, error)) {
	go func() { done(a.b.DownloadToStream(ctx, id, w, opts)) }()
}

func (a *AsyncBucket) DownloadToStreamByName(ctx context.Context, filename string, w io.Writer, opts *DownloadOptions, done func(int64, error)) {
	go func() { done(a.b.DownloadToStreamByName(ctx, filename, w, opts)) }()
}

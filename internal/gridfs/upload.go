package gridfs

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bleepstore/gridstore/internal/docstore"
	gerrors "github.com/bleepstore/gridstore/internal/errors"
	"github.com/bleepstore/gridstore/internal/metrics"
)

type uploadState int

const (
	uploadOpen uploadState = iota
	uploadFailed
	uploadClosed
	uploadAborted
)

// UploadStream writes one file. Content is split into chunks that are
// inserted as each fills up; the files document is written by Close, which
// is the moment the file becomes visible. A stream allows one caller
// operation at a time: an overlapping Write or Close fails with
// ErrConcurrentUsage. Abort is the exception and waits for an in-flight
// chunk insertion to finish.
//
// After a collection call fails, Write and Close return ErrStreamFailed
// wrapping the cause. Chunks already written stay in place until Abort.
type UploadStream struct {
	bucket    *Bucket
	ctx       context.Context
	sess      docstore.Session
	id        string
	filename  string
	chunkSize int32
	metadata  docstore.Document
	date      time.Time
	log       *slog.Logger

	busy atomic.Bool

	// mu guards everything below and is held for the duration of every
	// collection call.
	mu     sync.Mutex
	state  uploadState
	cause  error
	buf    []byte
	next    int64
	length  int64
	indexed bool
}

// ID returns the id the file will be stored under.
func (u *UploadStream) ID() string { return u.id }

// Filename returns the name the file will be stored under.
func (u *UploadStream) Filename() string { return u.filename }

// ChunkSize returns the chunk size used by this stream.
func (u *UploadStream) ChunkSize() int32 { return u.chunkSize }

func (u *UploadStream) acquire() error {
	if !u.busy.CompareAndSwap(false, true) {
		return gerrors.ErrConcurrentUsage
	}
	return nil
}

func (u *UploadStream) release() { u.busy.Store(false) }

// Write buffers p, inserting a chunk each time chunkSize bytes are
// buffered. It returns the number of bytes accepted.
func (u *UploadStream) Write(p []byte) (int, error) {
	if err := u.acquire(); err != nil {
		return 0, err
	}
	defer u.release()
	return u.write(p)
}

func (u *UploadStream) write(p []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.usableLocked(); err != nil {
		return 0, err
	}
	written := 0
	for len(p) > 0 {
		if u.buf == nil {
			u.buf = make([]byte, 0, u.chunkSize)
		}
		n := copy(u.buf[len(u.buf):cap(u.buf)], p)
		u.buf = u.buf[:len(u.buf)+n]
		p = p[n:]
		written += n
		u.length += int64(n)
		if len(u.buf) == int(u.chunkSize) {
			if err := u.flushLocked(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// usableLocked reports why the stream cannot accept Write or Close.
func (u *UploadStream) usableLocked() error {
	switch u.state {
	case uploadFailed:
		return gerrors.StreamFailed(u.cause)
	case uploadClosed, uploadAborted:
		return gerrors.ErrStreamClosed
	}
	return nil
}

// failLocked records cause and moves the stream to the failed state.
func (u *UploadStream) failLocked(cause error) error {
	u.state = uploadFailed
	u.cause = cause
	u.log.Warn("Upload failed", "error", cause)
	metrics.UploadsTotal.WithLabelValues("failed").Inc()
	return gerrors.StreamFailed(cause)
}

// indexLocked runs the bucket's index check once per stream.
func (u *UploadStream) indexLocked() error {
	if u.indexed {
		return nil
	}
	if err := u.bucket.ensureIndexes(u.ctx, u.sess); err != nil {
		return err
	}
	u.indexed = true
	return nil
}

// flushLocked inserts the buffered bytes as the next chunk.
func (u *UploadStream) flushLocked() error {
	if err := u.indexLocked(); err != nil {
		return u.failLocked(err)
	}
	doc := newChunkDocument(u.id, u.next, u.buf)
	if _, err := u.bucket.chunks.InsertOne(u.ctx, u.sess, doc); err != nil {
		return u.failLocked(err)
	}
	u.log.Debug("Chunk written", "n", u.next, "size", len(u.buf))
	metrics.ChunksWrittenTotal.Inc()
	u.next++
	u.buf = nil
	return nil
}

// Close writes the final partial chunk and then the files document. Closing
// a closed stream is a no-op.
func (u *UploadStream) Close() error {
	if err := u.acquire(); err != nil {
		return err
	}
	defer u.release()
	return u.close()
}

func (u *UploadStream) close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == uploadClosed {
		return nil
	}
	if err := u.usableLocked(); err != nil {
		return err
	}
	if len(u.buf) > 0 {
		if err := u.flushLocked(); err != nil {
			return err
		}
	}
	if err := u.indexLocked(); err != nil {
		return u.failLocked(err)
	}
	date := u.date
	if date.IsZero() {
		date = u.bucket.clock.Now()
	}
	f := File{
		ID:         u.id,
		Length:     u.length,
		ChunkSize:  u.chunkSize,
		UploadDate: date.UTC().Truncate(time.Millisecond),
		Name:       u.filename,
		Metadata:   u.metadata,
	}
	if _, err := u.bucket.files.InsertOne(u.ctx, u.sess, f.document()); err != nil {
		return u.failLocked(err)
	}
	u.state = uploadClosed
	u.log.Info("Upload closed", "length", u.length, "chunks", u.next)
	metrics.UploadsTotal.WithLabelValues("closed").Inc()
	metrics.BytesUploadedTotal.Add(float64(u.length))
	return nil
}

// Abort removes every chunk written under the stream's id and discards the
// buffer. The files document is never written. Abort is allowed from the
// open and failed states; aborting twice is a no-op and aborting a closed
// stream fails with ErrStreamClosed.
func (u *UploadStream) Abort() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch u.state {
	case uploadAborted:
		return nil
	case uploadClosed:
		return gerrors.ErrStreamClosed
	}
	u.buf = nil
	removed, err := u.bucket.chunks.DeleteMany(u.ctx, u.sess, docstore.Eq(fieldFilesID, u.id))
	if err != nil {
		if u.state != uploadFailed {
			u.failLocked(err)
		}
		return gerrors.StreamFailed(err)
	}
	if u.state != uploadFailed {
		metrics.UploadsTotal.WithLabelValues("aborted").Inc()
	}
	u.state = uploadAborted
	u.log.Info("Upload aborted", "chunks_removed", removed)
	return nil
}

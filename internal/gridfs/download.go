package gridfs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bleepstore/gridstore/internal/docstore"
	gerrors "github.com/bleepstore/gridstore/internal/errors"
	"github.com/bleepstore/gridstore/internal/metrics"
)

type downloadState int

const (
	downloadStreaming downloadState = iota
	downloadFailed
	downloadClosed
)

// DownloadStream reads the content of one resolved file. Chunks are fetched
// in batches ordered by index and validated before any of their bytes are
// delivered; a gap, a repeated index, a wrong payload length or running out
// of chunks fails the stream permanently. One Read or Skip may be in
// progress at a time. Close may be called at any time from any goroutine.
type DownloadStream struct {
	chunks    docstore.Collection
	sess      docstore.Session
	file      File
	batchSize int32
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	busy atomic.Bool

	// mu guards the fields below. It is not held while chunks are fetched,
	// so Close never waits for a query.
	mu       sync.Mutex
	state    downloadState
	err      error
	finished bool
	pos      int64
	next     int64
	discard  int64
	cur      []byte
	batch    []docstore.Document
}

// File returns the record the stream was opened on.
func (d *DownloadStream) File() File { return d.file }

// Length returns the total content length.
func (d *DownloadStream) Length() int64 { return d.file.Length }

func (d *DownloadStream) acquire() error {
	if !d.busy.CompareAndSwap(false, true) {
		return gerrors.ErrConcurrentUsage
	}
	return nil
}

func (d *DownloadStream) release() { d.busy.Store(false) }

// Read delivers the next bytes of content, returning io.EOF once Length
// bytes were read.
func (d *DownloadStream) Read(p []byte) (int, error) {
	if err := d.acquire(); err != nil {
		return 0, err
	}
	defer d.release()
	return d.read(p)
}

func (d *DownloadStream) read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		if err := d.usableLocked(); err != nil {
			return 0, err
		}
		if d.pos >= d.file.Length {
			d.finishLocked("complete")
			return 0, io.EOF
		}
		if len(p) == 0 {
			return 0, nil
		}
		if len(d.cur) > 0 {
			n := copy(p, d.cur)
			d.cur = d.cur[n:]
			d.pos += int64(n)
			metrics.BytesDownloadedTotal.Add(float64(n))
			return n, nil
		}
		if len(d.batch) > 0 {
			if err := d.acceptLocked(); err != nil {
				return 0, err
			}
			continue
		}
		if err := d.fetchLocked(); err != nil {
			return 0, err
		}
	}
}

func (d *DownloadStream) usableLocked() error {
	switch d.state {
	case downloadClosed:
		return gerrors.ErrStreamClosed
	case downloadFailed:
		return d.err
	}
	return nil
}

func (d *DownloadStream) finishLocked(outcome string) {
	if d.finished {
		return
	}
	d.finished = true
	metrics.DownloadsTotal.WithLabelValues(outcome).Inc()
}

func (d *DownloadStream) failLocked(err error) error {
	d.state = downloadFailed
	d.err = err
	d.cur, d.batch = nil, nil
	if ge, ok := gerrors.As(err); ok && ge.Code != gerrors.ErrStreamFailed.Code {
		metrics.IntegrityErrorsTotal.WithLabelValues(ge.Code).Inc()
	}
	d.log.Warn("Download failed", "error", err, "n", d.next)
	d.finishLocked("failed")
	return err
}

// acceptLocked validates the first chunk of the batch and makes it current.
func (d *DownloadStream) acceptLocked() error {
	doc := d.batch[0]
	d.batch = d.batch[1:]
	c, err := chunkFromDocument(doc)
	if err == nil {
		err = checkChunk(d.file, c, d.next)
	}
	if err != nil {
		return d.failLocked(err)
	}
	metrics.ChunksReadTotal.Inc()
	d.next++
	d.cur = c.Data
	if d.discard > 0 {
		d.cur = d.cur[d.discard:]
		d.discard = 0
	}
	return nil
}

// fetchLocked queries the next batch of chunks. mu is released for the
// duration of the query; if the stream was closed meanwhile the results
// are dropped.
func (d *DownloadStream) fetchLocked() error {
	remaining := d.file.NumChunks() - d.next
	limit := int64(d.batchSize)
	if remaining < limit {
		limit = remaining
	}
	filter := docstore.Eq(fieldFilesID, d.file.ID).And(fieldN, docstore.OpGte, d.next)
	opts := &docstore.FindOptions{
		Sort:      []docstore.SortField{docstore.Asc(fieldN)},
		Limit:     limit,
		BatchSize: d.batchSize,
	}

	d.mu.Unlock()
	docs, err := d.query(filter, opts)
	d.mu.Lock()

	if d.state == downloadClosed {
		return gerrors.ErrStreamClosed
	}
	if err != nil {
		if errors.Is(err, context.Canceled) && d.ctx.Err() != nil {
			return gerrors.ErrStreamClosed
		}
		return d.failLocked(gerrors.StreamFailed(err))
	}
	if len(docs) == 0 {
		return d.failLocked(gerrors.ErrTruncatedFile.WithMessage("file %q: chunk %d of %d not found, %d of %d bytes delivered",
			d.file.ID, d.next, d.file.NumChunks(), d.pos, d.file.Length))
	}
	d.batch = docs
	return nil
}

func (d *DownloadStream) query(filter docstore.Filter, opts *docstore.FindOptions) ([]docstore.Document, error) {
	cur, err := d.chunks.Find(d.ctx, d.sess, filter, opts)
	if err != nil {
		return nil, err
	}
	return docstore.All(d.ctx, cur)
}

// Skip advances the read position by up to n bytes without delivering
// them and returns how many bytes were skipped. Skipping past the current
// chunk repositions the next fetch on the chunk holding the new position.
func (d *DownloadStream) Skip(n int64) (int64, error) {
	if err := d.acquire(); err != nil {
		return 0, err
	}
	defer d.release()
	return d.skip(n)
}

func (d *DownloadStream) skip(n int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, nil
	}
	target := d.pos + n
	if target > d.file.Length {
		target = d.file.Length
	}
	skipped := target - d.pos
	if skipped <= int64(len(d.cur)) {
		d.cur = d.cur[skipped:]
		d.pos = target
		return skipped, nil
	}
	size := int64(d.file.ChunkSize)
	d.cur, d.batch = nil, nil
	d.pos = target
	d.next = target / size
	d.discard = target % size
	return skipped, nil
}

// Close releases the stream. It is idempotent, and cancels a fetch that is
// in progress on another goroutine.
func (d *DownloadStream) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == downloadClosed {
		return nil
	}
	d.state = downloadClosed
	d.cancel()
	d.cur, d.batch = nil, nil
	d.finishLocked("closed")
	return nil
}

// Package gridfs stores large files in a document database as a sequence of
// fixed-size chunk records plus one metadata record per file. A bucket named
// "fs" keeps its metadata in the "fs.files" collection and its content in
// "fs.chunks".
//
// Uploads write every chunk first and the files document last, so a file is
// visible exactly when its upload stream closes. Downloads resolve the files
// document first and then stream the chunks in index order, checking each
// one against the recorded length and chunk size.
package gridfs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bleepstore/gridstore/internal/clock"
	"github.com/bleepstore/gridstore/internal/docstore"
	gerrors "github.com/bleepstore/gridstore/internal/errors"
	"github.com/bleepstore/gridstore/internal/metrics"
	"github.com/bleepstore/gridstore/internal/uid"
)

const (
	// DefaultBucketName is the bucket name used when none is configured.
	DefaultBucketName = "fs"
	// DefaultChunkSize is 255 KiB.
	DefaultChunkSize int32 = 255 * 1024
	// DefaultBatchSize is the number of chunks a download fetches per query.
	DefaultBatchSize int32 = 32

	maxChunkSize = 16 << 20
)

// Bucket is an immutable handle on one bucket. The With* methods return
// derived buckets and never modify the receiver, so a Bucket may be shared
// freely between goroutines.
type Bucket struct {
	db        docstore.Database
	name      string
	chunkSize int32
	collOpts  docstore.CollectionOptions
	files     docstore.Collection
	chunks    docstore.Collection
	clock     clock.Clock
	log       *slog.Logger
}

// BucketOption configures NewBucket.
type BucketOption func(*Bucket)

// BucketName sets the bucket name, the prefix of both collection names.
func BucketName(name string) BucketOption {
	return func(b *Bucket) { b.name = name }
}

// ChunkSizeBytes sets the default chunk size of uploads.
func ChunkSizeBytes(n int32) BucketOption {
	return func(b *Bucket) { b.chunkSize = n }
}

// WriteConcern sets the write concern of both collections.
func WriteConcern(wc docstore.WriteConcern) BucketOption {
	return func(b *Bucket) { b.collOpts.WriteConcern = wc }
}

// ReadConcern sets the read concern of both collections.
func ReadConcern(rc docstore.ReadConcern) BucketOption {
	return func(b *Bucket) { b.collOpts.ReadConcern = rc }
}

// ReadPreference sets the read preference of both collections.
func ReadPreference(rp docstore.ReadPreference) BucketOption {
	return func(b *Bucket) { b.collOpts.ReadPreference = rp }
}

// WithClock sets the clock that stamps upload dates.
func WithClock(c clock.Clock) BucketOption {
	return func(b *Bucket) { b.clock = c }
}

// WithLogger sets the logger. The bucket name is added to every record.
func WithLogger(l *slog.Logger) BucketOption {
	return func(b *Bucket) { b.log = l }
}

// NewBucket returns a bucket over db.
func NewBucket(db docstore.Database, opts ...BucketOption) (*Bucket, error) {
	if db == nil {
		return nil, gerrors.ErrInvalidArgument.WithMessage("database is required")
	}
	b := &Bucket{
		db:        db,
		name:      DefaultBucketName,
		chunkSize: DefaultChunkSize,
		clock:     clock.Real(),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.name == "" {
		return nil, gerrors.ErrInvalidArgument.WithMessage("bucket name is empty")
	}
	if err := checkChunkSize(b.chunkSize); err != nil {
		return nil, err
	}
	b.log = b.log.With("bucket", b.name)
	b.files = db.Collection(b.name+".files", b.collOpts)
	b.chunks = db.Collection(b.name+".chunks", b.collOpts)
	return b, nil
}

func checkChunkSize(n int32) error {
	if n <= 0 || n > maxChunkSize {
		return gerrors.ErrInvalidArgument.WithMessage("chunk size %d out of range (1..%d)", n, maxChunkSize)
	}
	return nil
}

// Name returns the bucket name.
func (b *Bucket) Name() string { return b.name }

// ChunkSizeBytes returns the default chunk size of uploads.
func (b *Bucket) ChunkSizeBytes() int32 { return b.chunkSize }

// CollectionOptions returns the concern settings of both collections.
func (b *Bucket) CollectionOptions() docstore.CollectionOptions { return b.collOpts }

// derive copies b with changed collection options.
func (b *Bucket) derive(opts docstore.CollectionOptions) *Bucket {
	cp := *b
	cp.collOpts = opts
	cp.files = b.files.Clone(opts)
	cp.chunks = b.chunks.Clone(opts)
	return &cp
}

// WithChunkSizeBytes returns a bucket that uploads with chunk size n.
func (b *Bucket) WithChunkSizeBytes(n int32) (*Bucket, error) {
	if err := checkChunkSize(n); err != nil {
		return nil, err
	}
	cp := b.derive(b.collOpts)
	cp.chunkSize = n
	return cp, nil
}

// WithWriteConcern returns a bucket whose collections use wc.
func (b *Bucket) WithWriteConcern(wc docstore.WriteConcern) *Bucket {
	opts := b.collOpts
	opts.WriteConcern = wc
	return b.derive(opts)
}

// WithReadConcern returns a bucket whose collections use rc.
func (b *Bucket) WithReadConcern(rc docstore.ReadConcern) *Bucket {
	opts := b.collOpts
	opts.ReadConcern = rc
	return b.derive(opts)
}

// WithReadPreference returns a bucket whose collections use rp.
func (b *Bucket) WithReadPreference(rp docstore.ReadPreference) *Bucket {
	opts := b.collOpts
	opts.ReadPreference = rp
	return b.derive(opts)
}

// ensureIndexes creates the files and chunks indexes on engines that
// support them when the files collection is empty. Every upload stream
// checks once before its first write, so a dropped bucket regains its
// indexes whichever bucket value uploads next.
func (b *Bucket) ensureIndexes(ctx context.Context, sess docstore.Session) error {
	cur, err := b.files.Find(ctx, sess, nil, &docstore.FindOptions{Limit: 1})
	if err != nil {
		return fmt.Errorf("checking files collection: %w", err)
	}
	existing, err := docstore.All(ctx, cur)
	if err != nil {
		return fmt.Errorf("checking files collection: %w", err)
	}
	if len(existing) == 0 {
		if ix, ok := b.files.(docstore.Indexer); ok {
			idx := docstore.Index{Keys: []docstore.SortField{docstore.Asc(fieldFilename), docstore.Asc(fieldUploadDate)}}
			if err := ix.EnsureIndex(ctx, sess, idx); err != nil {
				return fmt.Errorf("creating files index: %w", err)
			}
		}
		if ix, ok := b.chunks.(docstore.Indexer); ok {
			idx := docstore.Index{Keys: []docstore.SortField{docstore.Asc(fieldFilesID), docstore.Asc(fieldN)}, Unique: true}
			if err := ix.EnsureIndex(ctx, sess, idx); err != nil {
				return fmt.Errorf("creating chunks index: %w", err)
			}
		}
		b.log.Debug("Bucket indexes ensured")
	}
	return nil
}

// UploadOptions configure one upload.
type UploadOptions struct {
	// ID is the file id. A new id is generated when empty.
	ID string
	// ChunkSizeBytes overrides the bucket's chunk size when positive.
	ChunkSizeBytes int32
	// Metadata is stored with the file record.
	Metadata docstore.Document
	// UploadDate overrides the clock reading taken at close.
	UploadDate time.Time
	Session    docstore.Session
}

// OpenUploadStream starts an upload. Nothing is written until the first
// chunk fills or the stream is closed.
func (b *Bucket) OpenUploadStream(ctx context.Context, filename string, opts *UploadOptions) (*UploadStream, error) {
	if opts == nil {
		opts = &UploadOptions{}
	}
	size := b.chunkSize
	if opts.ChunkSizeBytes != 0 {
		if err := checkChunkSize(opts.ChunkSizeBytes); err != nil {
			return nil, err
		}
		size = opts.ChunkSizeBytes
	}
	id := opts.ID
	if id == "" {
		id = uid.New()
	}
	u := &UploadStream{
		bucket:    b,
		ctx:       ctx,
		sess:      opts.Session,
		id:        id,
		filename:  filename,
		chunkSize: size,
		metadata:  opts.Metadata.Clone(),
		date:      opts.UploadDate,
		log:       b.log.With("files_id", id),
	}
	u.log.Info("Upload opened", "filename", filename, "chunk_size", size)
	return u, nil
}

// DownloadOptions configure one download.
type DownloadOptions struct {
	// Revision selects among files sharing a name; nil means the latest.
	// It is ignored by OpenDownloadStream.
	Revision *int
	// BatchSize is the number of chunks fetched per query.
	BatchSize int32
	Session   docstore.Session
}

func (o *DownloadOptions) revision() int {
	if o == nil || o.Revision == nil {
		return LatestRevision
	}
	return *o.Revision
}

// OpenDownloadStream resolves the file with the given id and returns a
// stream over its content.
func (b *Bucket) OpenDownloadStream(ctx context.Context, id string, opts *DownloadOptions) (*DownloadStream, error) {
	if opts == nil {
		opts = &DownloadOptions{}
	}
	f, err := b.FileByID(ctx, id, opts.Session)
	if err != nil {
		metrics.ObserveBucketOp("OpenDownloadStream", err)
		return nil, err
	}
	return b.newDownloadStream(ctx, f, opts), nil
}

// OpenDownloadStreamByName resolves a revision of filename and returns a
// stream over its content.
func (b *Bucket) OpenDownloadStreamByName(ctx context.Context, filename string, opts *DownloadOptions) (*DownloadStream, error) {
	if opts == nil {
		opts = &DownloadOptions{}
	}
	f, err := b.FileByName(ctx, filename, opts.revision(), opts.Session)
	if err != nil {
		metrics.ObserveBucketOp("OpenDownloadStreamByName", err)
		return nil, err
	}
	return b.newDownloadStream(ctx, f, opts), nil
}

func (b *Bucket) newDownloadStream(ctx context.Context, f File, opts *DownloadOptions) *DownloadStream {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	sctx, cancel := context.WithCancel(ctx)
	d := &DownloadStream{
		chunks:    b.chunks,
		sess:      opts.Session,
		file:      f,
		batchSize: batch,
		log:       b.log.With("files_id", f.ID),
		ctx:       sctx,
		cancel:    cancel,
	}
	d.log.Debug("Download opened", "length", f.Length, "chunks", f.NumChunks())
	return d
}

// FileByID returns the record with the given id. More than one match means
// the files collection lacks a unique id and is reported as
// ErrCorruptIndex.
func (b *Bucket) FileByID(ctx context.Context, id string, sess docstore.Session) (File, error) {
	cur, err := b.files.Find(ctx, sess, docstore.Eq(docstore.IDField, id), &docstore.FindOptions{Limit: 2})
	if err != nil {
		return File{}, fmt.Errorf("finding file %q: %w", id, err)
	}
	docs, err := docstore.All(ctx, cur)
	if err != nil {
		return File{}, fmt.Errorf("finding file %q: %w", id, err)
	}
	switch len(docs) {
	case 0:
		return File{}, gerrors.ErrFileNotFound.WithMessage("no file with id %q", id)
	case 1:
		return fileFromDocument(docs[0])
	}
	return File{}, gerrors.ErrCorruptIndex.WithMessage("id %q matches more than one file", id)
}

// FileByName returns revision r of filename (see ResolveRevision).
func (b *Bucket) FileByName(ctx context.Context, filename string, r int, sess docstore.Session) (File, error) {
	cur, err := b.files.Find(ctx, sess, docstore.Eq(fieldFilename, filename), &docstore.FindOptions{
		Sort: []docstore.SortField{docstore.Asc(fieldUploadDate), docstore.Asc(docstore.IDField)},
	})
	if err != nil {
		return File{}, fmt.Errorf("finding %q: %w", filename, err)
	}
	fc := &FileCursor{cur: cur}
	files, err := fc.All(ctx)
	if err != nil {
		return File{}, fmt.Errorf("finding %q: %w", filename, err)
	}
	sortRevisions(files)
	f, err := ResolveRevision(files, r)
	if err != nil {
		return File{}, gerrors.ErrFileNotFound.WithMessage("no revision %d of %q", r, filename)
	}
	return f, nil
}

// FindOptions control Find.
type FindOptions struct {
	Sort      []docstore.SortField
	Skip      int64
	Limit     int64
	BatchSize int32
	Session   docstore.Session
}

// Find returns a cursor over the file records matching filter. Field names
// are those of the files document: "_id", "length", "chunkSize",
// "uploadDate", "filename" and "metadata.<key>".
func (b *Bucket) Find(ctx context.Context, filter docstore.Filter, opts *FindOptions) (*FileCursor, error) {
	if opts == nil {
		opts = &FindOptions{}
	}
	cur, err := b.files.Find(ctx, opts.Session, filter, &docstore.FindOptions{
		Sort:      opts.Sort,
		Skip:      opts.Skip,
		Limit:     opts.Limit,
		BatchSize: opts.BatchSize,
	})
	metrics.ObserveBucketOp("Find", err)
	if err != nil {
		return nil, fmt.Errorf("finding files: %w", err)
	}
	return &FileCursor{cur: cur}, nil
}

// FileCursor iterates over file records.
type FileCursor struct {
	cur  docstore.Cursor
	file File
	err  error
}

// Next decodes the next record. It returns false at the end of the results
// or when a record is malformed; Err distinguishes the two.
func (c *FileCursor) Next(ctx context.Context) bool {
	if c.err != nil || !c.cur.Next(ctx) {
		return false
	}
	f, err := fileFromDocument(c.cur.Document())
	if err != nil {
		c.err = err
		return false
	}
	c.file = f
	return true
}

// File returns the current record.
func (c *FileCursor) File() File { return c.file }

func (c *FileCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.cur.Err()
}

func (c *FileCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }

// All drains the cursor and closes it.
func (c *FileCursor) All(ctx context.Context) ([]File, error) {
	defer c.Close(ctx)
	var out []File
	for c.Next(ctx) {
		out = append(out, c.file)
	}
	return out, c.Err()
}

// OpOptions carry the session of single-shot bucket operations.
type OpOptions struct {
	Session docstore.Session
}

func (o *OpOptions) session() docstore.Session {
	if o == nil {
		return nil
	}
	return o.Session
}

// Delete removes the files document with the given id and then every chunk
// that belongs to it. Chunks are removed even when no files document
// existed, in which case ErrFileNotFound is returned.
func (b *Bucket) Delete(ctx context.Context, id string, opts *OpOptions) (err error) {
	defer func() { metrics.ObserveBucketOp("Delete", err) }()
	sess := opts.session()
	removed, err := b.files.DeleteMany(ctx, sess, docstore.Eq(docstore.IDField, id))
	if err != nil {
		return fmt.Errorf("deleting file %q: %w", id, err)
	}
	chunks, err := b.chunks.DeleteMany(ctx, sess, docstore.Eq(fieldFilesID, id))
	if err != nil {
		return fmt.Errorf("deleting chunks of %q: %w", id, err)
	}
	if removed == 0 {
		if chunks > 0 {
			b.log.Info("Removed orphan chunks", "files_id", id, "chunks", chunks)
		}
		return gerrors.ErrFileNotFound.WithMessage("no file with id %q", id)
	}
	b.log.Info("File deleted", "files_id", id, "chunks", chunks)
	return nil
}

// Rename changes the filename of one file.
func (b *Bucket) Rename(ctx context.Context, id, newFilename string, opts *OpOptions) (err error) {
	defer func() { metrics.ObserveBucketOp("Rename", err) }()
	matched, err := b.files.UpdateOne(ctx, opts.session(), docstore.Eq(docstore.IDField, id),
		docstore.Update{Set: docstore.Document{fieldFilename: newFilename}})
	if err != nil {
		return fmt.Errorf("renaming file %q: %w", id, err)
	}
	if matched == 0 {
		return gerrors.ErrFileNotFound.WithMessage("no file with id %q", id)
	}
	return nil
}

// Drop removes both collections of the bucket.
func (b *Bucket) Drop(ctx context.Context, opts *OpOptions) (err error) {
	defer func() { metrics.ObserveBucketOp("Drop", err) }()
	sess := opts.session()
	for _, c := range []docstore.Collection{b.files, b.chunks} {
		if d, ok := c.(docstore.Dropper); ok {
			err = d.Drop(ctx, sess)
		} else {
			_, err = c.DeleteMany(ctx, sess, nil)
		}
		if err != nil {
			return fmt.Errorf("dropping %s: %w", c.Name(), err)
		}
	}
	b.log.Info("Bucket dropped")
	return nil
}

// UploadFromStream copies r into a new file and returns its id. When
// reading or writing fails the partial upload is aborted.
func (b *Bucket) UploadFromStream(ctx context.Context, filename string, r io.Reader, opts *UploadOptions) (string, error) {
	u, err := b.OpenUploadStream(ctx, filename, opts)
	if err != nil {
		return "", err
	}
	buf := make([]byte, u.chunkSize)
	if _, err := io.CopyBuffer(onlyWriter{u}, r, buf); err != nil {
		if aerr := u.Abort(); aerr != nil {
			b.log.Warn("Abort after failed upload", "files_id", u.id, "error", aerr)
		}
		return "", err
	}
	if err := u.Close(); err != nil {
		if aerr := u.Abort(); aerr != nil {
			b.log.Warn("Abort after failed close", "files_id", u.id, "error", aerr)
		}
		return "", err
	}
	return u.id, nil
}

// onlyWriter hides UploadStream's other methods from io.Copy.
type onlyWriter struct{ io.Writer }

// DownloadToStream copies the content of the file with the given id to w.
func (b *Bucket) DownloadToStream(ctx context.Context, id string, w io.Writer, opts *DownloadOptions) (int64, error) {
	d, err := b.OpenDownloadStream(ctx, id, opts)
	if err != nil {
		return 0, err
	}
	return copyAndClose(w, d)
}

// DownloadToStreamByName copies a revision of filename to w.
func (b *Bucket) DownloadToStreamByName(ctx context.Context, filename string, w io.Writer, opts *DownloadOptions) (int64, error) {
	d, err := b.OpenDownloadStreamByName(ctx, filename, opts)
	if err != nil {
		return 0, err
	}
	return copyAndClose(w, d)
}

func copyAndClose(w io.Writer, d *DownloadStream) (int64, error) {
	buf := make([]byte, d.file.ChunkSize)
	n, err := io.CopyBuffer(w, struct{ io.Reader }{d}, buf)
	d.Close()
	return n, err
}

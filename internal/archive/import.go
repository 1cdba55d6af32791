package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/bleepstore/gridstore/internal/codec"
	"github.com/bleepstore/gridstore/internal/docstore"
	gerrors "github.com/bleepstore/gridstore/internal/errors"
	"github.com/bleepstore/gridstore/internal/gridfs"
)

// ImportOptions configure Import.
type ImportOptions struct {
	// Replace deletes a file that already has an archived id before
	// re-uploading it. Without it such files are skipped and counted.
	Replace bool
}

// reader walks the items of an archive.
type reader struct {
	dec    *codec.Decoder
	header Header
	files  int
	bytes  int64
}

func newReader(r io.Reader) (*reader, error) {
	rd := &reader{dec: codec.NewDecoder(r)}
	var it item
	if err := rd.dec.Decode(&it); err != nil {
		return nil, gerrors.ErrCorruptArchive.WithMessage("reading header").WithCause(err)
	}
	if it.Kind != kindHeader || it.Header == nil || it.Header.Magic != magic {
		return nil, gerrors.ErrCorruptArchive.WithMessage("not a gridstore archive")
	}
	if it.Header.Version != formatVersion {
		return nil, gerrors.ErrCorruptArchive.WithMessage("unsupported archive version %d", it.Header.Version)
	}
	rd.header = *it.Header
	return rd, nil
}

// next returns the next entry, or nil once the end marker was read and
// matched the totals seen.
func (rd *reader) next() (*Entry, error) {
	var it item
	if err := rd.dec.Decode(&it); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, gerrors.ErrCorruptArchive.WithMessage("archive ends without end marker")
		}
		return nil, gerrors.ErrCorruptArchive.WithMessage("reading entry").WithCause(err)
	}
	switch {
	case it.Kind == kindEnd && it.End != nil:
		if it.End.Files != rd.files || it.End.Bytes != rd.bytes {
			return nil, gerrors.ErrCorruptArchive.WithMessage(
				"end marker records %d files and %d bytes, archive holds %d and %d",
				it.End.Files, it.End.Bytes, rd.files, rd.bytes)
		}
		return nil, nil
	case it.Kind == kindFile && it.File != nil:
		if err := it.File.validate(); err != nil {
			return nil, err
		}
		rd.files++
		rd.bytes += it.File.Length
		return it.File, nil
	}
	return nil, gerrors.ErrCorruptArchive.WithMessage("unexpected item kind %d", it.Kind)
}

// frames reads the data frames of e, passing each decompressed payload to
// fn, and verifies the digest. fn may be nil.
func (rd *reader) frames(e *Entry, fn func([]byte) error) error {
	h := blake3.New()
	for n := int64(0); n < gridfs.NumChunks(e.Length, e.ChunkSize); n++ {
		var it item
		if err := rd.dec.Decode(&it); err != nil {
			return gerrors.ErrCorruptArchive.WithMessage("reading frame %d of file %q", n, e.ID).WithCause(err)
		}
		if it.Kind != kindFrame || it.Frame == nil {
			return gerrors.ErrCorruptArchive.WithMessage("file %q is missing frame %d", e.ID, n)
		}
		want := gridfs.ExpectedChunkLength(e.Length, e.ChunkSize, n)
		if int64(it.Frame.Size) != want {
			return gerrors.ErrCorruptArchive.WithMessage("frame %d of file %q holds %d bytes, expected %d", n, e.ID, it.Frame.Size, want)
		}
		data, err := decompressFrame(it.Frame.Data, it.Frame.Codec, it.Frame.Size)
		if err != nil {
			return gerrors.ErrCorruptArchive.WithMessage("frame %d of file %q", n, e.ID).WithCause(err)
		}
		h.Write(data)
		if fn != nil {
			if err := fn(data); err != nil {
				return err
			}
		}
	}
	if !bytes.Equal(h.Sum(nil), e.Digest) {
		return gerrors.ErrCorruptArchive.WithMessage("content of file %q does not match its digest", e.ID)
	}
	return nil
}

// Import uploads every file of the archive read from r into b, keeping ids,
// names, metadata and upload dates. A file is only made visible after its
// digest was verified. Files imported before a failure stay in the bucket.
func Import(ctx context.Context, b *gridfs.Bucket, r io.Reader, opts ImportOptions) (Summary, error) {
	var sum Summary
	rd, err := newReader(r)
	if err != nil {
		return sum, err
	}
	log := slog.With("bucket", b.Name(), "source_bucket", rd.header.Bucket)
	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		e, err := rd.next()
		if err != nil {
			return sum, err
		}
		if e == nil {
			break
		}
		imported, err := importFile(ctx, b, rd, e, opts)
		if err != nil {
			return sum, fmt.Errorf("importing file %q: %w", e.ID, err)
		}
		if !imported {
			sum.Skipped++
			log.Debug("File skipped", "files_id", e.ID)
			continue
		}
		sum.Files++
		sum.Bytes += e.Length
		log.Debug("File imported", "files_id", e.ID, "length", e.Length)
	}
	log.Info("Bucket imported", "files", sum.Files, "skipped", sum.Skipped, "bytes", sum.Bytes)
	return sum, nil
}

func importFile(ctx context.Context, b *gridfs.Bucket, rd *reader, e *Entry, opts ImportOptions) (bool, error) {
	_, err := b.FileByID(ctx, e.ID, nil)
	switch {
	case err == nil && !opts.Replace:
		// Consume the frames so the next entry can be read.
		return false, rd.frames(e, nil)
	case err == nil:
		if err := b.Delete(ctx, e.ID, nil); err != nil {
			return false, err
		}
	case !errors.Is(err, gerrors.ErrFileNotFound):
		return false, err
	}

	var md docstore.Document
	if len(e.Metadata) > 0 {
		if md, err = docstore.UnmarshalDocument(e.Metadata); err != nil {
			return false, gerrors.ErrCorruptArchive.WithMessage("metadata of file %q", e.ID).WithCause(err)
		}
	}
	u, err := b.OpenUploadStream(ctx, e.Filename, &gridfs.UploadOptions{
		ID:             e.ID,
		ChunkSizeBytes: e.ChunkSize,
		Metadata:       md,
		UploadDate:     e.UploadDate,
	})
	if err != nil {
		return false, err
	}
	err = rd.frames(e, func(p []byte) error {
		_, err := u.Write(p)
		return err
	})
	if err != nil {
		if abortErr := u.Abort(); abortErr != nil {
			slog.Warn("Abort after failed import", "files_id", e.ID, "error", abortErr)
		}
		return false, err
	}
	return true, u.Close()
}

// Inspect reads a whole archive, verifying every frame, and returns its
// header and entries without touching any bucket.
func Inspect(r io.Reader) (Header, []Entry, error) {
	rd, err := newReader(r)
	if err != nil {
		return Header{}, nil, err
	}
	var entries []Entry
	for {
		e, err := rd.next()
		if err != nil {
			return rd.header, entries, err
		}
		if e == nil {
			return rd.header, entries, nil
		}
		if err := rd.frames(e, nil); err != nil {
			return rd.header, entries, err
		}
		entries = append(entries, *e)
	}
}

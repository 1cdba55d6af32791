package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/bleepstore/gridstore/internal/clock"
	"github.com/bleepstore/gridstore/internal/codec"
	"github.com/bleepstore/gridstore/internal/docstore"
	"github.com/bleepstore/gridstore/internal/gridfs"
)

// ExportOptions configure Export.
type ExportOptions struct {
	// Compression is applied to every data frame; empty means zstd.
	Compression Compression
	// Filter selects the files to export; nil exports the whole bucket.
	Filter docstore.Filter
	Clock  clock.Clock
}

// Export writes the files of b matching opts.Filter to w, oldest first.
func Export(ctx context.Context, b *gridfs.Bucket, w io.Writer, opts ExportOptions) (Summary, error) {
	var sum Summary
	comp, err := ParseCompression(string(opts.Compression))
	if err != nil {
		return sum, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := slog.With("bucket", b.Name())

	cur, err := b.Find(ctx, opts.Filter, &gridfs.FindOptions{
		Sort: []docstore.SortField{docstore.Asc("uploadDate"), docstore.Asc("_id")},
	})
	if err != nil {
		return sum, err
	}
	files, err := cur.All(ctx)
	if err != nil {
		return sum, err
	}

	enc := codec.NewEncoder(w)
	hdr := &Header{
		Magic:       magic,
		Version:     formatVersion,
		Bucket:      b.Name(),
		Compression: comp,
		Created:     clk.Now().UTC(),
	}
	if err := enc.Encode(item{Kind: kindHeader, Header: hdr}); err != nil {
		return sum, fmt.Errorf("writing archive header: %w", err)
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if err := exportFile(ctx, b, enc, f, comp); err != nil {
			return sum, fmt.Errorf("exporting file %q: %w", f.ID, err)
		}
		sum.Files++
		sum.Bytes += f.Length
		log.Debug("File exported", "files_id", f.ID, "length", f.Length)
	}
	if err := enc.Encode(item{Kind: kindEnd, End: &trailer{Files: sum.Files, Bytes: sum.Bytes}}); err != nil {
		return sum, fmt.Errorf("writing archive end marker: %w", err)
	}
	log.Info("Bucket exported", "files", sum.Files, "bytes", sum.Bytes, "compression", comp)
	return sum, nil
}

// exportFile makes two passes over the content: the first computes the
// digest written in the entry, the second emits the frames and checks the
// content did not change in between.
func exportFile(ctx context.Context, b *gridfs.Bucket, enc *codec.Encoder, f gridfs.File, comp Compression) error {
	h := blake3.New()
	if _, err := b.DownloadToStream(ctx, f.ID, h, nil); err != nil {
		return err
	}
	digest := h.Sum(nil)

	entry := &Entry{
		ID:         f.ID,
		Filename:   f.Name,
		Length:     f.Length,
		ChunkSize:  f.ChunkSize,
		UploadDate: f.UploadDate,
		Digest:     digest,
	}
	if len(f.Metadata) > 0 {
		md, err := docstore.MarshalDocument(f.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		entry.Metadata = md
	}
	if err := enc.Encode(item{Kind: kindFile, File: entry}); err != nil {
		return fmt.Errorf("writing entry: %w", err)
	}

	d, err := b.OpenDownloadStream(ctx, f.ID, nil)
	if err != nil {
		return err
	}
	defer d.Close()
	buf := make([]byte, f.ChunkSize)
	h.Reset()
	for n := int64(0); n < f.NumChunks(); n++ {
		size := gridfs.ExpectedChunkLength(f.Length, f.ChunkSize, n)
		if _, err := io.ReadFull(d, buf[:size]); err != nil {
			return err
		}
		h.Write(buf[:size])
		c, data, err := compressFrame(buf[:size], comp)
		if err != nil {
			return err
		}
		if err := enc.Encode(item{Kind: kindFrame, Frame: &frame{Codec: c, Size: int(size), Data: data}}); err != nil {
			return fmt.Errorf("writing frame %d: %w", n, err)
		}
	}
	if !bytes.Equal(h.Sum(nil), digest) {
		return fmt.Errorf("content changed while exporting")
	}
	return nil
}

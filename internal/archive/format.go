// Package archive exports the files of a bucket into a self-contained,
// compressed stream and imports such streams back into a bucket.
//
// An archive is a sequence of CBOR items: one header, then for every file an
// entry followed by its data frames (one per stored chunk), then an end
// marker carrying the totals. Entries hold the full file record and the
// BLAKE3 digest of the content, so imports verify every byte before the
// file becomes visible.
package archive

import (
	"time"

	gerrors "github.com/bleepstore/gridstore/internal/errors"
)

const (
	magic         = "gridstore-archive"
	formatVersion = 1
	digestSize    = 32
)

type itemKind uint8

const (
	kindHeader itemKind = iota + 1
	kindFile
	kindFrame
	kindEnd
)

// item is the envelope of every CBOR value in an archive; exactly one of
// the pointers matches Kind.
type item struct {
	Kind   itemKind `cbor:"1,keyasint"`
	Header *Header  `cbor:"2,keyasint,omitempty"`
	File   *Entry   `cbor:"3,keyasint,omitempty"`
	Frame  *frame   `cbor:"4,keyasint,omitempty"`
	End    *trailer `cbor:"5,keyasint,omitempty"`
}

// Header opens an archive.
type Header struct {
	Magic       string      `cbor:"magic" json:"-"`
	Version     int         `cbor:"version" json:"version"`
	Bucket      string      `cbor:"bucket" json:"bucket"`
	Compression Compression `cbor:"compression" json:"compression"`
	Created     time.Time   `cbor:"created" json:"created"`
}

// Entry is one archived file record.
type Entry struct {
	ID         string    `cbor:"id" json:"id"`
	Filename   string    `cbor:"filename" json:"filename"`
	Length     int64     `cbor:"length" json:"length"`
	ChunkSize  int32     `cbor:"chunkSize" json:"chunkSize"`
	UploadDate time.Time `cbor:"uploadDate" json:"uploadDate"`
	// Metadata is the document body encoding of the file metadata.
	Metadata []byte `cbor:"metadata,omitempty" json:"-"`
	Digest   []byte `cbor:"digest" json:"digest"`
}

func (e *Entry) validate() error {
	switch {
	case e.ID == "":
		return gerrors.ErrCorruptArchive.WithMessage("file entry without id")
	case e.Length < 0:
		return gerrors.ErrCorruptArchive.WithMessage("file %q has negative length", e.ID)
	case e.ChunkSize <= 0:
		return gerrors.ErrCorruptArchive.WithMessage("file %q has chunk size %d", e.ID, e.ChunkSize)
	case len(e.Digest) != digestSize:
		return gerrors.ErrCorruptArchive.WithMessage("file %q has a %d-byte digest", e.ID, len(e.Digest))
	}
	return nil
}

type frame struct {
	Codec Compression `cbor:"c"`
	Size  int         `cbor:"s"`
	Data  []byte      `cbor:"d"`
}

type trailer struct {
	Files int   `cbor:"files"`
	Bytes int64 `cbor:"bytes"`
}

// Summary reports what an export or import did.
type Summary struct {
	Files int `json:"files"`
	// Skipped counts files an import left alone because the bucket already
	// held a file with the same id.
	Skipped int   `json:"skipped"`
	Bytes   int64 `json:"bytes"`
}

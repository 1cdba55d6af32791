package gridfs

import (
	"time"

	"github.com/bleepstore/gridstore/internal/docstore"
	gerrors "github.com/bleepstore/gridstore/internal/errors"
)

// Files document field names.
const (
	fieldLength     = "length"
	fieldChunkSize  = "chunkSize"
	fieldUploadDate = "uploadDate"
	fieldFilename   = "filename"
	fieldMetadata   = "metadata"
)

// File is the metadata record of one stored file. It exists only once every
// chunk of the file was written.
type File struct {
	ID         string            `json:"id"`
	Length     int64             `json:"length"`
	ChunkSize  int32             `json:"chunkSize"`
	UploadDate time.Time         `json:"uploadDate"`
	Name       string            `json:"filename"`
	Metadata   docstore.Document `json:"metadata,omitempty"`
}

// NumChunks returns how many chunk records the file's content occupies.
func (f File) NumChunks() int64 { return NumChunks(f.Length, f.ChunkSize) }

func (f File) document() docstore.Document {
	doc := docstore.Document{
		docstore.IDField: f.ID,
		fieldLength:      f.Length,
		fieldChunkSize:   f.ChunkSize,
		fieldUploadDate:  f.UploadDate,
		fieldFilename:    f.Name,
	}
	if f.Metadata != nil {
		doc[fieldMetadata] = f.Metadata
	}
	return doc
}

// fileFromDocument decodes a files document, rejecting records whose length
// or chunk size cannot describe stored content.
func fileFromDocument(doc docstore.Document) (File, error) {
	f := File{ID: doc.ID()}
	length, ok := docstore.Int64(doc[fieldLength])
	if !ok || length < 0 {
		return File{}, gerrors.ErrCorruptIndex.WithMessage("files document %q has an invalid length", f.ID)
	}
	size, ok := docstore.Int64(doc[fieldChunkSize])
	if !ok || size <= 0 || size > maxChunkSize {
		return File{}, gerrors.ErrCorruptIndex.WithMessage("files document %q has an invalid chunk size", f.ID)
	}
	f.Length = length
	f.ChunkSize = int32(size)
	f.UploadDate, _ = docstore.Time(doc[fieldUploadDate])
	f.Name, _ = doc[fieldFilename].(string)
	if md, ok := docstore.SubDocument(doc[fieldMetadata]); ok {
		f.Metadata = md
	}
	return f, nil
}

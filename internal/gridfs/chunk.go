package gridfs

import (
	"github.com/bleepstore/gridstore/internal/docstore"
	gerrors "github.com/bleepstore/gridstore/internal/errors"
	"github.com/bleepstore/gridstore/internal/uid"
)

// Chunk document field names.
const (
	fieldFilesID = "files_id"
	fieldN       = "n"
	fieldData    = "data"
)

// Chunk is one stored slice of a file's content.
type Chunk struct {
	ID      string
	FilesID string
	N       int64
	Data    []byte
}

// NumChunks returns how many chunks a file of length bytes is split into.
func NumChunks(length int64, chunkSize int32) int64 {
	if length <= 0 || chunkSize <= 0 {
		return 0
	}
	return (length + int64(chunkSize) - 1) / int64(chunkSize)
}

// ExpectedChunkLength returns the payload length chunk n must have. Every
// chunk but the last is full; the last holds the remainder, or a full chunk
// when length is an exact multiple of chunkSize. Indices outside the file
// have an expected length of 0.
func ExpectedChunkLength(length int64, chunkSize int32, n int64) int64 {
	total := NumChunks(length, chunkSize)
	if n < 0 || n >= total {
		return 0
	}
	if n < total-1 {
		return int64(chunkSize)
	}
	if rem := length % int64(chunkSize); rem != 0 {
		return rem
	}
	return int64(chunkSize)
}

func newChunkDocument(filesID string, n int64, data []byte) docstore.Document {
	return docstore.Document{
		docstore.IDField: uid.New(),
		fieldFilesID:     filesID,
		fieldN:           int32(n),
		fieldData:        data,
	}
}

// chunkFromDocument decodes a stored chunk. A record without an index or a
// payload is corrupt.
func chunkFromDocument(doc docstore.Document) (Chunk, error) {
	n, ok := docstore.Int64(doc[fieldN])
	if !ok {
		return Chunk{}, gerrors.ErrCorruptChunk.WithMessage("chunk %q has no valid index", doc.ID())
	}
	data, ok := docstore.Bytes(doc[fieldData])
	if !ok {
		return Chunk{}, gerrors.ErrCorruptChunk.WithMessage("chunk %d has no binary payload", n)
	}
	filesID, _ := doc[fieldFilesID].(string)
	return Chunk{ID: doc.ID(), FilesID: filesID, N: n, Data: data}, nil
}

// checkChunk validates c as the next chunk of f, expected at index want.
func checkChunk(f File, c Chunk, want int64) error {
	switch {
	case c.N > want:
		return gerrors.ErrMissingChunk.WithMessage("file %q: expected chunk %d, found %d", f.ID, want, c.N)
	case c.N < want:
		return gerrors.ErrCorruptChunk.WithMessage("file %q: chunk %d repeated, expected %d", f.ID, c.N, want)
	}
	if exp := ExpectedChunkLength(f.Length, f.ChunkSize, want); int64(len(c.Data)) != exp {
		return gerrors.ErrCorruptChunk.WithMessage("file %q: chunk %d has %d bytes, expected %d", f.ID, want, len(c.Data), exp)
	}
	return nil
}

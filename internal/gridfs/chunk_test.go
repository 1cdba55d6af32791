package gridfs

import (
	"errors"
	"testing"

	"github.com/bleepstore/gridstore/internal/docstore"
	gerrors "github.com/bleepstore/gridstore/internal/errors"
)

func TestExpectedChunkLength(t *testing.T) {
	tests := []struct {
		length int64
		size   int32
		n      int64
		want   int64
	}{
		{0, 4, 0, 0},
		{3, 4, 0, 3},
		{4, 4, 0, 4},
		{4, 4, 1, 0},
		{10, 4, 0, 4},
		{10, 4, 1, 4},
		{10, 4, 2, 2},
		{10, 4, 3, 0},
		{12, 4, 2, 4},
		{12, 4, -1, 0},
		{int64(DefaultChunkSize) * 3, DefaultChunkSize, 2, int64(DefaultChunkSize)},
	}
	for _, tt := range tests {
		if got := ExpectedChunkLength(tt.length, tt.size, tt.n); got != tt.want {
			t.Errorf("ExpectedChunkLength(%d, %d, %d) = %d, want %d", tt.length, tt.size, tt.n, got, tt.want)
		}
	}
}

func TestNumChunks(t *testing.T) {
	tests := []struct {
		length int64
		size   int32
		want   int64
	}{
		{0, 4, 0},
		{1, 4, 1},
		{4, 4, 1},
		{5, 4, 2},
		{1 << 40, 1 << 20, 1 << 20},
	}
	for _, tt := range tests {
		if got := NumChunks(tt.length, tt.size); got != tt.want {
			t.Errorf("NumChunks(%d, %d) = %d, want %d", tt.length, tt.size, got, tt.want)
		}
	}
}

func TestCheckChunk(t *testing.T) {
	f := File{ID: "f", Length: 10, ChunkSize: 4}
	tests := []struct {
		name string
		c    Chunk
		want int64
		err  error
	}{
		{"first full", Chunk{N: 0, Data: make([]byte, 4)}, 0, nil},
		{"last partial", Chunk{N: 2, Data: make([]byte, 2)}, 2, nil},
		{"gap", Chunk{N: 2, Data: make([]byte, 2)}, 1, gerrors.ErrMissingChunk},
		{"repeat", Chunk{N: 0, Data: make([]byte, 4)}, 1, gerrors.ErrCorruptChunk},
		{"short", Chunk{N: 1, Data: make([]byte, 3)}, 1, gerrors.ErrCorruptChunk},
		{"long last", Chunk{N: 2, Data: make([]byte, 4)}, 2, gerrors.ErrCorruptChunk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkChunk(f, tt.c, tt.want)
			if tt.err == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
		})
	}
}

func TestChunkFromDocument(t *testing.T) {
	c, err := chunkFromDocument(docstore.Document{"_id": "c", "files_id": "f", "n": int64(3), "data": []byte("xy")})
	if err != nil {
		t.Fatal(err)
	}
	if c.FilesID != "f" || c.N != 3 || string(c.Data) != "xy" {
		t.Errorf("chunk = %+v", c)
	}
	if _, err := chunkFromDocument(docstore.Document{"_id": "c", "n": int64(0), "data": "text"}); !errors.Is(err, gerrors.ErrCorruptChunk) {
		t.Errorf("string payload: err = %v", err)
	}
	if _, err := chunkFromDocument(docstore.Document{"_id": "c", "data": []byte{}}); !errors.Is(err, gerrors.ErrCorruptChunk) {
		t.Errorf("missing n: err = %v", err)
	}
}

func TestFileFromDocument(t *testing.T) {
	doc := docstore.Document{
		"_id": "f", "length": int64(10), "chunkSize": int64(4),
		"uploadDate": epoch, "filename": "a.txt", "metadata": docstore.Document{"k": "v"},
	}
	f, err := fileFromDocument(doc)
	if err != nil {
		t.Fatal(err)
	}
	if f.Length != 10 || f.ChunkSize != 4 || !f.UploadDate.Equal(epoch) || f.Name != "a.txt" || f.Metadata["k"] != "v" {
		t.Errorf("file = %+v", f)
	}
	for _, bad := range []docstore.Document{
		{"_id": "f", "length": int64(-1), "chunkSize": int64(4)},
		{"_id": "f", "length": int64(1), "chunkSize": int64(0)},
		{"_id": "f", "chunkSize": int64(4)},
	} {
		if _, err := fileFromDocument(bad); !errors.Is(err, gerrors.ErrCorruptIndex) {
			t.Errorf("fileFromDocument(%v) err = %v", bad, err)
		}
	}
}

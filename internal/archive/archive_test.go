package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bleepstore/gridstore/internal/clock"
	"github.com/bleepstore/gridstore/internal/codec"
	"github.com/bleepstore/gridstore/internal/docstore"
	gerrors "github.com/bleepstore/gridstore/internal/errors"
	"github.com/bleepstore/gridstore/internal/gridfs"
	"github.com/bleepstore/gridstore/internal/storage"
)

var epoch = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newBucket(t *testing.T, name string) *gridfs.Bucket {
	t.Helper()
	b, err := gridfs.NewBucket(docstore.NewMemoryDatabase(),
		gridfs.BucketName(name),
		gridfs.ChunkSizeBytes(4),
		gridfs.WithClock(clock.Stepping(epoch, time.Second)),
	)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func upload(t *testing.T, b *gridfs.Bucket, name, content string, md docstore.Document) string {
	t.Helper()
	id, err := b.UploadFromStream(context.Background(), name, strings.NewReader(content), &gridfs.UploadOptions{Metadata: md})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func content(t *testing.T, b *gridfs.Bucket, id string) string {
	t.Helper()
	var buf bytes.Buffer
	if _, err := b.DownloadToStream(context.Background(), id, &buf, nil); err != nil {
		t.Fatal(err)
	}
	return buf.String()
}

func files(t *testing.T, b *gridfs.Bucket) []gridfs.File {
	t.Helper()
	cur, err := b.Find(context.Background(), nil, &gridfs.FindOptions{Sort: []docstore.SortField{docstore.Asc("_id")}})
	if err != nil {
		t.Fatal(err)
	}
	all, err := cur.All(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return all
}

func seed(t *testing.T) (*gridfs.Bucket, map[string]string) {
	src := newBucket(t, "photos")
	want := map[string]string{}
	want[upload(t, src, "empty.txt", "", nil)] = ""
	want[upload(t, src, "small.txt", "abc", docstore.Document{"owner": "ada", "size": int64(3)})] = "abc"
	long := strings.Repeat("0123456789", 7)
	want[upload(t, src, "long.txt", long, docstore.Document{"taken": epoch, "tags": []any{"a", "b"}})] = long
	// A second revision under an existing name.
	want[upload(t, src, "small.txt", "abcd", nil)] = "abcd"
	return src, want
}

func TestExportImportRoundTrip(t *testing.T) {
	for _, comp := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		t.Run(string(comp), func(t *testing.T) {
			ctx := context.Background()
			src, want := seed(t)

			var buf bytes.Buffer
			sum, err := Export(ctx, src, &buf, ExportOptions{Compression: comp, Clock: clock.Fake(epoch)})
			if err != nil {
				t.Fatal(err)
			}
			if sum.Files != 4 || sum.Bytes != 77 {
				t.Errorf("export summary = %+v", sum)
			}

			dst := newBucket(t, "restored")
			got, err := Import(ctx, dst, bytes.NewReader(buf.Bytes()), ImportOptions{})
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(Summary{Files: 4, Bytes: 77}, got); diff != "" {
				t.Errorf("import summary (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(files(t, src), files(t, dst)); diff != "" {
				t.Errorf("file records (-src +dst):\n%s", diff)
			}
			for id, body := range want {
				if c := content(t, dst, id); c != body {
					t.Errorf("content of %s = %q, want %q", id, c, body)
				}
			}
			// Revision order survives because upload dates do.
			f, err := dst.FileByName(ctx, "small.txt", gridfs.LatestRevision, nil)
			if err != nil {
				t.Fatal(err)
			}
			if content(t, dst, f.ID) != "abcd" {
				t.Error("latest revision changed after import")
			}
		})
	}
}

func TestExportFilter(t *testing.T) {
	ctx := context.Background()
	src, _ := seed(t)
	var buf bytes.Buffer
	sum, err := Export(ctx, src, &buf, ExportOptions{Filter: docstore.Eq("metadata.owner", "ada")})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Files != 1 {
		t.Errorf("exported %d files, want 1", sum.Files)
	}
	_, entries, err := Inspect(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Filename != "small.txt" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestImportExistingFiles(t *testing.T) {
	ctx := context.Background()
	src := newBucket(t, "fs")
	id := upload(t, src, "a.txt", "archived", nil)
	var buf bytes.Buffer
	if _, err := Export(ctx, src, &buf, ExportOptions{}); err != nil {
		t.Fatal(err)
	}
	archived := buf.Bytes()

	// The same id now holds different content.
	if err := src.Delete(ctx, id, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := src.UploadFromStream(ctx, "a.txt", strings.NewReader("newer"), &gridfs.UploadOptions{ID: id}); err != nil {
		t.Fatal(err)
	}

	sum, err := Import(ctx, src, bytes.NewReader(archived), ImportOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Skipped != 1 || sum.Files != 0 {
		t.Errorf("summary without replace = %+v", sum)
	}
	if c := content(t, src, id); c != "newer" {
		t.Errorf("skipped import changed content to %q", c)
	}

	sum, err = Import(ctx, src, bytes.NewReader(archived), ImportOptions{Replace: true})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Files != 1 || sum.Skipped != 0 {
		t.Errorf("summary with replace = %+v", sum)
	}
	if c := content(t, src, id); c != "archived" {
		t.Errorf("replaced content = %q", c)
	}
}

// writeArchive encodes items directly so malformed archives can be built.
func writeArchive(t *testing.T, items ...item) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf)
	for _, it := range items {
		if err := enc.Encode(it); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

func header() item {
	return item{Kind: kindHeader, Header: &Header{Magic: magic, Version: formatVersion, Bucket: "fs", Compression: CompressionNone, Created: epoch}}
}

func TestImportRejectsCorruptArchives(t *testing.T) {
	good := make([]byte, digestSize)
	entry := func(digest []byte) item {
		return item{Kind: kindFile, File: &Entry{ID: "f1", Filename: "f", Length: 6, ChunkSize: 4, UploadDate: epoch, Digest: digest}}
	}
	fr := func(data string) item {
		return item{Kind: kindFrame, Frame: &frame{Codec: CompressionNone, Size: len(data), Data: []byte(data)}}
	}
	end := item{Kind: kindEnd, End: &trailer{Files: 1, Bytes: 6}}

	tests := []struct {
		name    string
		archive []byte
	}{
		{"empty input", nil},
		{"wrong magic", writeArchive(t, item{Kind: kindHeader, Header: &Header{Magic: "zip", Version: formatVersion}})},
		{"future version", writeArchive(t, item{Kind: kindHeader, Header: &Header{Magic: magic, Version: 99}})},
		{"digest mismatch", writeArchive(t, header(), entry(good), fr("abcd"), fr("ef"), end)},
		{"short frame", writeArchive(t, header(), entry(good), fr("abc"), fr("ef"), end)},
		{"missing frame", writeArchive(t, header(), entry(good), fr("abcd"), end)},
		{"no end marker", writeArchive(t, header())},
		{"bad digest size", writeArchive(t, header(), entry([]byte("x")), fr("abcd"), fr("ef"), end)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBucket(t, "fs")
			_, err := Import(context.Background(), b, bytes.NewReader(tt.archive), ImportOptions{})
			if !errors.Is(err, gerrors.ErrCorruptArchive) {
				t.Fatalf("err = %v, want CorruptArchive", err)
			}
			if n := len(files(t, b)); n != 0 {
				t.Errorf("%d files visible after a failed import", n)
			}
		})
	}
}

func TestImportAbortsPartialUpload(t *testing.T) {
	ctx := context.Background()
	db := docstore.NewMemoryDatabase()
	b, err := gridfs.NewBucket(db, gridfs.ChunkSizeBytes(4))
	if err != nil {
		t.Fatal(err)
	}
	archive := writeArchive(t, header(),
		item{Kind: kindFile, File: &Entry{ID: "f1", Filename: "f", Length: 10, ChunkSize: 4, UploadDate: epoch, Digest: make([]byte, digestSize)}},
		item{Kind: kindFrame, Frame: &frame{Codec: CompressionNone, Size: 4, Data: []byte("abcd")}},
		item{Kind: kindFrame, Frame: &frame{Codec: CompressionNone, Size: 4, Data: []byte("efgh")}},
		item{Kind: kindFrame, Frame: &frame{Codec: CompressionNone, Size: 2, Data: []byte("ij")}},
		item{Kind: kindEnd, End: &trailer{Files: 1, Bytes: 10}},
	)
	if _, err := Import(ctx, b, bytes.NewReader(archive), ImportOptions{}); !errors.Is(err, gerrors.ErrCorruptArchive) {
		t.Fatalf("err = %v", err)
	}
	cur, err := db.Collection("fs.chunks", docstore.CollectionOptions{}).Find(ctx, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	left, err := docstore.All(ctx, cur)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("%d chunks left after digest failure", len(left))
	}
}

func TestInspect(t *testing.T) {
	src, _ := seed(t)
	var buf bytes.Buffer
	if _, err := Export(context.Background(), src, &buf, ExportOptions{Compression: CompressionLZ4, Clock: clock.Fake(epoch)}); err != nil {
		t.Fatal(err)
	}
	hdr, entries, err := Inspect(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Bucket != "photos" || hdr.Compression != CompressionLZ4 || !hdr.Created.Equal(epoch) {
		t.Errorf("header = %+v", hdr)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Filename)
	}
	if diff := cmp.Diff([]string{"empty.txt", "small.txt", "long.txt", "small.txt"}, names); diff != "" {
		t.Errorf("entries in upload order (-want +got):\n%s", diff)
	}
}

func TestExportToBackend(t *testing.T) {
	ctx := context.Background()
	src, want := seed(t)
	backend := storage.NewMemoryBackend()

	older := Key("photos", epoch)
	newer := Key("photos", epoch.Add(time.Hour))
	if older != "photos/20240501T100000.000Z.gsa" {
		t.Errorf("Key = %q", older)
	}
	for _, key := range []string{older, newer} {
		sum, n, err := ExportTo(ctx, src, backend, key, ExportOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if sum.Files != 4 || n == 0 {
			t.Errorf("ExportTo = %+v, %d bytes", sum, n)
		}
	}
	if _, err := backend.Put(ctx, "photos/notes.txt", strings.NewReader("not an archive")); err != nil {
		t.Fatal(err)
	}

	infos, err := List(ctx, backend, "photos")
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Errorf("List = %+v", infos)
	}
	latest, err := Latest(ctx, backend, "photos")
	if err != nil || latest != newer {
		t.Errorf("Latest = %q, %v", latest, err)
	}
	if _, err := Latest(ctx, backend, "docs"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Latest on empty bucket = %v", err)
	}

	dst := newBucket(t, "photos")
	sum, err := ImportFrom(ctx, dst, backend, latest, ImportOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Files != len(want) {
		t.Errorf("imported %d files", sum.Files)
	}
}

// failingBackend accepts a few bytes then fails the upload.
type failingBackend struct {
	*storage.MemoryBackend
}

func (f failingBackend) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if _, err := io.CopyN(io.Discard, r, 16); err != nil {
		return 0, err
	}
	return 0, errors.New("quota exceeded")
}

func TestExportToReportsBackendFailure(t *testing.T) {
	src, _ := seed(t)
	_, _, err := ExportTo(context.Background(), src, failingBackend{storage.NewMemoryBackend()}, "photos/x.gsa", ExportOptions{})
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("err = %v, want the backend failure", err)
	}
}

package gridfs

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/bleepstore/gridstore/internal/clock"
	"github.com/bleepstore/gridstore/internal/docstore"
)

// hookDB wraps the memory engine so tests can fail or stall collection
// calls. Hooks are keyed by collection name and must be set before the
// collection is used concurrently.
type hookDB struct {
	*docstore.MemoryDatabase
	onInsert map[string]func(ctx context.Context) error
	onFind   map[string]func(ctx context.Context) error
}

func newHookDB() *hookDB {
	return &hookDB{
		MemoryDatabase: docstore.NewMemoryDatabase(),
		onInsert:       make(map[string]func(ctx context.Context) error),
		onFind:         make(map[string]func(ctx context.Context) error),
	}
}

func (db *hookDB) Collection(name string, opts docstore.CollectionOptions) docstore.Collection {
	return &hookColl{Collection: db.MemoryDatabase.Collection(name, opts), db: db, name: name}
}

type hookColl struct {
	docstore.Collection
	db   *hookDB
	name string
}

func (c *hookColl) InsertOne(ctx context.Context, sess docstore.Session, doc docstore.Document) (string, error) {
	if h := c.db.onInsert[c.name]; h != nil {
		if err := h(ctx); err != nil {
			return "", err
		}
	}
	return c.Collection.InsertOne(ctx, sess, doc)
}

func (c *hookColl) Find(ctx context.Context, sess docstore.Session, f docstore.Filter, opts *docstore.FindOptions) (docstore.Cursor, error) {
	if h := c.db.onFind[c.name]; h != nil {
		if err := h(ctx); err != nil {
			return nil, err
		}
	}
	return c.Collection.Find(ctx, sess, f, opts)
}

func (c *hookColl) Clone(opts docstore.CollectionOptions) docstore.Collection {
	return &hookColl{Collection: c.Collection.Clone(opts), db: c.db, name: c.name}
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestBucket(t *testing.T, db docstore.Database, opts ...BucketOption) *Bucket {
	t.Helper()
	opts = append([]BucketOption{WithClock(clock.Stepping(epoch, time.Second))}, opts...)
	b, err := NewBucket(db, opts...)
	if err != nil {
		t.Fatalf("NewBucket: %v", err)
	}
	return b
}

// pattern returns n deterministic bytes.
func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + i/251)
	}
	return out
}

func mustUpload(t *testing.T, b *Bucket, filename string, data []byte, opts *UploadOptions) string {
	t.Helper()
	id, err := b.UploadFromStream(context.Background(), filename, bytes.NewReader(data), opts)
	if err != nil {
		t.Fatalf("UploadFromStream(%q): %v", filename, err)
	}
	return id
}

func mustDownload(t *testing.T, b *Bucket, id string) []byte {
	t.Helper()
	d, err := b.OpenDownloadStream(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("OpenDownloadStream(%q): %v", id, err)
	}
	defer d.Close()
	got, err := io.ReadAll(d)
	if err != nil {
		t.Fatalf("reading %q: %v", id, err)
	}
	return got
}

func chunkDocs(t *testing.T, b *Bucket, id string) []docstore.Document {
	t.Helper()
	ctx := context.Background()
	cur, err := b.chunks.Find(ctx, nil, docstore.Eq(fieldFilesID, id), &docstore.FindOptions{
		Sort: []docstore.SortField{docstore.Asc(fieldN)},
	})
	if err != nil {
		t.Fatal(err)
	}
	docs, err := docstore.All(ctx, cur)
	if err != nil {
		t.Fatal(err)
	}
	return docs
}

func countDocs(t *testing.T, c docstore.Collection) int {
	t.Helper()
	ctx := context.Background()
	cur, err := c.Find(ctx, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	docs, err := docstore.All(ctx, cur)
	if err != nil {
		t.Fatal(err)
	}
	return len(docs)
}

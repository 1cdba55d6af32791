package docstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLocalReplaysAfterReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := OpenLocal(LocalOptions{RootDir: dir, Sync: true})
	if err != nil {
		t.Fatalf("OpenLocal: %v", err)
	}
	files := db.Collection("fs.files", CollectionOptions{})
	at := time.Date(2026, 1, 2, 3, 4, 5, 6000000, time.UTC)
	mustInsert(t, files, Document{"_id": "a", "filename": "a.txt", "uploadDate": at})
	mustInsert(t, files, Document{"_id": "b", "filename": "b.txt"})
	mustInsert(t, files, Document{"_id": "c", "filename": "c.txt"})
	if _, err := files.DeleteMany(ctx, nil, Eq(IDField, "b")); err != nil {
		t.Fatal(err)
	}
	if _, err := files.UpdateOne(ctx, nil, Eq(IDField, "c"), Update{Set: Document{"filename": "renamed.txt"}}); err != nil {
		t.Fatal(err)
	}
	idx := Index{Keys: []SortField{Asc("filename")}, Unique: true}
	if err := files.(Indexer).EnsureIndex(ctx, nil, idx); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenLocal(LocalOptions{RootDir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	files = reopened.Collection("fs.files", CollectionOptions{})
	got := mustFind(t, files, nil, &FindOptions{Sort: []SortField{Asc(IDField)}})
	want := []Document{
		{"_id": "a", "filename": "a.txt", "uploadDate": at},
		{"_id": "c", "filename": "renamed.txt"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("replayed state (-want +got):\n%s", diff)
	}
	// The index declaration survives too.
	if _, err := files.InsertOne(ctx, nil, Document{"filename": "a.txt"}); err == nil {
		t.Error("unique index not restored after reopen")
	}
}

func TestLocalTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenLocal(LocalOptions{RootDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	c := db.Collection("fs.chunks", CollectionOptions{})
	mustInsert(t, c, Document{"_id": "0", "n": int64(0)})
	mustInsert(t, c, Document{"_id": "1", "n": int64(1)})

	path := db.logPath("fs.chunks")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a crash halfway through appending a third entry.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0xa2, 0x62, 0x6f}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	reopened, err := OpenLocal(LocalOptions{RootDir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	c = reopened.Collection("fs.chunks", CollectionOptions{})
	if got := mustFind(t, c, nil, nil); len(got) != 2 {
		t.Fatalf("recovered %d documents, want 2", len(got))
	}
	after, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if after.Size() != info.Size() {
		t.Errorf("log size = %d after recovery, want %d", after.Size(), info.Size())
	}
	// New appends after recovery replay cleanly.
	mustInsert(t, c, Document{"_id": "2", "n": int64(2)})
	again, err := OpenLocal(LocalOptions{RootDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if got := mustFind(t, again.Collection("fs.chunks", CollectionOptions{}), nil, nil); len(got) != 3 {
		t.Errorf("found %d documents after second reopen, want 3", len(got))
	}
}

func TestLocalCompactOnStartup(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := OpenLocal(LocalOptions{RootDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	c := db.Collection("fs.chunks", CollectionOptions{})
	for i := 0; i < 50; i++ {
		mustInsert(t, c, Document{"files_id": "gone", "data": make([]byte, 512)})
	}
	mustInsert(t, c, Document{"_id": "keep", "files_id": "kept"})
	if _, err := c.DeleteMany(ctx, nil, Eq("files_id", "gone")); err != nil {
		t.Fatal(err)
	}
	before, _ := os.Stat(db.logPath("fs.chunks"))

	compacted, err := OpenLocal(LocalOptions{RootDir: dir, CompactOnStartup: true})
	if err != nil {
		t.Fatalf("OpenLocal with compaction: %v", err)
	}
	after, _ := os.Stat(compacted.logPath("fs.chunks"))
	if after.Size() >= before.Size() {
		t.Errorf("compaction did not shrink the log: %d >= %d", after.Size(), before.Size())
	}
	got := mustFind(t, compacted.Collection("fs.chunks", CollectionOptions{}), nil, nil)
	if diff := cmp.Diff([]string{"keep"}, ids(got)); diff != "" {
		t.Errorf("documents after compaction (-want +got):\n%s", diff)
	}
}

func TestLocalDropRemovesLog(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenLocal(LocalOptions{RootDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	c := db.Collection("fs.files", CollectionOptions{})
	mustInsert(t, c, Document{"_id": "a"})
	if err := c.(Dropper).Drop(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(db.logPath("fs.files")); !os.IsNotExist(err) {
		t.Errorf("log still present after drop: %v", err)
	}
}

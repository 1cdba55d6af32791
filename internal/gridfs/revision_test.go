package gridfs

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bleepstore/gridstore/internal/clock"
	"github.com/bleepstore/gridstore/internal/docstore"
	gerrors "github.com/bleepstore/gridstore/internal/errors"
)

func TestResolveRevision(t *testing.T) {
	files := []File{{ID: "r0"}, {ID: "r1"}, {ID: "r2"}}
	tests := []struct {
		r    int
		want string
	}{
		{0, "r0"},
		{1, "r1"},
		{2, "r2"},
		{-1, "r2"},
		{-2, "r1"},
		{-3, "r0"},
		{3, ""},
		{-4, ""},
	}
	for _, tt := range tests {
		got, err := ResolveRevision(files, tt.r)
		if tt.want == "" {
			if !errors.Is(err, gerrors.ErrFileNotFound) {
				t.Errorf("ResolveRevision(%d) err = %v, want FileNotFound", tt.r, err)
			}
			continue
		}
		if err != nil || got.ID != tt.want {
			t.Errorf("ResolveRevision(%d) = %q, %v; want %q", tt.r, got.ID, err, tt.want)
		}
	}
	if _, err := ResolveRevision(nil, -1); !errors.Is(err, gerrors.ErrFileNotFound) {
		t.Errorf("empty list err = %v", err)
	}
}

func TestDownloadByNameRevisions(t *testing.T) {
	ctx := context.Background()
	b := newTestBucket(t, docstore.NewMemoryDatabase(), ChunkSizeBytes(4))
	for _, body := range []string{"first", "second", "third"} {
		mustUpload(t, b, "report.txt", []byte(body), nil)
	}
	mustUpload(t, b, "other.txt", []byte("unrelated"), nil)

	tests := []struct {
		name string
		rev  *int
		want string
	}{
		{"0", Revision(0), "first"},
		{"-1", Revision(-1), "third"},
		{"default", nil, "third"},
		{"2", Revision(2), "third"},
		{"-3", Revision(-3), "first"},
		{"3", Revision(3), ""},
		{"-4", Revision(-4), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			_, err := b.DownloadToStreamByName(ctx, "report.txt", &out, &DownloadOptions{Revision: tt.rev})
			if tt.want == "" {
				if !errors.Is(err, gerrors.ErrFileNotFound) {
					t.Fatalf("err = %v, want FileNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if out.String() != tt.want {
				t.Errorf("content = %q, want %q", out.String(), tt.want)
			}
		})
	}

	if _, err := b.OpenDownloadStreamByName(ctx, "missing.txt", nil); !errors.Is(err, gerrors.ErrFileNotFound) {
		t.Errorf("missing name err = %v", err)
	}
}

func TestRevisionTiesBreakByID(t *testing.T) {
	b := newTestBucket(t, docstore.NewMemoryDatabase(), WithClock(clock.Fake(epoch)))
	mustUpload(t, b, "same.txt", []byte("b"), &UploadOptions{ID: "bbb"})
	mustUpload(t, b, "same.txt", []byte("a"), &UploadOptions{ID: "aaa"})

	f, err := b.FileByName(context.Background(), "same.txt", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if f.ID != "aaa" {
		t.Errorf("revision 0 = %q, want the smaller id", f.ID)
	}
}

func TestLatestRevisionWithIdenticalUploadDates(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		b := newTestBucket(t, docstore.NewMemoryDatabase(), WithClock(clock.Fake(epoch)))
		mustUpload(t, b, "f", []byte("old"), nil)
		second := mustUpload(t, b, "f", []byte("new"), nil)

		latest, err := b.FileByName(ctx, "f", LatestRevision, nil)
		if err != nil {
			t.Fatal(err)
		}
		if latest.ID != second {
			t.Fatalf("run %d: latest revision = %q, want the second upload %q", i, latest.ID, second)
		}
		var out bytes.Buffer
		if _, err := b.DownloadToStreamByName(ctx, "f", &out, nil); err != nil {
			t.Fatal(err)
		}
		if out.String() != "new" {
			t.Fatalf("run %d: default revision content = %q", i, out.String())
		}
	}
}

func TestUploadDateOverride(t *testing.T) {
	b := newTestBucket(t, docstore.NewMemoryDatabase())
	old := time.Date(2001, 2, 3, 4, 5, 6, 789123456, time.UTC)
	mustUpload(t, b, "x", []byte("new"), nil)
	mustUpload(t, b, "x", []byte("old"), &UploadOptions{UploadDate: old})

	f, err := b.FileByName(context.Background(), "x", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if want := old.Truncate(time.Millisecond); !f.UploadDate.Equal(want) {
		t.Errorf("upload date = %v, want %v", f.UploadDate, want)
	}
}

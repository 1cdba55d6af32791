package gridfs

import (
	"testing"
	"time"

	"github.com/bleepstore/gridstore/internal/config"
	"github.com/bleepstore/gridstore/internal/docstore"
	"github.com/google/go-cmp/cmp"
)

func TestOptionsFromConfig(t *testing.T) {
	journal := true
	cfg := config.BucketConfig{
		Name:           "media",
		ChunkSizeBytes: 1024,
		WriteConcern:   config.WriteConcernConfig{W: "majority", Journal: &journal, WTimeout: time.Second},
		ReadConcern:    "local",
		ReadPreference: "nearest",
	}
	b, err := NewBucket(docstore.NewMemoryDatabase(), OptionsFromConfig(cfg)...)
	if err != nil {
		t.Fatal(err)
	}
	if b.Name() != "media" || b.ChunkSizeBytes() != 1024 {
		t.Errorf("bucket = %q, %d", b.Name(), b.ChunkSizeBytes())
	}
	want := docstore.CollectionOptions{
		WriteConcern:   docstore.WriteConcern{W: "majority", Journal: &journal, WTimeout: time.Second},
		ReadConcern:    docstore.ReadConcern{Level: "local"},
		ReadPreference: docstore.ReadPreference{Mode: "nearest"},
	}
	if diff := cmp.Diff(want, b.CollectionOptions()); diff != "" {
		t.Errorf("options (-want +got):\n%s", diff)
	}

	// Later options win, so a per-request name overrides the template.
	other, err := NewBucket(docstore.NewMemoryDatabase(), append(OptionsFromConfig(cfg), BucketName("docs"))...)
	if err != nil {
		t.Fatal(err)
	}
	if other.Name() != "docs" {
		t.Errorf("name = %q", other.Name())
	}
}

func TestOptionsFromConfigDefaults(t *testing.T) {
	b, err := NewBucket(docstore.NewMemoryDatabase(), OptionsFromConfig(config.BucketConfig{Name: "fs"})...)
	if err != nil {
		t.Fatal(err)
	}
	if b.ChunkSizeBytes() != DefaultChunkSize {
		t.Errorf("chunk size = %d", b.ChunkSizeBytes())
	}
	if diff := cmp.Diff(docstore.CollectionOptions{}, b.CollectionOptions()); diff != "" {
		t.Errorf("options (-want +got):\n%s", diff)
	}
}

package docstore

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestCompare(t *testing.T) {
	t0 := time.Unix(100, 0)
	tests := []struct {
		a, b any
		want int
	}{
		{int64(1), int64(2), -1},
		{int64(2), 2.0, 0},
		{2.5, int64(2), 1},
		{"a", "b", -1},
		{nil, int64(0), -1},
		{int64(9), "1", -1}, // numbers sort before strings
		{"z", Document{}, -1},
		{true, false, 1},
		{t0, t0.Add(time.Millisecond), -1},
		{[]byte{1}, []byte{1, 0}, -1},
		{[]any{int64(1), "a"}, []any{int64(1), "b"}, -1},
		{Document{"a": int64(1)}, Document{"a": int64(1)}, 0},
	}
	for _, tt := range tests {
		if got := Compare(tt.a, tt.b); got != tt.want {
			t.Errorf("Compare(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
		if got := Compare(tt.b, tt.a); got != -tt.want {
			t.Errorf("Compare(%v, %v) = %d, want %d", tt.b, tt.a, got, -tt.want)
		}
	}
}

func TestLookup(t *testing.T) {
	doc := Document{"a": Document{"b": map[string]any{"c": "deep"}}, "x": int64(1)}
	if v, ok := Lookup(doc, "a.b.c"); !ok || v != "deep" {
		t.Errorf("Lookup(a.b.c) = %v, %v", v, ok)
	}
	if _, ok := Lookup(doc, "x.y"); ok {
		t.Error("Lookup through a scalar should fail")
	}
	if _, ok := Lookup(doc, "missing"); ok {
		t.Error("Lookup of a missing field should fail")
	}
}

func TestMatchesTypeBracketing(t *testing.T) {
	doc := Document{"n": "10"}
	if Matches(doc, Filter{{Field: "n", Op: OpGt, Value: int64(1)}}) {
		t.Error("string field must not satisfy a numeric range")
	}
	if !Matches(doc, Filter{{Field: "n", Op: OpNe, Value: int64(10)}}) {
		t.Error("$ne across types should match")
	}
	if !Matches(Document{}, Eq("n", nil)) {
		t.Error("missing field should equal nil")
	}
}

func TestNormalizeValue(t *testing.T) {
	in := map[string]any{
		"u":    uint64(7),
		"i32":  int32(-3),
		"when": time.Date(2026, 1, 1, 0, 0, 0, 0, time.FixedZone("x", 3600)),
		"sub":  map[string]any{"k": int(1)},
		"arr":  []any{uint32(4)},
	}
	got := normalizeDocument(in)
	want := Document{
		"u":    int64(7),
		"i32":  int64(-3),
		"when": time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC),
		"sub":  Document{"k": int64(1)},
		"arr":  []any{int64(4)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("normalize (-want +got):\n%s", diff)
	}
}

func TestCheckDocumentRejectsUnknownTypes(t *testing.T) {
	if err := checkDocument(Document{"ch": make(chan int)}); err == nil {
		t.Error("expected error for channel value")
	}
	if err := checkDocument(Document{"nested": Document{"f": struct{}{}}}); err == nil {
		t.Error("expected error for nested struct value")
	}
}

func TestProject(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	got := Project(Document{"_id": "a", "d": at, "b": []byte("x"), "m": Document{"n": int32(2)}})
	want := map[string]any{"_id": "a", "d": int64(1700000000123), "m": map[string]any{"n": int64(2)}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Project (-want +got):\n%s", diff)
	}
}

func TestWindow(t *testing.T) {
	docs := []Document{{"_id": "a"}, {"_id": "b"}, {"_id": "c"}}
	if diff := cmp.Diff([]string{"b"}, ids(Window(docs, 1, 1))); diff != "" {
		t.Errorf("Window(1,1) (-want +got):\n%s", diff)
	}
	if got := Window(docs, 5, 0); len(got) != 0 {
		t.Errorf("Window past end = %v", got)
	}
}

func TestIndexName(t *testing.T) {
	idx := Index{Keys: []SortField{Asc("files_id"), Desc("n")}}
	if got := indexName(idx); got != "files_id_1_n_-1" {
		t.Errorf("indexName = %q", got)
	}
}

package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestRoundTripGenericMap(t *testing.T) {
	at := time.Date(2026, 5, 4, 3, 2, 1, 123_000_000, time.UTC)
	in := map[string]any{
		"name":   "report.pdf",
		"size":   int64(-42),
		"data":   []byte{1, 2, 3},
		"when":   at,
		"nested": map[string]any{"ok": true},
	}
	raw, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out map[string]any
	if err := Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got, ok := out["when"].(time.Time); !ok || !got.Equal(at) {
		t.Errorf("when = %#v, want %v", out["when"], at)
	}
	if diff := cmp.Diff([]byte{1, 2, 3}, out["data"]); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
	if _, ok := out["nested"].(map[string]any); !ok {
		t.Errorf("nested decoded as %T, want map[string]any", out["nested"])
	}
}

func TestEncodingIsDeterministic(t *testing.T) {
	a, _ := Marshal(map[string]any{"b": 1, "a": 2})
	b, _ := Marshal(map[string]any{"a": 2, "b": 1})
	if !bytes.Equal(a, b) {
		t.Error("map encoding depends on insertion order")
	}
}

func TestStreamEncoderDecoder(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for i := 0; i < 3; i++ {
		if err := enc.Encode(map[string]any{"i": i}); err != nil {
			t.Fatal(err)
		}
	}
	dec := NewDecoder(&buf)
	for i := 0; i < 3; i++ {
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			t.Fatalf("item %d: %v", i, err)
		}
		if m["i"] != uint64(i) {
			t.Errorf("item %d = %#v", i, m["i"])
		}
	}
}

package uid

import (
	"testing"
	"time"
)

func TestNewShapeAndUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if len(id) != 24 {
			t.Fatalf("len(%q) = %d, want 24", id, len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestTimeRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got, ok := Time(newAt(at))
	if !ok {
		t.Fatal("Time returned false for a generated id")
	}
	if !got.Equal(at) {
		t.Errorf("Time = %v, want %v", got, at)
	}
}

func TestTimeRejectsForeignIDs(t *testing.T) {
	for _, id := range []string{"", "report.pdf", "zzzzzzzzzzzzzzzzzzzzzzzz"} {
		if _, ok := Time(id); ok {
			t.Errorf("Time(%q) should fail", id)
		}
	}
}

func TestIDsSortByCreationSecond(t *testing.T) {
	early := newAt(time.Unix(1000, 0))
	late := newAt(time.Unix(2000, 0))
	if !(early < late) {
		t.Errorf("expected %q < %q", early, late)
	}
}

func TestIDsSortByCreationWithinSecond(t *testing.T) {
	at := time.Unix(1700000000, 0)
	prev := newAt(at)
	for i := 0; i < 1000; i++ {
		id := newAt(at)
		if !(prev < id) {
			t.Fatalf("id %q generated after %q sorts before it", id, prev)
		}
		prev = id
	}
}

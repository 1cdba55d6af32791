package clock

import (
	"testing"
	"time"
)

func TestFakeClockNow(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := Fake(start)
	if got := c.Now(); !got.Equal(start) {
		t.Fatalf("Now() = %v, want %v", got, start)
	}
	c.Advance(time.Minute)
	if got := c.Now(); !got.Equal(start.Add(time.Minute)) {
		t.Fatalf("after Advance, Now() = %v", got)
	}
}

func TestSteppingClockIncreases(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Stepping(start, time.Second)
	first, second := c.Now(), c.Now()
	if !second.After(first) {
		t.Fatalf("expected %v after %v", second, first)
	}
	if second.Sub(first) != time.Second {
		t.Errorf("step = %v, want 1s", second.Sub(first))
	}
}

func TestRealClock(t *testing.T) {
	var c Clock = Real()
	if c.Now().IsZero() {
		t.Fatal("real clock returned zero time")
	}
}

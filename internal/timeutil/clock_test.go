package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	if d := clock.Since(past); d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_After(t *testing.T) {
	select {
	case <-RealClock{}.After(5 * time.Millisecond):
	case <-time.After(time.Second):
		t.Error("After did not fire")
	}
}

func TestMockClock_SetAndSince(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	clock.Set(start.Add(90 * time.Second))
	if got := clock.Since(start); got != 90*time.Second {
		t.Errorf("Since() = %v, want 90s", got)
	}
}

func TestMockClock_AfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	ch := clock.After(time.Minute)
	if clock.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", clock.Pending())
	}

	clock.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	clock.Advance(30 * time.Second)
	select {
	case got := <-ch:
		if want := start.Add(time.Minute); !got.Equal(want) {
			t.Errorf("fired with %v, want %v", got, want)
		}
	default:
		t.Fatal("did not fire at deadline")
	}
	if clock.Pending() != 0 {
		t.Errorf("Pending() = %d after firing, want 0", clock.Pending())
	}
}

func TestMockClock_AfterNonPositive(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	select {
	case <-clock.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

package pipeline

import (
	"testing"
	"time"
)

func TestBackoffGrowsExponentiallyUntilCap(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 10 * time.Second, Jitter: 0}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // would be 16s, clamped to cap
		{10, 10 * time.Second},
	}

	for _, c := range cases {
		got := b.Delay(c.attempt)
		if got != c.want {
			t.Errorf("attempt %d: expected %v, got %v", c.attempt, c.want, got)
		}
	}
}

func TestBackoffTreatsNonPositiveAttemptAsFirst(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: time.Minute, Jitter: 0}
	if got := b.Delay(0); got != time.Second {
		t.Fatalf("expected attempt 0 to behave like attempt 1, got %v", got)
	}
	if got := b.Delay(-5); got != time.Second {
		t.Fatalf("expected negative attempt to behave like attempt 1, got %v", got)
	}
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: time.Minute, Jitter: 0.2}
	base := 4 * time.Second // attempt 3
	lower := time.Duration(float64(base) * 0.8)
	upper := time.Duration(float64(base) * 1.2)

	for i := 0; i < 100; i++ {
		got := b.Delay(3)
		if got < lower || got > upper {
			t.Fatalf("jittered delay %v out of bounds [%v, %v]", got, lower, upper)
		}
	}
}

func TestDefaultBackoffMatchesSpec(t *testing.T) {
	b := DefaultBackoff()
	if b.Base != time.Second {
		t.Fatalf("expected base 1s, got %v", b.Base)
	}
	if b.Cap != 5*time.Minute {
		t.Fatalf("expected cap 5m, got %v", b.Cap)
	}
	if b.Jitter != 0.2 {
		t.Fatalf("expected jitter 0.2, got %v", b.Jitter)
	}
}

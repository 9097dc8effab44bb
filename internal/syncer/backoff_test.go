package syncer

import (
	"math/rand"
	"testing"
	"time"
)

func TestBackoffDoublesUntilCeiling(t *testing.T) {
	base := 15 * time.Second
	max := 5 * time.Minute

	// No jitter: the schedule is exactly base * 2^n capped at max.
	expected := []time.Duration{
		30 * time.Second,
		time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		5 * time.Minute,
		5 * time.Minute,
	}
	for failures, want := range expected {
		if got := backoffDelay(base, max, failures+1, nil); got != want {
			t.Fatalf("failures=%d: expected %v, got %v", failures+1, want, got)
		}
	}
}

func TestBackoffZeroFailuresIsBase(t *testing.T) {
	base := 15 * time.Second
	if got := backoffDelay(base, 5*time.Minute, 0, nil); got != base {
		t.Fatalf("expected base interval, got %v", got)
	}
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	base := 15 * time.Second
	max := 5 * time.Minute
	rng := rand.New(rand.NewSource(1))

	for failures := 1; failures <= 8; failures++ {
		raw := backoffDelay(base, max, failures, nil)
		lower := time.Duration(float64(raw) * (1 - jitterFraction))
		if lower < base {
			lower = base
		}
		upper := time.Duration(float64(raw) * (1 + jitterFraction))
		for i := 0; i < 200; i++ {
			got := backoffDelay(base, max, failures, rng)
			if got < lower || got > upper {
				t.Fatalf("failures=%d: delay %v outside [%v, %v]", failures, got, lower, upper)
			}
		}
	}
}

func TestBackoffNeverBelowBase(t *testing.T) {
	base := 15 * time.Second
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		if got := backoffDelay(base, base, 1, rng); got < base {
			t.Fatalf("delay %v fell below the base interval", got)
		}
	}
}

package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestSearchBackoffConfig(t *testing.T) {
	config := SearchBackoffConfig()

	if config.Base != 1*time.Second {
		t.Errorf("Base = %v, want 1s", config.Base)
	}
	if config.Max != 3600*time.Second {
		t.Errorf("Max = %v, want 3600s", config.Max)
	}
	if config.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", config.Multiplier)
	}
}

func TestEnrichBackoffConfig(t *testing.T) {
	config := EnrichBackoffConfig()

	if config.Base != 5*time.Second {
		t.Errorf("Base = %v, want 5s", config.Base)
	}
	if config.Max != 3600*time.Second {
		t.Errorf("Max = %v, want 3600s", config.Max)
	}
}

// sequence feeds hits to b as a single sleeper would: each hit arrives once
// the previous wait has elapsed.
func sequence(b *Backoff, hints ...time.Duration) []time.Duration {
	now := time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)
	waits := make([]time.Duration, 0, len(hints))
	for _, h := range hints {
		w := b.Next(now, h)
		waits = append(waits, w)
		now = now.Add(w)
	}
	return waits
}

func TestBackoff_NextDoublesPerConsecutiveHit(t *testing.T) {
	b := NewBackoff(SearchBackoffConfig())

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	got := sequence(b, 0, 0, 0, 0)
	for i, w := range want {
		if got[i] != w {
			t.Errorf("Next() #%d = %v, want %v", i+1, got[i], w)
		}
	}
	if b.Streak() != 4 {
		t.Errorf("Streak() = %d, want 4", b.Streak())
	}
}

func TestBackoff_NextCapsAtMax(t *testing.T) {
	b := NewBackoff(BackoffConfig{Scope: "test", Base: time.Second, Max: 3 * time.Second, Multiplier: 10})

	got := sequence(b, 0, 0, time.Hour)
	if got[1] != 3*time.Second {
		t.Errorf("Next() = %v, want cap 3s", got[1])
	}
	if got[2] != 3*time.Second {
		t.Errorf("Next(hint) = %v, want cap 3s", got[2])
	}
}

func TestBackoff_HintWins(t *testing.T) {
	b := NewBackoff(SearchBackoffConfig())

	got := sequence(b, 2*time.Second, 0)
	if got[0] != 2*time.Second {
		t.Errorf("Next(2s) = %v, want 2s", got[0])
	}
	// Streak still advanced by the hinted hit.
	if got[1] != 2*time.Second {
		t.Errorf("Next() after hint = %v, want 2s", got[1])
	}
}

func TestBackoff_ResetClearsStreak(t *testing.T) {
	b := NewBackoff(EnrichBackoffConfig())

	sequence(b, 0, 0)
	b.Reset()

	if b.Streak() != 0 {
		t.Errorf("Streak() = %d, want 0", b.Streak())
	}
	if got := sequence(b, 0); got[0] != 5*time.Second {
		t.Errorf("Next() after reset = %v, want 5s", got[0])
	}
}

func TestBackoff_BurstCountsOnce(t *testing.T) {
	b := NewBackoff(SearchBackoffConfig())
	now := time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	waits := make([]time.Duration, 50)
	for i := range waits {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			waits[i] = b.Next(now, 0)
		}(i)
	}
	wg.Wait()

	if b.Streak() != 1 {
		t.Errorf("Streak() = %d, want 1", b.Streak())
	}
	for i, w := range waits {
		if w != time.Second {
			t.Errorf("wait #%d = %v, want 1s", i, w)
		}
	}
}

func TestBackoff_HitInsideWindowWaitsForRemainder(t *testing.T) {
	b := NewBackoff(SearchBackoffConfig())
	now := time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)

	// Two spaced hits: the second window runs from +1s to +3s.
	b.Next(now, 0)
	b.Next(now.Add(time.Second), 0)
	got := b.Next(now.Add(2*time.Second), 0)
	if got != time.Second {
		t.Errorf("Next() inside window = %v, want remaining 1s", got)
	}
	if b.Streak() != 2 {
		t.Errorf("Streak() = %d, want 2", b.Streak())
	}

	// A longer server hint extends the window without bumping the streak.
	if got := b.Next(now.Add(2*time.Second), 10*time.Second); got != 10*time.Second {
		t.Errorf("Next(10s) inside window = %v, want 10s", got)
	}
	if got := b.Next(now.Add(5*time.Second), 0); got != 7*time.Second {
		t.Errorf("Next() after extended hint = %v, want 7s", got)
	}
	if b.Streak() != 2 {
		t.Errorf("Streak() = %d, want 2", b.Streak())
	}
}

func TestNewBackoff_Defaults(t *testing.T) {
	b := NewBackoff(BackoffConfig{})
	if got := b.Next(time.Now(), 0); got != time.Second {
		t.Errorf("Next() with zero config = %v, want 1s", got)
	}
}

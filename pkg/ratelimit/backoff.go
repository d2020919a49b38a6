// Package ratelimit implements the reaction to application-level rate
// limiting (HTTP 429): exponential backoff state with server wait hints, and
// a pacer that spaces out dispatch waves before any 429 is seen.
package ratelimit

import (
	"sync"
	"time"
)

// BackoffConfig holds the exponential backoff parameters.
type BackoffConfig struct {
	// Scope labels log lines and metrics (e.g. "search", "enrich").
	Scope string

	// Base is the wait after the first consecutive rate-limit hit.
	Base time.Duration

	// Max caps every single wait, hinted or computed.
	Max time.Duration

	// Multiplier grows the wait per consecutive hit.
	Multiplier float64
}

// SearchBackoffConfig is the backoff used by the page fetcher.
func SearchBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Scope:      "search",
		Base:       1 * time.Second,
		Max:        3600 * time.Second,
		Multiplier: 2.0,
	}
}

// EnrichBackoffConfig is the backoff used by enrichment lookups.
func EnrichBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Scope:      "enrich",
		Base:       5 * time.Second,
		Max:        3600 * time.Second,
		Multiplier: 2.0,
	}
}

// Backoff tracks consecutive rate-limit hits for one harvest or enrichment
// pass. It is safe for concurrent use by the workers of that pass and must
// not be shared across partitions.
//
// Hits that arrive while a previous wait is still running belong to the same
// burst: they do not advance the streak and are told to wait until the burst
// window closes.
type Backoff struct {
	mu     sync.Mutex
	config BackoffConfig
	streak int
	until  time.Time
}

// NewBackoff creates a backoff with a zero streak.
func NewBackoff(config BackoffConfig) *Backoff {
	if config.Base <= 0 {
		config.Base = 1 * time.Second
	}
	if config.Max < config.Base {
		config.Max = config.Base
	}
	if config.Multiplier < 1 {
		config.Multiplier = 2.0
	}
	return &Backoff{config: config}
}

// Next registers a rate-limit hit observed at now and returns how long to
// wait. A positive hint from the server wins over the computed wait; both
// are capped at Max.
func (b *Backoff) Next(now time.Time, hint time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	var wait time.Duration
	if now.Before(b.until) {
		wait = b.until.Sub(now)
		if hint > wait {
			wait = b.capped(hint)
			b.until = now.Add(wait)
		}
	} else {
		b.streak++
		wait = hint
		if wait <= 0 {
			wait = b.config.Base
			for i := 1; i < b.streak && wait < b.config.Max; i++ {
				wait = time.Duration(float64(wait) * b.config.Multiplier)
			}
		}
		wait = b.capped(wait)
		b.until = now.Add(wait)
	}

	rateLimitHitsTotal.WithLabelValues(b.config.Scope).Inc()
	rateLimitWaitSeconds.WithLabelValues(b.config.Scope).Observe(wait.Seconds())
	return wait
}

func (b *Backoff) capped(wait time.Duration) time.Duration {
	if wait > b.config.Max {
		return b.config.Max
	}
	return wait
}

// Reset clears the streak after a successful call.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.streak = 0
	b.until = time.Time{}
	b.mu.Unlock()
}

// Streak returns the number of consecutive hits since the last Reset.
func (b *Backoff) Streak() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streak
}

// Scope returns the configured scope label.
func (b *Backoff) Scope() string {
	return b.config.Scope
}

package cache

import "time"

// CacheEntry is a cached lookup outcome.
type CacheEntry struct {
	// Found is the lookup outcome
	Found bool `json:"found"`

	// Expires is when the outcome should be looked up again
	Expires time.Time `json:"expires"`

	// CachedAt is when the outcome was stored
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired returns true if the cache entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *CacheEntry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

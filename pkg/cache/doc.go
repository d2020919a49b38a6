// Package cache remembers enrichment lookup outcomes in Redis.
//
// A lookup of an identifier against the per-article API either finds the
// article or not. The outcome rarely changes, so the enrichment walker asks
// the cache first and only calls the API for identifiers it has not seen
// within the TTL. Failed lookups are never cached.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient, "pii", 7*24*time.Hour)
//
//	found, err := manager.Outcome(ctx, "S0092867424000011")
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// look it up, then
//		_ = manager.Remember(ctx, "S0092867424000011", found)
//	}
//
// # Metrics
//
//   - harvest_cache_hits_total - Cache hits
//   - harvest_cache_misses_total - Cache misses
//   - harvest_cache_errors_total{operation} - Cache operation errors
package cache

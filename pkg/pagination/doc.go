// Package pagination harvests every page of a search query with a bounded
// pool of concurrent fetches.
//
// The search API reports the total result count only in its responses, so
// the harvester first fetches the starting offset alone. Once that page
// resolves it fills the pool with increasing offsets, never past the observed
// total, and keeps refilling as fetches complete. Each dispatch wave waits on
// a pacer so bursts stay under typical limits before any 429 is seen.
//
// Example usage:
//
//	fetcher := search.NewFetcher(transport, search.Config{APIKey: key}, nil, clock.Real{}, logger)
//	harvester := pagination.NewHarvester(fetcher, pagination.DefaultConfig(), clock.Real{}, logger)
//	results, err := harvester.Harvest(ctx, query)
//
// The harvester:
//   - Fetches the first offset alone to learn the total
//   - Dispatches up to MaxConcurrency offsets at a time, each offset exactly once
//   - Appends records in page completion order (order within a page is kept)
//   - Stops dispatching at end of results or once the total is reached
//   - Aborts on the first hard error, cancels in-flight fetches and discards
//     partial results
//   - Returns a frozen ResultSet
package pagination

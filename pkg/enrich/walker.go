// Package enrich adds a per-record existence flag to persisted tables.
//
// The walker reads a table back from the store, looks every distinct
// identifier up concurrently, and replaces the table with the flagged rows.
// Lookups are best-effort: anything that is not a definite "found" is
// recorded as false. Rate limits are waited out with a backoff owned by
// the Enrich call, so one table's 429 streak never carries into the next.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/venue-harvester/pkg/cache"
	"github.com/Sternrassler/venue-harvester/pkg/clock"
	"github.com/Sternrassler/venue-harvester/pkg/pagination"
	"github.com/Sternrassler/venue-harvester/pkg/ratelimit"
	"github.com/Sternrassler/venue-harvester/pkg/record"
	"github.com/Sternrassler/venue-harvester/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_enrich_lookups_total",
		Help: "Total identifier lookups by final outcome",
	}, []string{"outcome"})

	enrichDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_enrich_duration_seconds",
		Help:    "Wall time of one table enrichment",
		Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
	})
)

// OutcomeCache remembers lookup outcomes across runs. *cache.Manager
// implements it.
type OutcomeCache interface {
	Outcome(ctx context.Context, id string) (bool, error)
	Remember(ctx context.Context, id string, found bool) error
}

var _ OutcomeCache = (*cache.Manager)(nil)

// Config holds walker configuration.
type Config struct {
	// IDField is the record field looked up (default "pii").
	IDField string

	// FlagField receives the outcome (default "found").
	FlagField string

	// MaxConcurrency is the number of lookups in flight.
	MaxConcurrency int

	// MaxLoadingRetries bounds the waits on a warming-up service per
	// identifier (default 5).
	MaxLoadingRetries int

	// LoadingWait is used when a warming-up response carries a zero hint
	// (default 10s).
	LoadingWait time.Duration

	// Backoff configures the 429 policy (default ratelimit.EnrichBackoffConfig).
	Backoff ratelimit.BackoffConfig
}

// DefaultConfig returns the default walker configuration.
func DefaultConfig() Config {
	return Config{
		IDField:           "pii",
		FlagField:         "found",
		MaxConcurrency:    pagination.DefaultConcurrency(),
		MaxLoadingRetries: 5,
		LoadingWait:       10 * time.Second,
		Backoff:           ratelimit.EnrichBackoffConfig(),
	}
}

// Result maps every looked-up identifier to its outcome.
type Result struct {
	Table    string
	Outcomes map[string]bool
	Records  int
	Found    int
	Failed   int
	Cached   int
	Duration time.Duration
}

// Walker enriches persisted tables.
type Walker struct {
	store  store.TableStore
	lookup Lookup
	cache  OutcomeCache
	config Config
	clock  clock.Clock
	logger zerolog.Logger
}

// NewWalker creates a walker. outcomes may be nil.
func NewWalker(s store.TableStore, lookup Lookup, outcomes OutcomeCache, config Config, clk clock.Clock, logger zerolog.Logger) *Walker {
	defaults := DefaultConfig()
	if config.IDField == "" {
		config.IDField = defaults.IDField
	}
	if config.FlagField == "" {
		config.FlagField = defaults.FlagField
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.MaxLoadingRetries <= 0 {
		config.MaxLoadingRetries = defaults.MaxLoadingRetries
	}
	if config.LoadingWait <= 0 {
		config.LoadingWait = defaults.LoadingWait
	}
	if config.Backoff.Base <= 0 {
		config.Backoff = defaults.Backoff
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Walker{
		store:  s,
		lookup: lookup,
		cache:  outcomes,
		config: config,
		clock:  clk,
		logger: logger,
	}
}

// Enrich flags every record of table and writes the table back. The table
// is left untouched if ctx is cancelled before the write.
func (w *Walker) Enrich(ctx context.Context, table string) (*Result, error) {
	start := w.clock.Now()
	logger := w.logger.With().Str("table", table).Logger()

	records, err := w.store.FetchAll(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}

	ids := distinctIDs(records, w.config.IDField)
	logger.Info().
		Int("records", len(records)).
		Int("identifiers", len(ids)).
		Msg("Starting enrichment")

	result := &Result{Table: table, Records: len(records), Outcomes: make(map[string]bool, len(ids))}
	w.resolveAll(ctx, ids, result, logger)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("enrich %s cancelled: %w", table, err)
	}

	for i := range records {
		id, _ := records[i].GetString(w.config.IDField)
		records[i].Set(w.config.FlagField, record.Bool(result.Outcomes[id]))
	}

	columns := record.Columns(records)
	if len(records) == 0 {
		columns = []string{w.config.IDField, w.config.FlagField}
	}
	if err := w.store.Replace(ctx, table, columns, records); err != nil {
		return nil, fmt.Errorf("write %s: %w", table, err)
	}

	result.Duration = w.clock.Now().Sub(start)
	enrichDuration.Observe(result.Duration.Seconds())

	logger.Info().
		Int("identifiers", len(ids)).
		Int("found", result.Found).
		Int("failed", result.Failed).
		Int("cached", result.Cached).
		Dur("duration", result.Duration).
		Msg("Enrichment complete")

	return result, nil
}

func distinctIDs(records []record.Record, field string) []string {
	seen := make(map[string]bool, len(records))
	var ids []string
	for _, r := range records {
		id, ok := r.GetString(field)
		if !ok || id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// resolveAll looks ids up on a pool of MaxConcurrency workers.
func (w *Walker) resolveAll(ctx context.Context, ids []string, result *Result, logger zerolog.Logger) {
	backoff := ratelimit.NewBackoff(w.config.Backoff)
	jobs := make(chan string)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	workers := w.config.MaxConcurrency
	if workers > len(ids) {
		workers = len(ids)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				found, cached, failed := w.resolve(ctx, id, backoff, logger)

				mu.Lock()
				result.Outcomes[id] = found
				if found {
					result.Found++
				}
				if cached {
					result.Cached++
				}
				if failed {
					result.Failed++
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, id := range ids {
		select {
		case jobs <- id:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
}

// resolve returns the outcome of one identifier. Failed lookups resolve to
// not found and are not cached.
func (w *Walker) resolve(ctx context.Context, id string, backoff *ratelimit.Backoff, logger zerolog.Logger) (found, cached, failed bool) {
	logger = logger.With().Str("identifier", id).Logger()

	if w.cache != nil {
		hit, err := w.cache.Outcome(ctx, id)
		switch {
		case err == nil:
			lookupsTotal.WithLabelValues("cached").Inc()
			return hit, true, false
		case !errors.Is(err, cache.ErrCacheMiss):
			logger.Warn().Err(err).Msg("Lookup cache read failed")
		}
	}

	loading := 0
	for {
		attempt := w.lookup.Lookup(ctx, id)

		switch attempt.Status {
		case StatusFound, StatusNotFound:
			backoff.Reset()
			found = attempt.Status == StatusFound
			lookupsTotal.WithLabelValues(attempt.Status.String()).Inc()
			if w.cache != nil {
				if err := w.cache.Remember(ctx, id, found); err != nil {
					logger.Warn().Err(err).Msg("Lookup cache write failed")
				}
			}
			return found, false, false

		case StatusRateLimited:
			wait := backoff.Next(w.clock.Now(), attempt.Wait)
			logger.Warn().
				Dur("wait", wait).
				Bool("server_hint", attempt.Wait > 0).
				Int("streak", backoff.Streak()).
				Msg("Lookup rate limited, waiting")
			if err := w.clock.Sleep(ctx, wait); err != nil {
				return w.fail(logger, err)
			}

		case StatusLoading:
			loading++
			if loading > w.config.MaxLoadingRetries {
				return w.fail(logger, fmt.Errorf("service still loading after %d waits", w.config.MaxLoadingRetries))
			}
			wait := attempt.Wait
			if wait <= 0 {
				wait = w.config.LoadingWait
			}
			logger.Info().
				Dur("wait", wait).
				Int("attempt", loading).
				Msg("Lookup service loading, waiting")
			if err := w.clock.Sleep(ctx, wait); err != nil {
				return w.fail(logger, err)
			}

		default:
			return w.fail(logger, attempt.Err)
		}
	}
}

func (w *Walker) fail(logger zerolog.Logger, err error) (bool, bool, bool) {
	lookupsTotal.WithLabelValues("failed").Inc()
	logger.Warn().Err(err).Msg("Lookup failed, recording as not found")
	return false, false, true
}

package pagination

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/Sternrassler/venue-harvester/pkg/clock"
	"github.com/Sternrassler/venue-harvester/pkg/ratelimit"
	"github.com/Sternrassler/venue-harvester/pkg/record"
	"github.com/Sternrassler/venue-harvester/pkg/search"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for harvests.
var (
	harvestRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_records_total",
		Help: "Total records accumulated by completed harvests",
	})

	harvestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_harvests_total",
		Help: "Total harvests by result",
	}, []string{"result"})

	harvestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_duration_seconds",
		Help:    "Wall time of a single query harvest",
		Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
	})

	harvestInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_in_flight_fetches",
		Help: "Page fetches currently in flight",
	})
)

// MaxDefaultConcurrency caps the default pool width.
const MaxDefaultConcurrency = 20

// PageFetcher fetches one page of a query. *search.Fetcher implements it.
type PageFetcher interface {
	Fetch(ctx context.Context, q search.Query, offset int) search.Outcome
}

// Config holds harvester configuration.
type Config struct {
	// MaxConcurrency is the number of page fetches in flight at once.
	MaxConcurrency int

	// PaceInterval is the minimum spacing between dispatch waves. Zero
	// disables pacing.
	PaceInterval time.Duration
}

// DefaultConcurrency returns min(2 x available parallelism, 20).
func DefaultConcurrency() int {
	n := 2 * runtime.GOMAXPROCS(0)
	if n > MaxDefaultConcurrency {
		n = MaxDefaultConcurrency
	}
	if n < 1 {
		n = 1
	}
	return n
}

// DefaultConfig returns the default harvester configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: DefaultConcurrency(),
		PaceInterval:   1 * time.Second,
	}
}

// Harvester drives the concurrent pagination of one query at a time.
type Harvester struct {
	fetcher PageFetcher
	config  Config
	clock   clock.Clock
	logger  zerolog.Logger
}

// NewHarvester creates a harvester.
func NewHarvester(fetcher PageFetcher, config Config, clk clock.Clock, logger zerolog.Logger) *Harvester {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultConcurrency()
	}
	if config.PaceInterval < 0 {
		config.PaceInterval = 0
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Harvester{
		fetcher: fetcher,
		config:  config,
		clock:   clk,
		logger:  logger,
	}
}

// harvestState is the bookkeeping of one Harvest call. It is only touched by
// the coordinating goroutine.
type harvestState struct {
	next       int
	inFlight   int
	total      int
	totalKnown bool
	discovered bool
	ended      bool
	complete   bool
	pages      int
	err        error
}

func (s *harvestState) canDispatch(limit int) bool {
	switch {
	case s.err != nil, s.ended, s.complete:
		return false
	case !s.discovered && s.inFlight > 0:
		return false
	case s.totalKnown && s.next >= s.total:
		return false
	}
	return s.inFlight < limit
}

// Harvest fetches every page of q and returns the frozen result set. On a
// hard or schema error the harvest is aborted and no partial result is
// returned.
func (h *Harvester) Harvest(ctx context.Context, q search.Query) (*record.ResultSet, error) {
	start := h.clock.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pageSize := q.PageSize()
	pacer := ratelimit.NewPacer(h.config.PaceInterval, h.clock)
	results := make(chan search.Outcome, h.config.MaxConcurrency)
	rs := record.NewResultSet()
	state := &harvestState{next: q.Offset}

	logger := h.logger.With().Str("publication", q.Publication).Logger()
	logger.Info().
		Int("page_size", pageSize).
		Int("max_concurrency", h.config.MaxConcurrency).
		Msg("Starting harvest")

	dispatch := func(offset int) {
		state.inFlight++
		harvestInFlight.Inc()
		go func() {
			out := h.fetcher.Fetch(ctx, q, offset)
			out.Offset = offset
			results <- out
		}()
	}

	for {
		if state.canDispatch(h.config.MaxConcurrency) {
			if err := pacer.Wait(ctx); err != nil {
				state.err = fmt.Errorf("harvest cancelled: %w", err)
				cancel()
			}
			for state.canDispatch(h.config.MaxConcurrency) {
				dispatch(state.next)
				state.next += pageSize
			}
		}

		if state.inFlight == 0 {
			break
		}

		out := <-results
		state.inFlight--
		harvestInFlight.Dec()
		state.discovered = true

		if state.err != nil {
			// Aborting: drain and discard.
			continue
		}

		switch out.Kind {
		case search.OutcomeData:
			h.accept(rs, state, out, logger)

		case search.OutcomeEndOfResults:
			if !state.ended {
				logger.Info().Int("offset", out.Offset).Msg("No more results available after offset")
			}
			state.ended = true

		default:
			err := out.Err
			if err == nil {
				err = fmt.Errorf("unexpected outcome %s", out.Kind)
			}
			state.err = fmt.Errorf("harvest aborted at offset %d: %w", out.Offset, err)
			logger.Error().
				Err(err).
				Int("offset", out.Offset).
				Int("in_flight", state.inFlight).
				Msg("Page fetch failed, aborting harvest")
			cancel()
		}
	}

	elapsed := h.clock.Now().Sub(start)
	harvestDuration.Observe(elapsed.Seconds())

	if state.err != nil {
		harvestsTotal.WithLabelValues("failed").Inc()
		return nil, state.err
	}

	rs.Freeze()
	harvestsTotal.WithLabelValues("completed").Inc()
	harvestRecordsTotal.Add(float64(rs.Len()))

	event := logger.Info().
		Int("records", rs.Len()).
		Int("pages", state.pages).
		Dur("duration", elapsed)
	if state.totalKnown {
		event = event.Int("total", state.total)
	}
	event.Msg("All available results retrieved")

	return rs, nil
}

// accept merges a data page into the result set.
func (h *Harvester) accept(rs *record.ResultSet, state *harvestState, out search.Outcome, logger zerolog.Logger) {
	page := out.Page
	if page == nil {
		return
	}

	if !state.totalKnown && page.Total != nil {
		state.total = *page.Total
		state.totalKnown = true
		logger.Info().Int("total", state.total).Msg("Total results discovered")
	}

	records := page.Records
	if state.totalKnown {
		room := state.total - rs.Len()
		if room < 0 {
			room = 0
		}
		if len(records) > room {
			logger.Warn().
				Int("offset", out.Offset).
				Int("dropped", len(records)-room).
				Msg("Page exceeds reported total, truncating")
			records = records[:room]
		}
	}

	n, err := rs.Append(records...)
	if err != nil {
		state.err = err
		return
	}
	state.pages++

	logger.Debug().
		Int("offset", out.Offset).
		Int("page_records", len(records)).
		Int("records", n).
		Int("total", state.total).
		Msg("Page completed")

	if state.pages%50 == 0 {
		logger.Info().
			Int("pages", state.pages).
			Int("records", n).
			Int("total", state.total).
			Msg("Harvest progress")
	}

	if state.totalKnown && n >= state.total {
		state.complete = true
	}
}

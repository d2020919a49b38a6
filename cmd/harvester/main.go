// Command harvester pages through the search API venue by venue, stores one
// table per venue and run date, and flags each record with a lookup.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/venue-harvester/internal/config"
	"github.com/Sternrassler/venue-harvester/pkg/cache"
	"github.com/Sternrassler/venue-harvester/pkg/client"
	"github.com/Sternrassler/venue-harvester/pkg/clock"
	"github.com/Sternrassler/venue-harvester/pkg/enrich"
	"github.com/Sternrassler/venue-harvester/pkg/logging"
	"github.com/Sternrassler/venue-harvester/pkg/metrics"
	"github.com/Sternrassler/venue-harvester/pkg/pagination"
	"github.com/Sternrassler/venue-harvester/pkg/ratelimit"
	"github.com/Sternrassler/venue-harvester/pkg/scheduler"
	"github.com/Sternrassler/venue-harvester/pkg/search"
	"github.com/Sternrassler/venue-harvester/pkg/store"
	"github.com/Sternrassler/venue-harvester/pkg/store/postgres"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Exit codes.
const (
	exitOK = 0

	// exitFailed: a partition failed, or listing or previewing tables failed.
	exitFailed = 1

	// exitUsage: bad flags or an invalid config file.
	exitUsage = 2

	// exitStartup: the table store or the lookup cache could not be reached.
	exitStartup = 3
)

type options struct {
	configPath  string
	date        string
	enrichOnly  bool
	skipEnrich  bool
	listTables  bool
	preview     string
	previewRows int
	metricsAddr string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("harvester", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", getEnv("HARVEST_CONFIG", "config/harvester.yaml"), "path to the YAML config")
	fs.StringVar(&opts.date, "date", "", "run date YYYY-MM-DD naming the tables (default today)")
	fs.BoolVar(&opts.enrichOnly, "enrich-only", false, "enrich the run date's existing tables without harvesting")
	fs.BoolVar(&opts.skipEnrich, "skip-enrich", false, "harvest without enrichment")
	fs.BoolVar(&opts.listTables, "list-tables", false, "list stored tables and exit")
	fs.StringVar(&opts.preview, "preview", "", "print the first rows of a table and exit")
	fs.IntVar(&opts.previewRows, "preview-rows", store.DefaultPreviewLimit, "rows printed by -preview")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides config)")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.enrichOnly && opts.skipEnrich {
		return options{}, errors.New("-enrich-only and -skip-enrich are mutually exclusive")
	}
	return opts, nil
}

// parseRunDate parses YYYY-MM-DD; empty means today.
func parseRunDate(value string, now time.Time) (time.Time, error) {
	if value == "" {
		return now, nil
	}
	date, err := time.ParseInLocation("2006-01-02", value, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid -date %q: %w", value, err)
	}
	return date, nil
}

func run(args []string, stdout io.Writer) int {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Addr = opts.metricsAddr
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
		Output: os.Stderr,
	})
	logger := logging.NewLogger(logging.ComponentMain)

	date, err := parseRunDate(opts.date, time.Now())
	if err != nil {
		logger.Error().Err(err).Msg("Invalid arguments")
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tables, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open table store")
		return exitStartup
	}
	defer closeStore()

	switch {
	case opts.listTables:
		return listTables(ctx, tables, stdout, logger)
	case opts.preview != "":
		return previewTable(ctx, tables, opts.preview, opts.previewRows, stdout, logger)
	}

	if cfg.Metrics.Addr != "" {
		shutdown := serveMetrics(cfg.Metrics.Addr, logger)
		defer shutdown()
	}

	outcomes, closeCache, err := openCache(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to Redis")
		return exitStartup
	}
	defer closeCache()

	sched := buildScheduler(cfg, date, tables, outcomes, !opts.skipEnrich)
	partitions := partitionSpecs(cfg.Partitions)

	var summary scheduler.Summary
	if opts.enrichOnly {
		summary = sched.EnrichExisting(ctx, partitions)
	} else {
		summary = sched.Run(ctx, partitions)
	}

	fmt.Fprintf(stdout, "completed=%d skipped=%d failed=%d enriched=%d enrich_failed=%d duration=%s\n",
		summary.Completed, summary.Skipped, summary.Failed, summary.Enriched, summary.EnrichFailed,
		summary.Duration.Round(time.Millisecond))

	if summary.Failed > 0 {
		return exitFailed
	}
	return exitOK
}

// openStore returns the Postgres store when a DSN is configured, else an
// in-memory store for dry runs.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.TableStore, func(), error) {
	logger := logging.NewLogger(logging.ComponentStore)
	if cfg.DSN == "" {
		logger.Warn().Msg("No database DSN configured, using in-memory store (dry run)")
		return store.NewMemoryStore(), func() {}, nil
	}

	pg, err := postgres.New(ctx, postgres.Config{
		DSN:            cfg.DSN,
		Schema:         cfg.Schema,
		MaxConns:       cfg.MaxConns,
		BatchSize:      cfg.BatchSize,
		SimpleProtocol: cfg.SimpleProtocol,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Str("schema", cfg.Schema).Msg("Connected to PostgreSQL")
	return pg, pg.Close, nil
}

// openCache returns the Redis lookup cache, or nil when Redis is not
// configured.
func openCache(ctx context.Context, cfg config.Config) (enrich.OutcomeCache, func(), error) {
	if !cfg.Redis.Enabled() {
		return nil, func() {}, nil
	}

	opts, err := redisOptions(cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	redisClient := redis.NewClient(opts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, nil, err
	}
	enrichLogger := logging.NewLogger(logging.ComponentEnrich)
	enrichLogger.Info().
		Str("addr", opts.Addr).
		Dur("ttl", cfg.Redis.TTL()).
		Msg("Connected to Redis lookup cache")

	manager := cache.NewManager(redisClient, cfg.Harvest.IDField, cfg.Redis.TTL())
	return manager, func() { redisClient.Close() }, nil
}

// redisOptions builds client options from a redis:// URL when one is set,
// else from the plain address settings.
func redisOptions(cfg config.RedisConfig) (*redis.Options, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}, nil
}

func buildQuery(cfg config.HarvestConfig) search.Query {
	return search.Query{
		QueryString: cfg.Query,
		Filters:     cfg.Filters,
		Show:        cfg.PageSize,
		SortBy:      cfg.SortBy,
	}
}

func partitionSpecs(partitions []config.PartitionConfig) []scheduler.PartitionSpec {
	out := make([]scheduler.PartitionSpec, len(partitions))
	for i, p := range partitions {
		out[i] = scheduler.PartitionSpec{Label: p.Label, Publication: p.Publication}
	}
	return out
}

func newTransport(cfg config.APIConfig, statuses []int, clk clock.Clock) client.Doer {
	return client.NewTransport(
		client.NewHTTPDoer(cfg.Timeout(), cfg.UserAgent),
		client.RetryConfig{
			MaxRetries:    cfg.Retry.Retries(),
			BackoffFactor: cfg.Retry.BackoffFactor(),
			RetryStatuses: statuses,
		},
		clk,
		logging.NewLogger(logging.ComponentTransport),
	)
}

// lookupRetryStatuses drops 503 from statuses: the lookup service answers 503
// while it is loading, and the walker waits that out with the server's hint.
func lookupRetryStatuses(statuses []int) []int {
	out := make([]int, 0, len(statuses))
	for _, s := range statuses {
		if s != http.StatusServiceUnavailable {
			out = append(out, s)
		}
	}
	return out
}

func buildScheduler(cfg config.Config, date time.Time, tables store.TableStore, outcomes enrich.OutcomeCache, withEnrich bool) *scheduler.Scheduler {
	clk := clock.Real{}
	doer := newTransport(cfg.API, cfg.API.Retry.Statuses, clk)
	lookupDoer := newTransport(cfg.API, lookupRetryStatuses(cfg.API.Retry.Statuses), clk)

	harvestConfig := pagination.Config{
		MaxConcurrency: cfg.Harvest.MaxConcurrency,
		PaceInterval:   cfg.Harvest.PaceInterval(),
	}
	searchBackoff := ratelimit.BackoffConfig{
		Scope:      "search",
		Base:       cfg.Harvest.Backoff.Base(),
		Max:        cfg.Harvest.Backoff.Max(),
		Multiplier: 2,
	}

	newHarvester := func() scheduler.Harvester {
		fetcher := search.NewFetcher(doer,
			search.Config{BaseURL: cfg.API.SearchURL, APIKey: cfg.API.APIKey},
			ratelimit.NewBackoff(searchBackoff),
			clk,
			logging.NewLogger(logging.ComponentSearch),
		)
		return pagination.NewHarvester(fetcher, harvestConfig, clk, logging.NewLogger(logging.ComponentHarvest))
	}

	walker := enrich.NewWalker(
		tables,
		enrich.NewHTTPLookup(lookupDoer, cfg.API.LookupURL, cfg.API.APIKey, clk),
		outcomes,
		enrich.Config{
			IDField:           cfg.Harvest.IDField,
			FlagField:         cfg.Enrich.FlagField,
			MaxConcurrency:    cfg.Enrich.MaxConcurrency,
			MaxLoadingRetries: cfg.Enrich.MaxLoadingRetries,
			LoadingWait:       cfg.Enrich.LoadingWait(),
			Backoff: ratelimit.BackoffConfig{
				Scope:      "enrich",
				Base:       cfg.Enrich.Backoff.Base(),
				Max:        cfg.Enrich.Backoff.Max(),
				Multiplier: 2,
			},
		},
		clk,
		logging.NewLogger(logging.ComponentEnrich),
	)

	return scheduler.New(scheduler.Config{
		Date:       date,
		Query:      buildQuery(cfg.Harvest),
		LabelField: cfg.Harvest.LabelField,
		IDField:    cfg.Harvest.IDField,
		Enrich:     withEnrich && cfg.Enrich.Enabled,
	}, tables, newHarvester, walker, clk, logging.NewLogger(logging.ComponentScheduler))
}

func listTables(ctx context.Context, tables store.TableStore, stdout io.Writer, logger zerolog.Logger) int {
	names, err := tables.ListTables(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list tables")
		return exitFailed
	}
	for _, name := range names {
		fmt.Fprintln(stdout, name)
	}
	return exitOK
}

func previewTable(ctx context.Context, tables store.TableStore, name string, limit int, stdout io.Writer, logger zerolog.Logger) int {
	rows, err := tables.Preview(ctx, name, limit)
	if err != nil {
		logger.Error().Err(err).Str("table", name).Msg("Failed to preview table")
		return exitFailed
	}
	enc := json.NewEncoder(stdout)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			logger.Error().Err(err).Msg("Failed to encode row")
			return exitFailed
		}
	}
	return exitOK
}

func serveMetrics(addr string, logger zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", healthHandler)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Package scheduler runs harvests partition by partition.
//
// Partitions run one after another so peak concurrency is one harvester
// pool. Each partition maps to one table per run date; a partition whose
// table already exists is skipped without any network call. A failing
// partition is logged and counted, and the run moves on.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/Sternrassler/venue-harvester/pkg/client"
	"github.com/Sternrassler/venue-harvester/pkg/clock"
	"github.com/Sternrassler/venue-harvester/pkg/enrich"
	"github.com/Sternrassler/venue-harvester/pkg/record"
	"github.com/Sternrassler/venue-harvester/pkg/search"
	"github.com/Sternrassler/venue-harvester/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var partitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harvest_partitions_total",
	Help: "Total partitions processed by status",
}, []string{"status"})

// Harvester harvests one query. *pagination.Harvester implements it.
type Harvester interface {
	Harvest(ctx context.Context, q search.Query) (*record.ResultSet, error)
}

// Enricher flags a persisted table. *enrich.Walker implements it.
type Enricher interface {
	Enrich(ctx context.Context, table string) (*enrich.Result, error)
}

// HarvesterFactory builds a harvester with fresh rate-limit state.
type HarvesterFactory func() Harvester

// PartitionSpec names one venue to harvest.
type PartitionSpec struct {
	// Label is the exact venue name records must carry.
	Label string

	// Publication is the search filter; defaults to the quoted label.
	Publication string
}

func (p PartitionSpec) publication() string {
	if p.Publication != "" {
		return p.Publication
	}
	return `"` + p.Label + `"`
}

// Status is the outcome of one partition.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// PartitionState is the bookkeeping of one partition in one run.
type PartitionState struct {
	Label    string
	Table    string
	Status   Status
	Records  int
	Filtered int
	Enriched bool
	Err      error
	Duration time.Duration
}

// Summary reports a whole run.
type Summary struct {
	Completed    int
	Skipped      int
	Failed       int
	Enriched     int
	EnrichFailed int
	Partitions   []PartitionState
	Duration     time.Duration
}

func (s *Summary) add(p PartitionState) {
	switch p.Status {
	case StatusCompleted:
		s.Completed++
	case StatusSkipped:
		s.Skipped++
	case StatusFailed:
		s.Failed++
	}
	s.Partitions = append(s.Partitions, p)
	partitionsTotal.WithLabelValues(string(p.Status)).Inc()
}

// Config holds scheduler configuration.
type Config struct {
	// Date names the run's tables (default: today).
	Date time.Time

	// Query is the template every partition query is derived from.
	Query search.Query

	// LabelField carries the venue name on each record (default "sourceTitle").
	LabelField string

	// IDField is the record identifier (default "pii").
	IDField string

	// Enrich runs the enricher after each completed partition.
	Enrich bool
}

// Scheduler drives a run over partitions.
type Scheduler struct {
	config       Config
	store        store.TableStore
	newHarvester HarvesterFactory
	enricher     Enricher
	clock        clock.Clock
	logger       zerolog.Logger
}

// New creates a scheduler. enricher may be nil when enrichment is disabled.
func New(config Config, s store.TableStore, newHarvester HarvesterFactory, enricher Enricher, clk clock.Clock, logger zerolog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if config.Date.IsZero() {
		config.Date = clk.Now()
	}
	if config.LabelField == "" {
		config.LabelField = "sourceTitle"
	}
	if config.IDField == "" {
		config.IDField = "pii"
	}
	return &Scheduler{
		config:       config,
		store:        s,
		newHarvester: newHarvester,
		enricher:     enricher,
		clock:        clk,
		logger:       logger,
	}
}

// TableName returns the table partition p is written to in this run.
func (s *Scheduler) TableName(p PartitionSpec) string {
	return store.TableName(p.Label, s.config.Date)
}

// Run harvests every partition in order.
func (s *Scheduler) Run(ctx context.Context, partitions []PartitionSpec) Summary {
	start := s.clock.Now()
	var summary Summary

	s.logger.Info().
		Int("partitions", len(partitions)).
		Str("date", s.config.Date.Format("2006-01-02")).
		Bool("enrich", s.config.Enrich && s.enricher != nil).
		Msg("Starting run")

	for _, p := range partitions {
		state := s.runPartition(ctx, p)
		if state.Enriched {
			summary.Enriched++
		} else if state.Status == StatusCompleted && s.config.Enrich && s.enricher != nil {
			summary.EnrichFailed++
		}
		summary.add(state)
	}

	summary.Duration = s.clock.Now().Sub(start)
	s.logSummary(summary)
	return summary
}

func (s *Scheduler) runPartition(ctx context.Context, p PartitionSpec) PartitionState {
	start := s.clock.Now()
	state := PartitionState{Label: p.Label, Table: s.TableName(p)}
	logger := s.logger.With().
		Str("partition", p.Label).
		Str("table", state.Table).
		Logger()

	finish := func(status Status, err error) PartitionState {
		state.Status = status
		state.Err = err
		state.Duration = s.clock.Now().Sub(start)
		return state
	}

	if err := ctx.Err(); err != nil {
		logger.Warn().Err(err).Msg("Run cancelled, partition not started")
		return finish(StatusFailed, err)
	}

	exists, err := s.store.Exists(ctx, state.Table)
	if err != nil {
		logger.Error().Err(err).Msg("Table existence check failed")
		return finish(StatusFailed, err)
	}
	if exists {
		logger.Info().Msg("Table already exists, skipping partition")
		return finish(StatusSkipped, nil)
	}

	q := s.config.Query
	q.Publication = p.publication()
	q.Offset = 0

	logger.Info().Str("publication", q.Publication).Msg("Harvesting partition")

	rs, err := s.newHarvester().Harvest(ctx, q)
	if err != nil {
		logger.Error().
			Err(err).
			Str("error_class", errorClass(err)).
			Msg("Harvest failed, table not created")
		return finish(StatusFailed, err)
	}
	state.Records = rs.Len()

	filtered := rs.Filter(record.FieldEquals(s.config.LabelField, p.Label))
	state.Filtered = filtered.Len()
	if dropped := state.Records - state.Filtered; dropped > 0 {
		logger.Info().
			Int("dropped", dropped).
			Int("kept", state.Filtered).
			Msg("Dropped records from other venues")
	}

	n, err := store.Upload(ctx, s.store, filtered, state.Table, s.config.IDField, s.config.LabelField)
	if err != nil {
		logger.Error().Err(err).Msg("Upload failed")
		return finish(StatusFailed, err)
	}
	logger.Info().Int("rows", n).Msg("Table written")

	if s.config.Enrich && s.enricher != nil {
		state.Enriched = s.enrichTable(ctx, state.Table, logger)
	}

	return finish(StatusCompleted, nil)
}

func (s *Scheduler) enrichTable(ctx context.Context, table string, logger zerolog.Logger) bool {
	result, err := s.enricher.Enrich(ctx, table)
	if err != nil {
		logger.Error().Err(err).Msg("Enrichment failed, table kept without flags")
		return false
	}
	logger.Info().
		Int("found", result.Found).
		Int("identifiers", len(result.Outcomes)).
		Msg("Table enriched")
	return true
}

// EnrichExisting enriches the run date's tables of partitions that already
// exist, without harvesting. Missing tables are skipped.
func (s *Scheduler) EnrichExisting(ctx context.Context, partitions []PartitionSpec) Summary {
	start := s.clock.Now()
	var summary Summary

	for _, p := range partitions {
		table := s.TableName(p)
		logger := s.logger.With().Str("partition", p.Label).Str("table", table).Logger()
		state := PartitionState{Label: p.Label, Table: table}

		exists, err := s.store.Exists(ctx, table)
		switch {
		case err != nil:
			logger.Error().Err(err).Msg("Table existence check failed")
			state.Status, state.Err = StatusFailed, err
		case !exists:
			logger.Info().Msg("No table for this date, skipping enrichment")
			state.Status = StatusSkipped
		case s.enricher == nil:
			state.Status, state.Err = StatusFailed, errors.New("no enricher configured")
		default:
			state.Status = StatusCompleted
			state.Enriched = s.enrichTable(ctx, table, logger)
			if state.Enriched {
				summary.Enriched++
			} else {
				summary.EnrichFailed++
			}
		}
		summary.add(state)
	}

	summary.Duration = s.clock.Now().Sub(start)
	s.logSummary(summary)
	return summary
}

func (s *Scheduler) logSummary(summary Summary) {
	event := s.logger.Info()
	if summary.Failed > 0 || summary.EnrichFailed > 0 {
		event = s.logger.Warn()
	}
	event.
		Int("completed", summary.Completed).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Int("enriched", summary.Enriched).
		Int("enrich_failed", summary.EnrichFailed).
		Dur("duration", summary.Duration).
		Msg("Run finished")
}

// errorClass names the failure class of a harvest error for logs.
func errorClass(err error) string {
	var schemaErr *search.SchemaError
	var apiErr *client.APIError
	switch {
	case errors.As(err, &schemaErr):
		return string(client.ErrorClassSchema)
	case errors.As(err, &apiErr):
		return string(apiErr.ErrorClass)
	case errors.Is(err, client.ErrRetryExhausted):
		return string(client.ErrorClassNetwork)
	case client.IsContextCancelled(err):
		return "cancelled"
	}
	return "unknown"
}

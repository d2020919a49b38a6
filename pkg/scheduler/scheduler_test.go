package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/venue-harvester/internal/testutil"
	"github.com/Sternrassler/venue-harvester/pkg/client"
	"github.com/Sternrassler/venue-harvester/pkg/enrich"
	"github.com/Sternrassler/venue-harvester/pkg/pagination"
	"github.com/Sternrassler/venue-harvester/pkg/ratelimit"
	"github.com/Sternrassler/venue-harvester/pkg/record"
	"github.com/Sternrassler/venue-harvester/pkg/search"
	"github.com/Sternrassler/venue-harvester/pkg/store"
	"github.com/rs/zerolog"
)

var runDate = time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)

func article(id, venue string) record.Record {
	return record.FromFields(
		record.Field{Name: "pii", Value: record.String(id)},
		record.Field{Name: "sourceTitle", Value: record.String(venue)},
	)
}

// fakeHarvester answers per publication and counts calls.
type fakeHarvester struct {
	mu      sync.Mutex
	results map[string][]record.Record
	errs    map[string]error
	queries []search.Query
}

func newFakeHarvester() *fakeHarvester {
	return &fakeHarvester{results: make(map[string][]record.Record), errs: make(map[string]error)}
}

func (f *fakeHarvester) Harvest(ctx context.Context, q search.Query) (*record.ResultSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if err := f.errs[q.Publication]; err != nil {
		return nil, err
	}
	return record.FromRecords(f.results[q.Publication]), nil
}

func (f *fakeHarvester) factory() HarvesterFactory {
	return func() Harvester { return f }
}

type fakeEnricher struct {
	tables []string
	err    error
}

func (f *fakeEnricher) Enrich(ctx context.Context, table string) (*enrich.Result, error) {
	f.tables = append(f.tables, table)
	if f.err != nil {
		return nil, f.err
	}
	return &enrich.Result{Table: table, Outcomes: map[string]bool{}}, nil
}

func newTestScheduler(s store.TableStore, h *fakeHarvester, e Enricher, withEnrich bool) *Scheduler {
	return New(Config{Date: runDate, Enrich: withEnrich}, s, h.factory(), e, testutil.NewFakeClock(runDate), zerolog.Nop())
}

func TestTableName(t *testing.T) {
	s := newTestScheduler(store.NewMemoryStore(), newFakeHarvester(), nil, false)
	if got := s.TableName(PartitionSpec{Label: "Cell Reports"}); got != "Cell_Reports_2024_03_07" {
		t.Errorf("TableName() = %q, want %q", got, "Cell_Reports_2024_03_07")
	}
}

func TestRun_FiltersToExactLabel(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	h := newFakeHarvester()
	h.results[`"Cell"`] = []record.Record{
		article("S1", "Cell"),
		article("S2", "Cell Reports"),
		article("S3", "Cell"),
		article("S4", "Cell Chemical Biology"),
	}

	summary := newTestScheduler(st, h, nil, false).Run(ctx, []PartitionSpec{{Label: "Cell"}})

	if summary.Completed != 1 {
		t.Fatalf("Completed = %d, want 1", summary.Completed)
	}
	p := summary.Partitions[0]
	if p.Records != 4 || p.Filtered != 2 {
		t.Errorf("Records = %d, Filtered = %d; want 4, 2", p.Records, p.Filtered)
	}

	rows, err := st.FetchAll(ctx, "Cell_2024_03_07")
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	for _, r := range rows {
		if venue, _ := r.GetString("sourceTitle"); venue != "Cell" {
			t.Errorf("persisted record from %q", venue)
		}
	}
	if len(rows) != 2 {
		t.Errorf("persisted %d rows, want 2", len(rows))
	}
}

func TestRun_SkipsExistingTable(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.Create(ctx, "Cell_2024_03_07", []string{"pii"})
	h := newFakeHarvester()

	summary := newTestScheduler(st, h, nil, false).Run(ctx, []PartitionSpec{{Label: "Cell"}})

	if summary.Skipped != 1 || summary.Completed != 0 {
		t.Errorf("Skipped = %d, Completed = %d; want 1, 0", summary.Skipped, summary.Completed)
	}
	if len(h.queries) != 0 {
		t.Errorf("harvester called %d times for an existing table", len(h.queries))
	}
}

func TestRun_FailureLeavesNoTableAndContinues(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	h := newFakeHarvester()
	h.errs[`"Cell"`] = &client.APIError{StatusCode: 403, ErrorClass: client.ErrorClassHard, Message: "Forbidden"}
	h.results[`"Neuron"`] = []record.Record{article("N1", "Neuron")}

	summary := newTestScheduler(st, h, nil, false).Run(ctx, []PartitionSpec{{Label: "Cell"}, {Label: "Neuron"}})

	if summary.Failed != 1 || summary.Completed != 1 {
		t.Errorf("Failed = %d, Completed = %d; want 1, 1", summary.Failed, summary.Completed)
	}
	if ok, _ := st.Exists(ctx, "Cell_2024_03_07"); ok {
		t.Error("failed partition should leave no table")
	}
	if ok, _ := st.Exists(ctx, "Neuron_2024_03_07"); !ok {
		t.Error("next partition should still be written")
	}

	var apiErr *client.APIError
	if !errors.As(summary.Partitions[0].Err, &apiErr) {
		t.Errorf("partition error = %v, want *client.APIError", summary.Partitions[0].Err)
	}
}

func TestRun_EmptyHarvestStillWritesTable(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	h := newFakeHarvester()
	h.results[`"Cell"`] = []record.Record{article("S2", "Cell Reports")}

	summary := newTestScheduler(st, h, nil, false).Run(ctx, []PartitionSpec{{Label: "Cell"}})

	if summary.Completed != 1 {
		t.Fatalf("Completed = %d, want 1", summary.Completed)
	}
	columns, ok := st.Columns("Cell_2024_03_07")
	if !ok {
		t.Fatal("table should exist")
	}
	if len(columns) != 2 {
		t.Errorf("columns = %v, want [pii sourceTitle]", columns)
	}
}

func TestRun_PublicationOverride(t *testing.T) {
	h := newFakeHarvester()
	s := newTestScheduler(store.NewMemoryStore(), h, nil, false)

	s.Run(context.Background(), []PartitionSpec{{Label: "Cell", Publication: "Cell Press"}, {Label: "Neuron"}})

	if len(h.queries) != 2 {
		t.Fatalf("queries = %d, want 2", len(h.queries))
	}
	if h.queries[0].Publication != "Cell Press" || h.queries[1].Publication != `"Neuron"` {
		t.Errorf("publications = %q, %q", h.queries[0].Publication, h.queries[1].Publication)
	}
}

func TestRun_Enrichment(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.Create(ctx, "Skipped_2024_03_07", []string{"pii"})
	h := newFakeHarvester()
	h.errs[`"Broken"`] = errors.New("boom")
	e := &fakeEnricher{}

	summary := newTestScheduler(st, h, e, true).Run(ctx, []PartitionSpec{
		{Label: "Cell"}, {Label: "Skipped"}, {Label: "Broken"}, {Label: "Neuron"},
	})

	if summary.Enriched != 2 || summary.EnrichFailed != 0 {
		t.Errorf("Enriched = %d, EnrichFailed = %d; want 2, 0", summary.Enriched, summary.EnrichFailed)
	}
	if len(e.tables) != 2 || e.tables[0] != "Cell_2024_03_07" || e.tables[1] != "Neuron_2024_03_07" {
		t.Errorf("enriched tables = %v", e.tables)
	}
}

func TestRun_EnrichmentFailureKeepsPartitionCompleted(t *testing.T) {
	h := newFakeHarvester()
	e := &fakeEnricher{err: errors.New("store down")}

	summary := newTestScheduler(store.NewMemoryStore(), h, e, true).Run(context.Background(), []PartitionSpec{{Label: "Cell"}})

	if summary.Completed != 1 || summary.EnrichFailed != 1 {
		t.Errorf("Completed = %d, EnrichFailed = %d; want 1, 1", summary.Completed, summary.EnrichFailed)
	}
}

func TestRun_Cancelled(t *testing.T) {
	h := newFakeHarvester()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := newTestScheduler(store.NewMemoryStore(), h, nil, false).Run(ctx, []PartitionSpec{{Label: "Cell"}, {Label: "Neuron"}})

	if summary.Failed != 2 || len(h.queries) != 0 {
		t.Errorf("Failed = %d, harvests = %d; want 2, 0", summary.Failed, len(h.queries))
	}
}

func TestEnrichExisting(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.Create(ctx, "Cell_2024_03_07", []string{"pii"})
	h := newFakeHarvester()
	e := &fakeEnricher{}

	summary := newTestScheduler(st, h, e, true).EnrichExisting(ctx, []PartitionSpec{{Label: "Cell"}, {Label: "Neuron"}})

	if summary.Enriched != 1 || summary.Skipped != 1 {
		t.Errorf("Enriched = %d, Skipped = %d; want 1, 1", summary.Enriched, summary.Skipped)
	}
	if len(h.queries) != 0 {
		t.Error("enrich-only run should not harvest")
	}
}

// Full pipeline against the mock API: an existing table costs no requests,
// the other partition is harvested, filtered, persisted and enriched.
func TestRun_MockAPIPipeline(t *testing.T) {
	ctx := context.Background()
	mock := testutil.NewMockSearchAPI()
	defer mock.Close()

	articles := append(testutil.Articles("S", 0, 3, "Neuron"), testutil.Articles("X", 0, 1, "Neuron Reports")...)
	mock.SetOffset(0, testutil.NewPageResponse(4, articles...))
	mock.SetLookup("S-1", testutil.NewStatusResponse(200, `{}`))

	st := store.NewMemoryStore()
	st.Create(ctx, "Cell_2024_03_07", []string{"pii"})

	clk := testutil.NewFakeClock(runDate)
	doer := client.NewTransport(client.NewHTTPDoer(5*time.Second, "test"), client.DefaultRetryConfig(), clk, zerolog.Nop())
	newHarvester := func() Harvester {
		fetcher := search.NewFetcher(doer, search.Config{BaseURL: mock.SearchURL()},
			ratelimit.NewBackoff(ratelimit.SearchBackoffConfig()), clk, zerolog.Nop())
		return pagination.NewHarvester(fetcher, pagination.Config{MaxConcurrency: 4, PaceInterval: time.Second}, clk, zerolog.Nop())
	}
	walker := enrich.NewWalker(st, enrich.NewHTTPLookup(doer, mock.LookupURL(), "", clk), nil, enrich.Config{MaxConcurrency: 2}, clk, zerolog.Nop())

	s := New(Config{Date: runDate, Enrich: true}, st, newHarvester, walker, clk, zerolog.Nop())

	before := mock.GetRequestCount()
	summary := s.Run(ctx, []PartitionSpec{{Label: "Cell"}})
	if mock.GetRequestCount() != before || summary.Skipped != 1 {
		t.Fatalf("existing table: requests = %d, Skipped = %d; want 0 requests, 1 skip", mock.GetRequestCount()-before, summary.Skipped)
	}

	summary = s.Run(ctx, []PartitionSpec{{Label: "Neuron"}})
	if summary.Completed != 1 || summary.Enriched != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	rows, err := st.FetchAll(ctx, "Neuron_2024_03_07")
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	for _, r := range rows {
		id, _ := r.GetString("pii")
		flag, _ := r.GetString("found")
		if want := id == "S-1"; (flag == "true") != want {
			t.Errorf("%s found = %q", id, flag)
		}
		if authors, _ := r.GetString("authors"); authors != "A. Author, B. Author" {
			t.Errorf("%s authors = %q", id, authors)
		}
	}
}

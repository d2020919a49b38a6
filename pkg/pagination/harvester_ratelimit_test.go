package pagination

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/venue-harvester/internal/testutil"
	"github.com/Sternrassler/venue-harvester/pkg/client"
	"github.com/Sternrassler/venue-harvester/pkg/search"
	"github.com/rs/zerolog"
)

// stoppedClock records sleeps without moving time, so every sleeper of a
// burst is still inside the burst when it wakes.
type stoppedClock struct {
	now time.Time

	mu     sync.Mutex
	sleeps []time.Duration
}

func (c *stoppedClock) Now() time.Time { return c.now }

func (c *stoppedClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *stoppedClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// burstDoer answers the first request for every offset except 0 with a 429,
// holding those answers back until burst requests have arrived together.
type burstDoer struct {
	total    int
	pageSize int
	burst    int

	mu       sync.Mutex
	seen     map[int]int
	arrived  int
	released chan struct{}
}

func newBurstDoer(total, pageSize, burst int) *burstDoer {
	return &burstDoer{
		total:    total,
		pageSize: pageSize,
		burst:    burst,
		seen:     make(map[int]int),
		released: make(chan struct{}),
	}
}

func (d *burstDoer) Do(ctx context.Context, req client.Request) (*client.Response, error) {
	var q struct {
		Display struct {
			Offset int `json:"offset"`
		} `json:"display"`
	}
	if err := json.Unmarshal(req.Body, &q); err != nil {
		return nil, err
	}
	offset := q.Display.Offset

	d.mu.Lock()
	d.seen[offset]++
	first := d.seen[offset] == 1
	if first && offset != 0 {
		d.arrived++
		if d.arrived == d.burst {
			close(d.released)
		}
	}
	d.mu.Unlock()

	if first && offset != 0 {
		select {
		case <-d.released:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		resp := testutil.NewRateLimitResponse("")
		return &client.Response{StatusCode: resp.StatusCode, Header: http.Header{}, Body: []byte(resp.Body)}, nil
	}

	page := testutil.NewPageResponse(d.total, testutil.Articles("S", offset, d.pageSize, "Cell")...)
	return &client.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte(page.Body)}, nil
}

func TestHarvest_PoolWideRateLimitBurstBacksOffOnce(t *testing.T) {
	const width = 9

	clk := &stoppedClock{now: time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)}
	doer := newBurstDoer(1000, 100, width)
	fetcher := search.NewFetcher(doer, search.Config{BaseURL: "http://search.test"}, nil, clk, zerolog.Nop())
	h := NewHarvester(fetcher, Config{MaxConcurrency: width}, clk, zerolog.Nop())

	rs, err := h.Harvest(context.Background(), testQuery(100))
	if err != nil {
		t.Fatalf("Harvest() error = %v", err)
	}
	if rs.Len() != 1000 {
		t.Errorf("Len() = %d, want 1000", rs.Len())
	}

	sleeps := clk.Sleeps()
	if len(sleeps) != width {
		t.Fatalf("sleeps = %v, want %d", sleeps, width)
	}
	for i, s := range sleeps {
		if s != time.Second {
			t.Errorf("sleep #%d = %v, want 1s", i, s)
		}
	}
}

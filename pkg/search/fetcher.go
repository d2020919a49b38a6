package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Sternrassler/venue-harvester/pkg/client"
	"github.com/Sternrassler/venue-harvester/pkg/clock"
	"github.com/Sternrassler/venue-harvester/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// DefaultBaseURL is the ScienceDirect search endpoint.
const DefaultBaseURL = "https://api.elsevier.com/content/search/sciencedirect"

// APIKeyHeader carries the opaque API key.
const APIKeyHeader = "X-ELS-APIKey"

var pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harvest_pages_total",
	Help: "Total page fetch outcomes by kind",
}, []string{"outcome"})

// Config holds the search API settings.
type Config struct {
	BaseURL string
	APIKey  string
}

// Fetcher performs single-page requests. Its backoff state is shared by all
// concurrent fetches of one harvest; create a new Fetcher per partition.
type Fetcher struct {
	doer    client.Doer
	config  Config
	backoff *ratelimit.Backoff
	clock   clock.Clock
	logger  zerolog.Logger
}

// NewFetcher creates a page fetcher. doer is normally a *client.Transport.
func NewFetcher(doer client.Doer, config Config, backoff *ratelimit.Backoff, clk clock.Clock, logger zerolog.Logger) *Fetcher {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if backoff == nil {
		backoff = ratelimit.NewBackoff(ratelimit.SearchBackoffConfig())
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Fetcher{
		doer:    doer,
		config:  config,
		backoff: backoff,
		clock:   clk,
		logger:  logger,
	}
}

// Fetch requests q at offset until it resolves to data, end of results or
// an error. Rate-limit responses are waited out and the same offset is
// retried; Fetch never returns OutcomeRateLimited.
func (f *Fetcher) Fetch(ctx context.Context, q Query, offset int) Outcome {
	for {
		out := f.attempt(ctx, q, offset)
		pagesTotal.WithLabelValues(out.Kind.String()).Inc()

		if out.Kind != OutcomeRateLimited {
			if out.Kind == OutcomeData || out.Kind == OutcomeEndOfResults {
				f.backoff.Reset()
			}
			return out
		}

		wait := f.backoff.Next(f.clock.Now(), out.RetryAfter)
		f.logger.Warn().
			Int("offset", offset).
			Str("publication", q.Publication).
			Dur("wait", wait).
			Bool("server_hint", out.RetryAfter > 0).
			Int("streak", f.backoff.Streak()).
			Msg("Rate limit hit, waiting before retrying offset")

		if err := f.clock.Sleep(ctx, wait); err != nil {
			return Outcome{
				Kind:   OutcomeError,
				Offset: offset,
				Err:    fmt.Errorf("%w: %v", client.ErrContextCancelled, err),
			}
		}
	}
}

// attempt issues one request and classifies the response.
func (f *Fetcher) attempt(ctx context.Context, q Query, offset int) Outcome {
	body, err := json.Marshal(q.WithOffset(offset))
	if err != nil {
		return Outcome{Kind: OutcomeError, Offset: offset, Err: fmt.Errorf("encode query: %w", err)}
	}

	resp, err := f.doer.Do(ctx, client.Request{
		Endpoint: "search",
		Method:   http.MethodPut,
		URL:      f.config.BaseURL,
		Header: http.Header{
			"Accept":       []string{"application/json"},
			"Content-Type": []string{"application/json"},
			APIKeyHeader:   []string{f.config.APIKey},
		},
		Body: body,
	})
	if err != nil {
		return Outcome{Kind: OutcomeError, Offset: offset, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		hint, _ := ratelimit.ParseRetryAfter(resp.Header.Get("Retry-After"), f.clock.Now())
		return Outcome{Kind: OutcomeRateLimited, Offset: offset, RetryAfter: hint}

	case resp.StatusCode == http.StatusBadRequest:
		f.logger.Info().
			Int("offset", offset).
			Str("publication", q.Publication).
			Msg("Reached the end of available results")
		return Outcome{Kind: OutcomeEndOfResults, Offset: offset}

	case resp.StatusCode < 200 || resp.StatusCode > 299:
		apiErr := client.NewStatusError(resp)
		if apiErr.ErrorClass != client.ErrorClassTransient {
			apiErr.ErrorClass = client.ErrorClassHard
		}
		f.logger.Error().
			Int("offset", offset).
			Int("status", resp.StatusCode).
			Str("error_class", string(apiErr.ErrorClass)).
			Msg("Search request failed")
		return Outcome{Kind: OutcomeError, Offset: offset, Err: apiErr}
	}

	page, err := DecodePage(resp.Body, offset)
	if err != nil {
		f.logger.Error().
			Err(err).
			Int("offset", offset).
			Str("body", resp.Snippet(300)).
			Msg("Unexpected API response structure")
		return Outcome{Kind: OutcomeError, Offset: offset, Err: err}
	}
	if page.Terminal() {
		f.logger.Info().
			Int("offset", offset).
			Str("publication", q.Publication).
			Msg("Empty page, no more results")
		return Outcome{Kind: OutcomeEndOfResults, Offset: offset, Page: page}
	}
	return Outcome{Kind: OutcomeData, Offset: offset, Page: page}
}

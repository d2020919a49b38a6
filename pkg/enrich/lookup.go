package enrich

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/venue-harvester/pkg/client"
	"github.com/Sternrassler/venue-harvester/pkg/clock"
	"github.com/Sternrassler/venue-harvester/pkg/ratelimit"
	"github.com/Sternrassler/venue-harvester/pkg/search"
)

// DefaultLookupURL is the per-article lookup endpoint; the identifier is
// appended to it.
const DefaultLookupURL = "https://api.elsevier.com/content/article/pii/"

// Status classifies one lookup attempt.
type Status int

const (
	// StatusFound means the identifier resolved.
	StatusFound Status = iota
	// StatusNotFound means the lookup API does not know the identifier.
	StatusNotFound
	// StatusRateLimited means the attempt hit a 429.
	StatusRateLimited
	// StatusLoading means the service is warming up (503 with an
	// estimated_time hint) and the attempt may be repeated.
	StatusLoading
	// StatusFailed is any other error.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusNotFound:
		return "not_found"
	case StatusRateLimited:
		return "rate_limited"
	case StatusLoading:
		return "loading"
	default:
		return "failed"
	}
}

// Attempt is the classified result of one lookup request.
type Attempt struct {
	Status Status

	// Wait is the server-supplied wait hint for StatusRateLimited and
	// StatusLoading, zero if absent.
	Wait time.Duration

	Err error
}

// Lookup performs one existence check for an identifier.
type Lookup interface {
	Lookup(ctx context.Context, id string) Attempt
}

// HTTPLookup checks identifiers with GET {BaseURL}{id}.
type HTTPLookup struct {
	doer    client.Doer
	baseURL string
	apiKey  string
	clock   clock.Clock
}

// NewHTTPLookup creates a lookup client. doer is normally a *client.Transport.
func NewHTTPLookup(doer client.Doer, baseURL, apiKey string, clk clock.Clock) *HTTPLookup {
	if baseURL == "" {
		baseURL = DefaultLookupURL
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &HTTPLookup{doer: doer, baseURL: baseURL, apiKey: apiKey, clock: clk}
}

// Lookup implements Lookup.
func (l *HTTPLookup) Lookup(ctx context.Context, id string) Attempt {
	header := http.Header{"Accept": []string{"application/json"}}
	if l.apiKey != "" {
		header.Set(search.APIKeyHeader, l.apiKey)
	}

	resp, err := l.doer.Do(ctx, client.Request{
		Endpoint: "lookup",
		Method:   http.MethodGet,
		URL:      l.baseURL + url.PathEscape(strings.TrimSpace(id)),
		Header:   header,
	})
	if err != nil {
		return Attempt{Status: StatusFailed, Err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return Attempt{Status: StatusFound}
	case http.StatusNotFound:
		return Attempt{Status: StatusNotFound}
	case http.StatusTooManyRequests:
		hint, _ := ratelimit.ParseRetryAfter(resp.Header.Get("Retry-After"), l.clock.Now())
		return Attempt{Status: StatusRateLimited, Wait: hint}
	case http.StatusServiceUnavailable:
		if wait, ok := estimatedTime(resp.Body); ok {
			return Attempt{Status: StatusLoading, Wait: wait}
		}
	}
	return Attempt{Status: StatusFailed, Err: client.NewStatusError(resp)}
}

// estimatedTime reads the {"estimated_time": seconds} body of a warming-up
// service.
func estimatedTime(body []byte) (time.Duration, bool) {
	var payload struct {
		EstimatedTime *float64 `json:"estimated_time"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.EstimatedTime == nil {
		return 0, false
	}
	if *payload.EstimatedTime < 0 {
		return 0, true
	}
	return time.Duration(*payload.EstimatedTime * float64(time.Second)), true
}

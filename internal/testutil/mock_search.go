// Package testutil provides testing utilities for the harvester: a scriptable
// mock of the search and lookup APIs and a fake clock.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Paths served by MockSearchAPI.
const (
	SearchPath = "/content/search/sciencedirect"
	LookupPath = "/content/article/pii/"
)

// MockResponse defines one canned response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockSearchAPI is a configurable mock of the search API (PUT with a JSON
// query body) and of the per-identifier lookup API (GET by identifier).
//
// Search responses are scripted per offset. Each offset holds a queue; the
// last queued response repeats. Unscripted offsets answer 400, which the
// search API uses to signal "past the last page".
type MockSearchAPI struct {
	server *httptest.Server

	mu         sync.Mutex
	offsets    map[int][]MockResponse
	lookups    map[string][]MockResponse
	offsetHits map[int]int
	lookupHits map[string]int
	requests   int
	lastHeader http.Header
	lastBodies []string
}

// NewMockSearchAPI starts the mock server.
func NewMockSearchAPI() *MockSearchAPI {
	m := &MockSearchAPI{
		offsets:    make(map[int][]MockResponse),
		lookups:    make(map[string][]MockResponse),
		offsetHits: make(map[int]int),
		lookupHits: make(map[string]int),
	}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == SearchPath:
			m.handleSearch(w, r)
		case strings.HasPrefix(r.URL.Path, LookupPath):
			m.handleLookup(w, r)
		default:
			http.NotFound(w, r)
		}
	}))
	return m
}

// URL returns the mock server root URL.
func (m *MockSearchAPI) URL() string {
	return m.server.URL
}

// SearchURL returns the full search endpoint URL.
func (m *MockSearchAPI) SearchURL() string {
	return m.server.URL + SearchPath
}

// LookupURL returns the lookup endpoint prefix.
func (m *MockSearchAPI) LookupURL() string {
	return m.server.URL + LookupPath
}

// Close shuts down the mock server.
func (m *MockSearchAPI) Close() {
	m.server.Close()
}

// SetOffset queues responses for one search offset.
func (m *MockSearchAPI) SetOffset(offset int, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsets[offset] = append([]MockResponse(nil), responses...)
}

// SetLookup queues responses for one identifier lookup.
func (m *MockSearchAPI) SetLookup(id string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups[id] = append([]MockResponse(nil), responses...)
}

// GetRequestCount returns the number of requests served.
func (m *MockSearchAPI) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// OffsetHits returns how many times offset was requested.
func (m *MockSearchAPI) OffsetHits(offset int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offsetHits[offset]
}

// RequestedOffsets returns every offset requested at least once.
func (m *MockSearchAPI) RequestedOffsets() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.offsetHits))
	for off := range m.offsetHits {
		out = append(out, off)
	}
	return out
}

// LookupHits returns how many times id was looked up.
func (m *MockSearchAPI) LookupHits(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupHits[id]
}

// LastHeader returns the headers of the most recent request.
func (m *MockSearchAPI) LastHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeader
}

// SearchBodies returns the raw request bodies of all search requests.
func (m *MockSearchAPI) SearchBodies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lastBodies...)
}

func (m *MockSearchAPI) handleSearch(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	var q struct {
		Display struct {
			Offset int `json:"offset"`
		} `json:"display"`
	}
	if err := json.Unmarshal(body, &q); err != nil {
		http.Error(w, `{"error":"bad query"}`, http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.requests++
	m.lastHeader = r.Header.Clone()
	m.lastBodies = append(m.lastBodies, string(body))
	m.offsetHits[q.Display.Offset]++
	resp, ok := next(m.offsets, q.Display.Offset)
	m.mu.Unlock()

	if !ok {
		resp = NewEndOfResultsResponse()
	}
	write(w, resp)
}

func (m *MockSearchAPI) handleLookup(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, LookupPath)

	m.mu.Lock()
	m.requests++
	m.lastHeader = r.Header.Clone()
	m.lookupHits[id]++
	resp, ok := next(m.lookups, id)
	m.mu.Unlock()

	if !ok {
		resp = MockResponse{StatusCode: http.StatusNotFound, Body: `{"error":"not found"}`}
	}
	write(w, resp)
}

// next pops the head of the queue for key, keeping the last response.
func next[K comparable](queues map[K][]MockResponse, key K) (MockResponse, bool) {
	q := queues[key]
	if len(q) == 0 {
		return MockResponse{}, false
	}
	resp := q[0]
	if len(q) > 1 {
		queues[key] = q[1:]
	}
	return resp, true
}

func write(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// MockArticle is one search result for NewPageResponse.
type MockArticle struct {
	PII         string
	Title       string
	SourceTitle string
}

// NewPageResponse creates a 200 search response. A negative total omits
// resultsFound.
func NewPageResponse(total int, articles ...MockArticle) MockResponse {
	results := make([]map[string]any, 0, len(articles))
	for _, a := range articles {
		results = append(results, map[string]any{
			"pii":         a.PII,
			"title":       a.Title,
			"sourceTitle": a.SourceTitle,
			"authors":     []map[string]any{{"order": 1, "name": "A. Author"}, {"order": 2, "name": "B. Author"}},
			"pages":       map[string]any{"first": "1", "last": "9"},
		})
	}
	payload := map[string]any{"results": results}
	if total >= 0 {
		payload["resultsFound"] = total
	}
	body, _ := json.Marshal(payload)
	return MockResponse{StatusCode: http.StatusOK, Body: string(body)}
}

// Articles generates n articles with identifiers prefix-start..prefix-(start+n-1).
func Articles(prefix string, start, n int, sourceTitle string) []MockArticle {
	out := make([]MockArticle, n)
	for i := range out {
		id := fmt.Sprintf("%s-%d", prefix, start+i)
		out[i] = MockArticle{PII: id, Title: "Title " + id, SourceTitle: sourceTitle}
	}
	return out
}

// NewEndOfResultsResponse creates the 400 "past the last page" response.
func NewEndOfResultsResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusBadRequest,
		Body:       `{"error":"offset exceeds result window"}`,
	}
}

// NewRateLimitResponse creates a 429 response; retryAfter may be empty.
func NewRateLimitResponse(retryAfter string) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error":"Rate limit exceeded"}`,
	}
	if retryAfter != "" {
		resp.Headers = map[string]string{"Retry-After": retryAfter}
	}
	return resp
}

// NewServerErrorResponse creates a 500 response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error":"Internal server error"}`,
	}
}

// NewStatusResponse creates a response with the given status and body.
func NewStatusResponse(status int, body string) MockResponse {
	return MockResponse{StatusCode: status, Body: body}
}

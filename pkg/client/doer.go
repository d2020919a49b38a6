// Package client provides the outbound HTTP plumbing of the harvester: a
// plain HTTP Doer and a Transport that retries transient failures with a
// linear backoff.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Request is one outbound call. Endpoint is a low-cardinality label for logs
// and metrics (e.g. "search", "lookup").
type Request struct {
	Endpoint string
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Snippet returns at most n bytes of the body as a single line.
func (r *Response) Snippet(n int) string {
	if r == nil || len(r.Body) == 0 {
		return ""
	}
	body := r.Body
	if len(body) > n {
		body = body[:n]
	}
	return strings.Join(strings.Fields(string(body)), " ")
}

// Doer executes a Request.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// HTTPDoer executes requests over net/http and reads the whole body.
type HTTPDoer struct {
	client    *http.Client
	userAgent string
}

// NewHTTPDoer creates a Doer with connection pooling and the given
// per-request timeout.
func NewHTTPDoer(timeout time.Duration, userAgent string) *HTTPDoer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDoer{
		userAgent: userAgent,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 5 * time.Second,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (d *HTTPDoer) SetHTTPClient(client *http.Client) {
	d.client = client
}

// Do performs the request.
func (d *HTTPDoer) Do(ctx context.Context, req Request) (*Response, error) {
	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(req.Endpoint).Observe(time.Since(startTime).Seconds())
	}()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if d.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", d.userAgent)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		requestsTotal.WithLabelValues(req.Endpoint, "network_error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		requestsTotal.WithLabelValues(req.Endpoint, "network_error").Inc()
		return nil, fmt.Errorf("read response body: %w", err)
	}

	requestsTotal.WithLabelValues(req.Endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
	}, nil
}

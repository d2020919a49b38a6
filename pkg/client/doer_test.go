package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPDoer_Do(t *testing.T) {
	var gotMethod, gotKey, gotUA, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotKey = r.Header.Get("X-ELS-APIKey")
		gotUA = r.Header.Get("User-Agent")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)

		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer server.Close()

	doer := NewHTTPDoer(5*time.Second, "venue-harvester/test")
	resp, err := doer.Do(context.Background(), Request{
		Endpoint: "search",
		Method:   http.MethodPut,
		URL:      server.URL,
		Header:   http.Header{"X-ELS-APIKey": []string{"secret"}},
		Body:     []byte(`{"qs":"a"}`),
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if gotMethod != http.MethodPut {
		t.Errorf("method = %s, want PUT", gotMethod)
	}
	if gotKey != "secret" {
		t.Errorf("api key header = %q, want secret", gotKey)
	}
	if gotUA != "venue-harvester/test" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if gotBody != `{"qs":"a"}` {
		t.Errorf("body = %q", gotBody)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "2" {
		t.Errorf("Retry-After = %q, want 2", resp.Header.Get("Retry-After"))
	}
	if string(resp.Body) != `{"error":"slow down"}` {
		t.Errorf("Body = %s", resp.Body)
	}
}

func TestHTTPDoer_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	doer := NewHTTPDoer(time.Second, "")
	if _, err := doer.Do(context.Background(), Request{URL: url}); err == nil {
		t.Error("expected error for closed server")
	}
}

func TestResponse_Snippet(t *testing.T) {
	resp := &Response{Body: []byte("line one\nline two and more")}
	if got := resp.Snippet(12); got != "line one lin" {
		t.Errorf("Snippet(12) = %q", got)
	}
	var nilResp *Response
	if got := nilResp.Snippet(10); got != "" {
		t.Errorf("nil Snippet = %q, want empty", got)
	}
}

package migrate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(baseURL string) *HelpDeskClient {
	return NewHelpDeskClient(HelpDeskClientOptions{
		Target:     "test",
		BaseURL:    baseURL,
		APIKey:     "key:secret",
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
}

func TestListPageOmitsPageParamForFirstPage(t *testing.T) {
	var sawQuery atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawQuery.Store(r.URL.RawQuery)
		_ = json.NewEncoder(w).Encode(PageEnvelope{})
	}))
	defer server.Close()
	client := newTestClient(server.URL)

	if _, err := client.ListPage(context.Background(), "tickets/", 1); err != nil {
		t.Fatalf("list page 1 failed: %v", err)
	}
	if got := sawQuery.Load().(string); got != "" {
		t.Fatalf("page 1 should carry no query, got %q", got)
	}

	if _, err := client.ListPage(context.Background(), "tickets/", 3); err != nil {
		t.Fatalf("list page 3 failed: %v", err)
	}
	if got := sawQuery.Load().(string); got != "page=3" {
		t.Fatalf("expected page=3 query, got %q", got)
	}
}

func TestCreateRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 7})
	}))
	defer server.Close()
	client := newTestClient(server.URL)

	created, err := client.Create(context.Background(), "tickets/", map[string]any{"title": "x"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if id, _ := rawInt64(created, "id"); id != 7 {
		t.Fatalf("expected created id 7, got %v", created)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestCreateDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"bad"}`))
	}))
	defer server.Close()
	client := newTestClient(server.URL)

	_, err := client.Create(context.Background(), "tickets/", map[string]any{})
	httpErr, ok := err.(*HTTPError)
	if !ok {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", httpErr.StatusCode)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestClientSendsAuthAndCorrelationHeaders(t *testing.T) {
	var gotAuth, gotCorrelation atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		gotCorrelation.Store(r.Header.Get("X-Correlation-Id"))
		_ = json.NewEncoder(w).Encode(PageEnvelope{})
	}))
	defer server.Close()
	client := newTestClient(server.URL)

	if _, err := client.ListPage(context.Background(), "users/", 1); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	// key:secret base64-encoded.
	if got := gotAuth.Load().(string); got != "Basic a2V5OnNlY3JldA==" {
		t.Fatalf("unexpected auth header %q", got)
	}
	if got := gotCorrelation.Load().(string); len(got) < 4 || got[:3] != "hd_" {
		t.Fatalf("expected hd_ correlation id, got %q", got)
	}
}

func TestClientFeedsRemainingHeaderToLimiter(t *testing.T) {
	recorder := &sleepRecorder{}
	limiter := NewRateLimiter(RateLimiterOptions{
		Strategy:     StrategyHeaderFeedback,
		LowWaterMark: 10,
		Clock:        func() time.Time { return time.Unix(50, 0) },
		Sleep:        recorder.sleep,
	})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(rateLimitRemainingHeader, "3")
		_ = json.NewEncoder(w).Encode(PageEnvelope{})
	}))
	defer server.Close()
	client := NewHelpDeskClient(HelpDeskClientOptions{
		Target:  "test",
		BaseURL: server.URL,
		Limiter: limiter,
	})

	if _, err := client.ListPage(context.Background(), "tickets/", 1); err != nil {
		t.Fatalf("first list failed: %v", err)
	}
	if _, err := client.ListPage(context.Background(), "tickets/", 1); err != nil {
		t.Fatalf("second list failed: %v", err)
	}
	if len(recorder.slept) != 1 {
		t.Fatalf("expected the second request to throttle, got sleeps %v", recorder.slept)
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	client := newTestClient("http://example.invalid")
	if got := client.retryDelay(1, "0"); got != client.baseDelay {
		t.Fatalf("zero Retry-After should fall back to backoff, got %v", got)
	}
	// MaxDelay is 5ms in the test client, so a 1s Retry-After is capped.
	if got := client.retryDelay(1, "1"); got != client.maxDelay {
		t.Fatalf("expected Retry-After capped at max delay, got %v", got)
	}
}

package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recordingSleep captures backoff delays instead of sleeping.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return nil
}

type countingLimiter struct{ n int32 }

func (c *countingLimiter) Acquire(ctx context.Context) error {
	atomic.AddInt32(&c.n, 1)
	return ctx.Err()
}

func newTestFetcher(cfg Config, limiter Limiter) (*Fetcher, *recordingSleep) {
	f := New(nil, cfg, limiter, nil)
	rec := &recordingSleep{}
	f.sleep = rec.sleep
	return f, rec
}

func TestFetcher_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	limiter := &countingLimiter{}
	f, rec := newTestFetcher(Config{Retries: 3, BackoffBase: 2}, limiter)

	body, err := f.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("payload mismatch: %q", body)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if got := atomic.LoadInt32(&limiter.n); got != 3 {
		t.Fatalf("expected the limiter to be consulted per attempt, got %d", got)
	}
	if len(rec.delays) != 2 {
		t.Fatalf("expected 2 backoff delays, got %v", rec.delays)
	}
	for i, d := range rec.delays {
		n := i + 1
		min := Backoff(2, n, 0)
		if d < min {
			t.Fatalf("delay %d = %v, want >= %v", n, d, min)
		}
		if d > Backoff(2, n, jitterMax) {
			t.Fatalf("delay %d = %v exceeds jitter bound", n, d)
		}
	}
	if rec.delays[1] < rec.delays[0] {
		t.Fatalf("delays must not decrease: %v", rec.delays)
	}
}

func TestFetcher_BackoffFormula(t *testing.T) {
	cases := []struct {
		base    float64
		attempt int
		jitter  float64
		want    time.Duration
	}{
		{2, 1, 0.2, 1200 * time.Millisecond},
		{2, 2, 0.2, 2200 * time.Millisecond},
		{2, 3, 0.5, 4500 * time.Millisecond},
		{3, 3, 0, 9 * time.Second},
		{2, 0, 0, time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(tc.base, tc.attempt, tc.jitter); got != tc.want {
			t.Fatalf("Backoff(%v, %d, %v) = %v, want %v", tc.base, tc.attempt, tc.jitter, got, tc.want)
		}
	}
}

func TestFetcher_NonRetryableStatusPropagatesImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "missing", http.StatusNotFound)
	}))
	defer srv.Close()

	f, rec := newTestFetcher(Config{Retries: 5}, nil)
	_, err := f.Get(context.Background(), srv.URL)

	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
	if calls != 1 || len(rec.delays) != 0 {
		t.Fatalf("expected a single attempt without backoff, got calls=%d delays=%v", calls, rec.delays)
	}
}

func TestFetcher_ExhaustedReturnsLastError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f, rec := newTestFetcher(Config{Retries: 3}, nil)
	_, err := f.Get(context.Background(), srv.URL)

	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected the last 502 to surface, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if len(rec.delays) != 2 {
		t.Fatalf("no delay after the final attempt: got %v", rec.delays)
	}
}

func TestFetcher_RotatesUserAgentOn429(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.UserAgent())
		n := len(seen)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(Config{
		Retries:         3,
		UserAgents:      []string{"agent-a", "agent-a", "agent-b"},
		RotateUserAgent: true,
	}, nil)
	if _, err := f.Get(context.Background(), srv.URL); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 2 || seen[0] != "agent-a" || seen[1] != "agent-b" {
		t.Fatalf("expected rotation to a different identity, got %v", seen)
	}
}

func TestFetcher_NoRotationWhenDisabled(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.UserAgent())
		mu.Unlock()
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(Config{Retries: 2, UserAgents: []string{"a", "b"}}, nil)
	_, _ = f.Get(context.Background(), srv.URL)
	for _, ua := range seen {
		if ua != "a" {
			t.Fatalf("identity changed without rotation enabled: %v", seen)
		}
	}
}

func TestFetcher_ConnectionFailureIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	f, rec := newTestFetcher(Config{Retries: 3}, nil)
	if _, err := f.Get(context.Background(), url); err == nil {
		t.Fatalf("expected an error against a closed server")
	}
	if len(rec.delays) != 2 {
		t.Fatalf("expected connection failures to be retried, delays=%v", rec.delays)
	}
}

func TestFetcher_AttemptTimeoutIsRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
	}))
	defer srv.Close()

	f, rec := newTestFetcher(Config{Retries: 2, AttemptTimeout: 20 * time.Millisecond}, nil)
	if _, err := f.Get(context.Background(), srv.URL); err == nil {
		t.Fatalf("expected timeout error")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
	if len(rec.delays) != 1 {
		t.Fatalf("expected one backoff, got %v", rec.delays)
	}
}

func TestFetcher_CancelledContextStopsRetrying(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f := New(nil, Config{Retries: 5}, nil, nil)
	f.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	_, err := f.Get(ctx, srv.URL)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected no further attempts after cancellation, got %d", calls)
	}
}

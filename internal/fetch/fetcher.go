// Package fetch wraps a single upstream GET with bounded retries, exponential
// backoff with jitter, and user-agent rotation on throttling.
package fetch

import (
	"context"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	defaultRetries        = 3
	defaultBackoffBase    = 2.0
	defaultAttemptTimeout = 20 * time.Second
	defaultUserAgent      = "sports-ingest/1.0"

	jitterMin = 0.2
	jitterMax = 0.6

	maxErrorBody = 256
)

// Config controls the retry policy of a Fetcher.
type Config struct {
	// Retries is the maximum number of attempts (default: 3).
	Retries int
	// BackoffBase is the exponent base, in seconds, of the delay between attempts (default: 2).
	BackoffBase float64
	// AttemptTimeout bounds a single attempt (default: 20s).
	AttemptTimeout time.Duration
	// UserAgents is the pool of client identities; the first one is used initially.
	UserAgents []string
	// RotateUserAgent switches identity after a 429.
	RotateUserAgent bool
	// Headers are added to every request.
	Headers map[string]string
}

// Limiter is the throttle consulted before each attempt.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Fetcher performs retried GETs for one collection task.
type Fetcher struct {
	client  *http.Client
	cfg     Config
	limiter Limiter
	logger  *zap.Logger

	mu      sync.Mutex
	uaIndex int

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// New creates a Fetcher. client and limiter may be nil.
func New(client *http.Client, cfg Config, limiter Limiter, logger *zap.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.Retries <= 0 {
		cfg.Retries = defaultRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = []string{defaultUserAgent}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		client:  client,
		cfg:     cfg,
		limiter: limiter,
		logger:  logger,
		sleep:   sleepCtx,
		jitter:  func() float64 { return jitterMin + rand.Float64()*(jitterMax-jitterMin) },
	}
}

// Backoff returns the delay inserted after a failed attempt n (1-based):
// base^(n-1) seconds plus jitter seconds.
func Backoff(base float64, attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	secs := math.Pow(base, float64(attempt-1)) + jitter
	return time.Duration(secs * float64(time.Second))
}

// UserAgent returns the identity the next attempt will claim.
func (f *Fetcher) UserAgent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.UserAgents[f.uaIndex]
}

// Get fetches url and returns the response body. Retryable failures are retried
// up to Config.Retries attempts; the last error is returned when all fail.
func (f *Fetcher) Get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= f.cfg.Retries; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Acquire(ctx); err != nil {
				return nil, eris.Wrap(err, "rate limiter")
			}
		}

		ua := f.UserAgent()
		body, err := f.doOnce(ctx, url, ua)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if !isRetryable(ctx, err) {
			return nil, err
		}
		if se, ok := err.(*StatusError); ok && se.IsRateLimited() {
			f.rotateFrom(ua)
		}
		if attempt == f.cfg.Retries {
			break
		}

		delay := Backoff(f.cfg.BackoffBase, attempt, f.jitter())
		f.logger.Warn("fetch: retrying",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", f.cfg.Retries),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := f.sleep(ctx, delay); err != nil {
			return nil, eris.Wrap(err, "fetch: backoff interrupted")
		}
	}
	return nil, eris.Wrapf(lastErr, "fetch: %d attempts exhausted", f.cfg.Retries)
}

func (f *Fetcher) doOnce(ctx context.Context, url, userAgent string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range f.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: url, Body: snippet}
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

// rotateFrom moves to the next identity whose value differs from the one that
// was throttled. It is a no-op when rotation is disabled or the pool has one value.
func (f *Fetcher) rotateFrom(throttled string) {
	if !f.cfg.RotateUserAgent || len(f.cfg.UserAgents) < 2 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.cfg.UserAgents)
	for step := 1; step < n; step++ {
		idx := (f.uaIndex + step) % n
		if f.cfg.UserAgents[idx] != throttled {
			f.uaIndex = idx
			f.logger.Info("fetch: rotated user agent after 429", zap.Int("index", idx))
			return
		}
	}
}

// CloseIdleConnections releases pooled connections held by the underlying client.
func (f *Fetcher) CloseIdleConnections() {
	f.client.CloseIdleConnections()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

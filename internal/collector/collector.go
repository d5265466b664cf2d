// Package collector provides the generic feed tasks configured from YAML: JSON
// documents and CSV files fetched over HTTP.
package collector

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"sports-ingest/internal/config"
	"sports-ingest/internal/fetch"
	"sports-ingest/internal/model"
	"sports-ingest/internal/ratelimit"
	"sports-ingest/internal/task"
)

// Build creates the task described by def.
func Build(def config.TaskConfig, logger *zap.Logger) (task.Task, error) {
	base := newFeed(def, logger)
	switch def.Kind {
	case config.KindJSON, "":
		return &JSONFeed{feed: base, recordsPath: def.RecordsPath}, nil
	case config.KindCSV:
		return &CSVFeed{feed: base}, nil
	}
	return nil, eris.Errorf("collector: unknown kind %q for task %s", def.Kind, def.Name)
}

// feed holds what every HTTP feed owns: its limiter, its client and its fetcher.
type feed struct {
	name    string
	url     string
	source  string
	idField string
	retry   fetch.Config
	limiter *ratelimit.TokenBucket
	logger  *zap.Logger

	mu      sync.Mutex
	client  *http.Client
	fetcher *fetch.Fetcher
}

func newFeed(def config.TaskConfig, logger *zap.Logger) *feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	source := def.Source
	if source == "" {
		source = def.Name
	}
	return &feed{
		name:    def.Name,
		url:     def.URL,
		source:  source,
		idField: def.IDField,
		retry: fetch.Config{
			Retries:         def.Retry.Retries,
			BackoffBase:     def.Retry.BackoffBase,
			AttemptTimeout:  def.Retry.AttemptTimeout.D(),
			UserAgents:      def.Retry.UserAgents,
			RotateUserAgent: def.Retry.RotateUserAgent,
			Headers:         def.Headers,
		},
		limiter: ratelimit.New(def.RateLimit.Capacity, def.RateLimit.Window.D()),
		logger:  logger.With(zap.String("task", def.Name)),
	}
}

func (f *feed) Name() string { return f.name }

// Initialize creates the HTTP client and fetcher.
func (f *feed) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openLocked()
	return nil
}

func (f *feed) openLocked() {
	if f.fetcher != nil {
		return
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 4
	transport.IdleConnTimeout = 90 * time.Second
	f.client = &http.Client{Transport: transport}
	f.fetcher = fetch.New(f.client, f.retry, f.limiter, f.logger)
}

// Cleanup drops idle connections. A later Collect reopens the client.
func (f *feed) Cleanup(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetcher != nil {
		f.fetcher.CloseIdleConnections()
	}
	f.fetcher = nil
	f.client = nil
	return nil
}

func (f *feed) get(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	f.openLocked()
	fetcher := f.fetcher
	f.mu.Unlock()
	return fetcher.Get(ctx, f.url)
}

// stamp sets the task's source and copies the configured id field to external_id.
func (f *feed) stamp(rec model.Record) {
	rec[model.KeySource] = f.source
	if rec.String(model.KeyExternalID) != "" || f.idField == "" {
		return
	}
	if id := rec.String(f.idField); id != "" {
		rec[model.KeyExternalID] = id
	}
}

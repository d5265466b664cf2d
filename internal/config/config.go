// Package config loads the ingestion service configuration from YAML with
// INGEST_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"sports-ingest/internal/model"
	"sports-ingest/pkg/utils"
)

// Storage drivers.
const (
	DriverNone     = "none"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Collector kinds.
const (
	KindJSON = "json"
	KindCSV  = "csv"
)

// Well-known loops and their default cadence.
const (
	LoopFast    = "fast"
	LoopRegular = "regular"
	LoopDaily   = "daily"
)

var loopDefaults = map[string]struct{ interval, backoff time.Duration }{
	LoopFast:    {15 * time.Second, 60 * time.Second},
	LoopRegular: {5 * time.Minute, 2 * time.Minute},
	LoopDaily:   {24 * time.Hour, 30 * time.Minute},
}

// Duration is a time.Duration written as a string ("30s", "5m") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := utils.ParseDuration(s, 0)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) { return time.Duration(d).String(), nil }

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

type Config struct {
	Log          LogConfig                     `yaml:"log"`
	Storage      StorageConfig                 `yaml:"storage"`
	Orchestrator OrchestratorConfig            `yaml:"orchestrator"`
	Scheduler    SchedulerConfig               `yaml:"scheduler"`
	Routing      map[string]model.RoutingEntry `yaml:"routing"`
	Tasks        []TaskConfig                  `yaml:"tasks"`
	API          APIConfig                     `yaml:"api"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StorageConfig struct {
	Driver             string `yaml:"driver"`
	SQLitePath         string `yaml:"sqlite_path"`
	PostgresDSN        string `yaml:"postgres_dsn"`
	PostgresMaxConns   int    `yaml:"postgres_max_conns"`
	PostgresViaBouncer bool   `yaml:"postgres_via_bouncer"`
}

type OrchestratorConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
}

type SchedulerConfig struct {
	ShutdownTimeout Duration     `yaml:"shutdown_timeout"`
	Loops           []LoopConfig `yaml:"loops"`
}

// LoopConfig is one periodic loop. Tasks also join a loop through TaskConfig.Loop.
type LoopConfig struct {
	Name         string   `yaml:"name"`
	Interval     Duration `yaml:"interval"`
	ErrorBackoff Duration `yaml:"error_backoff"`
	Tasks        []string `yaml:"tasks"`
}

// TaskConfig defines a feed collector.
type TaskConfig struct {
	Name        string            `yaml:"name"`
	Enabled     *bool             `yaml:"enabled"`
	Kind        string            `yaml:"kind"`
	URL         string            `yaml:"url"`
	Source      string            `yaml:"source"`
	RecordsPath string            `yaml:"records_path"`
	IDField     string            `yaml:"id_field"`
	Loop        string            `yaml:"loop"`
	Headers     map[string]string `yaml:"headers"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Retry       RetryConfig       `yaml:"retry"`
}

// IsEnabled reports the enable flag, which defaults to true.
func (t TaskConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

type RateLimitConfig struct {
	Capacity int      `yaml:"capacity"`
	Window   Duration `yaml:"window"`
}

type RetryConfig struct {
	Retries         int      `yaml:"retries"`
	BackoffBase     float64  `yaml:"backoff_base"`
	AttemptTimeout  Duration `yaml:"attempt_timeout"`
	UserAgents      []string `yaml:"user_agents"`
	RotateUserAgent bool     `yaml:"rotate_user_agent"`
}

type APIConfig struct {
	Addr                string `yaml:"addr"`
	ManualRunsPerMinute int    `yaml:"manual_runs_per_minute"`
}

// Load reads path (skipped when empty), applies environment overrides and defaults,
// then validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "config: read %s", path)
		}
		if err := Parse(raw, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown fields.
func Parse(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return eris.Wrap(err, "config: parse yaml")
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Log.Level = utils.GetEnv("INGEST_LOG_LEVEL", c.Log.Level)
	c.Log.Format = utils.GetEnv("INGEST_LOG_FORMAT", c.Log.Format)
	c.Storage.Driver = utils.GetEnv("INGEST_STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.SQLitePath = utils.GetEnv("INGEST_SQLITE_PATH", c.Storage.SQLitePath)
	c.Storage.PostgresDSN = utils.GetEnv("INGEST_POSTGRES_DSN", c.Storage.PostgresDSN)
	c.API.Addr = utils.GetEnv("INGEST_API_ADDR", c.API.Addr)

	n, err := utils.GetEnvInt("INGEST_MAX_CONCURRENCY", c.Orchestrator.MaxConcurrency)
	if err != nil {
		return eris.Wrap(err, "config")
	}
	c.Orchestrator.MaxConcurrency = n

	if v := utils.GetEnv("INGEST_SHUTDOWN_TIMEOUT", ""); v != "" {
		d, err := utils.ParseDuration(v, 0)
		if err != nil {
			return eris.Wrap(err, "config: INGEST_SHUTDOWN_TIMEOUT")
		}
		c.Scheduler.ShutdownTimeout = Duration(d)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverNone
	}
	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	if c.Orchestrator.MaxConcurrency == 0 {
		c.Orchestrator.MaxConcurrency = 4
	}
	if c.Scheduler.ShutdownTimeout == 0 {
		c.Scheduler.ShutdownTimeout = Duration(15 * time.Second)
	}
	if c.API.ManualRunsPerMinute == 0 {
		c.API.ManualRunsPerMinute = 6
	}

	if len(c.Scheduler.Loops) == 0 {
		for _, name := range []string{LoopFast, LoopRegular, LoopDaily} {
			c.Scheduler.Loops = append(c.Scheduler.Loops, LoopConfig{Name: name})
		}
	}
	for i := range c.Scheduler.Loops {
		l := &c.Scheduler.Loops[i]
		if def, ok := loopDefaults[l.Name]; ok {
			if l.Interval == 0 {
				l.Interval = Duration(def.interval)
			}
			if l.ErrorBackoff == 0 {
				l.ErrorBackoff = Duration(def.backoff)
			}
		}
		if l.ErrorBackoff == 0 {
			l.ErrorBackoff = l.Interval
		}
	}

	for i := range c.Tasks {
		t := &c.Tasks[i]
		t.Kind = strings.ToLower(t.Kind)
		if t.Kind == "" {
			t.Kind = KindJSON
		}
		if t.Source == "" {
			t.Source = t.Name
		}
		if t.Loop == "" {
			t.Loop = LoopRegular
		}
		if t.IDField == "" {
			t.IDField = "id"
		}
		if t.RateLimit.Capacity == 0 {
			t.RateLimit.Capacity = 10
		}
		if t.RateLimit.Window == 0 {
			t.RateLimit.Window = Duration(time.Second)
		}
		if t.Retry.Retries == 0 {
			t.Retry.Retries = 3
		}
		if t.Retry.BackoffBase == 0 {
			t.Retry.BackoffBase = 2
		}
	}
}

// Validate reports the first malformed setting.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverNone:
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return eris.New("config: storage.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return eris.New("config: storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return eris.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.Orchestrator.MaxConcurrency < 0 {
		return eris.New("config: orchestrator.max_concurrency must not be negative")
	}
	if c.Scheduler.ShutdownTimeout < 0 {
		return eris.New("config: scheduler.shutdown_timeout must not be negative")
	}

	loops := make(map[string]bool, len(c.Scheduler.Loops))
	for _, l := range c.Scheduler.Loops {
		if l.Name == "" {
			return eris.New("config: scheduler loop without a name")
		}
		if loops[l.Name] {
			return eris.Errorf("config: duplicate scheduler loop %q", l.Name)
		}
		loops[l.Name] = true
		if l.Interval <= 0 {
			return eris.Errorf("config: loop %q needs a positive interval", l.Name)
		}
		if l.ErrorBackoff < 0 {
			return eris.Errorf("config: loop %q has a negative error_backoff", l.Name)
		}
	}

	for name, entry := range c.Routing {
		if !entry.Strategy.Valid() {
			return eris.Errorf("config: routing for %q has unknown strategy %q", name, entry.Strategy)
		}
		switch entry.OnConflict {
		case "", model.OnConflictUpdate, model.OnConflictIgnore:
		default:
			return eris.Errorf("config: routing for %q has unknown on_conflict %q", name, entry.OnConflict)
		}
	}

	names := make(map[string]bool, len(c.Tasks))
	for _, t := range c.Tasks {
		if t.Name == "" {
			return eris.New("config: task without a name")
		}
		if names[t.Name] {
			return eris.Errorf("config: duplicate task %q", t.Name)
		}
		names[t.Name] = true
		if t.Kind != KindJSON && t.Kind != KindCSV {
			return eris.Errorf("config: task %q has unknown kind %q", t.Name, t.Kind)
		}
		if t.URL == "" {
			return eris.Errorf("config: task %q needs a url", t.Name)
		}
		if !loops[t.Loop] {
			return eris.Errorf("config: task %q joins unknown loop %q", t.Name, t.Loop)
		}
		if t.RateLimit.Capacity < 0 || t.RateLimit.Window < 0 {
			return eris.Errorf("config: task %q has a negative rate limit", t.Name)
		}
		if t.Retry.Retries < 0 || t.Retry.BackoffBase < 0 {
			return eris.Errorf("config: task %q has a negative retry setting", t.Name)
		}
	}
	return nil
}

// LoopTasks returns the task names a loop runs: its explicit list followed by the
// enabled tasks that name the loop, without duplicates.
func (c *Config) LoopTasks(loop string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, l := range c.Scheduler.Loops {
		if l.Name != loop {
			continue
		}
		for _, name := range l.Tasks {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	for _, t := range c.Tasks {
		if t.Loop == loop && t.IsEnabled() && !seen[t.Name] {
			seen[t.Name] = true
			out = append(out, t.Name)
		}
	}
	return out
}

// String renders the config as YAML with the postgres DSN masked.
func (c *Config) String() string {
	masked := *c
	if masked.Storage.PostgresDSN != "" {
		masked.Storage.PostgresDSN = "****"
	}
	b, err := yaml.Marshal(&masked)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(b)
}

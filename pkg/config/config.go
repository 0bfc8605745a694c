// Package config loads the gh-ingest YAML configuration and applies
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Sternrassler/github-ingest/pkg/client"
	"github.com/Sternrassler/github-ingest/pkg/logging"
	"github.com/Sternrassler/github-ingest/pkg/pipeline"
	"github.com/Sternrassler/github-ingest/pkg/record"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvToken       = "GITHUB_TOKEN"
	EnvBaseURL     = "GITHUB_BASE_URL"
	EnvPostgresDSN = "POSTGRES_DSN"
	EnvRedisURL    = "REDIS_URL"
	EnvLogLevel    = "LOG_LEVEL"
)

// Watermark store backends.
const (
	StoreAuto     = ""
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// DefaultUserAgent is sent when the file sets none.
const DefaultUserAgent = "gh-ingest/0.1.0"

// Config is the root of the configuration file.
type Config struct {
	GitHub    GitHubConfig     `yaml:"github"`
	Redis     RedisConfig      `yaml:"redis"`
	Postgres  PostgresConfig   `yaml:"postgres"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	Logging   LoggingConfig    `yaml:"logging"`
	Resources []ResourceConfig `yaml:"resources"`
}

type GitHubConfig struct {
	BaseURL    string `yaml:"base_url"`
	Token      string `yaml:"token"`
	UserAgent  string `yaml:"user_agent"`
	APIVersion string `yaml:"api_version"`

	// RequestsPerSecond caps outgoing requests; 0 disables the cap.
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRateLimitWait  time.Duration `yaml:"max_rate_limit_wait"`
	CacheRetention    time.Duration `yaml:"cache_retention"`
}

type RedisConfig struct {
	// URL in redis:// form. Empty disables Redis.
	URL string `yaml:"url"`
}

type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	Schema         string `yaml:"schema"`
	WatermarkTable string `yaml:"watermark_table"`
}

type PipelineConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	BatchSize      int           `yaml:"batch_size"`
	PageSize       int           `yaml:"page_size"`
	RateLimitDelay time.Duration `yaml:"rate_limit_delay"`

	// WatermarkStore selects memory, redis or postgres. Empty picks
	// postgres when a DSN is set, then redis, then memory.
	WatermarkStore string `yaml:"watermark_store"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// ResourceConfig is one collection to ingest.
type ResourceConfig struct {
	Name             string            `yaml:"name"`
	Path             string            `yaml:"path"`
	Params           map[string]string `yaml:"params"`
	PageSize         int               `yaml:"page_size"`
	WatermarkField   string            `yaml:"watermark_field"`
	WatermarkKind    string            `yaml:"watermark_kind"`
	SinceParam       string            `yaml:"since_param"`
	InitialWatermark string            `yaml:"initial_watermark"`
	PrimaryKey       []string          `yaml:"primary_key"`
	Fields           []string          `yaml:"fields"`
	Table            string            `yaml:"table"`
	TableField       string            `yaml:"table_field"`
}

// Default returns the built-in configuration without resources.
func Default() Config {
	pc := pipeline.DefaultConfig()
	return Config{
		GitHub: GitHubConfig{
			BaseURL:           client.DefaultBaseURL,
			UserAgent:         DefaultUserAgent,
			APIVersion:        client.DefaultAPIVersion,
			RequestsPerSecond: 10,
			Timeout:           30 * time.Second,
			MaxRateLimitWait:  15 * time.Minute,
			CacheRetention:    24 * time.Hour,
		},
		Postgres: PostgresConfig{
			Schema:         "github",
			WatermarkTable: "ingest_watermarks",
		},
		Pipeline: PipelineConfig{
			Concurrency:    pc.Concurrency,
			BatchSize:      pc.BatchSize,
			PageSize:       pc.PageSize,
			RateLimitDelay: pc.RateLimitDelay,
		},
		Logging: LoggingConfig{Level: string(logging.LevelInfo)},
	}
}

// Load reads path, applies the process environment and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return &cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides file values with non-empty environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(EnvToken, &c.GitHub.Token)
	set(EnvBaseURL, &c.GitHub.BaseURL)
	set(EnvPostgresDSN, &c.Postgres.DSN)
	set(EnvRedisURL, &c.Redis.URL)
	set(EnvLogLevel, &c.Logging.Level)
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.GitHub.BaseURL)
	if err != nil || !u.IsAbs() {
		errs = append(errs, fmt.Errorf("github.base_url %q is not an absolute URL", c.GitHub.BaseURL))
	}
	if c.GitHub.UserAgent == "" {
		errs = append(errs, errors.New("github.user_agent is required"))
	}
	if c.GitHub.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("github.requests_per_second must be >= 0"))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if c.Pipeline.RateLimitDelay < 0 {
		errs = append(errs, errors.New("pipeline.rate_limit_delay must be >= 0"))
	}
	if c.Pipeline.Concurrency < 0 || c.Pipeline.BatchSize < 0 || c.Pipeline.PageSize < 0 {
		errs = append(errs, errors.New("pipeline concurrency, batch_size and page_size must be >= 0"))
	}

	switch c.Pipeline.WatermarkStore {
	case StoreAuto, StoreMemory:
	case StoreRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("watermark_store redis needs redis.url"))
		}
	case StorePostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("watermark_store postgres needs postgres.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown watermark_store %q", c.Pipeline.WatermarkStore))
	}

	if c.Redis.URL != "" {
		if _, err := redis.ParseURL(c.Redis.URL); err != nil {
			errs = append(errs, fmt.Errorf("redis.url: %w", err))
		}
	}

	seen := make(map[string]bool)
	for _, rc := range c.Resources {
		if seen[rc.Name] {
			errs = append(errs, fmt.Errorf("resource %q is defined twice", rc.Name))
		}
		seen[rc.Name] = true
		if _, err := rc.Resource(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// StoreBackend resolves the watermark store to use.
func (c *Config) StoreBackend() string {
	if c.Pipeline.WatermarkStore != StoreAuto {
		return c.Pipeline.WatermarkStore
	}
	switch {
	case c.Postgres.DSN != "":
		return StorePostgres
	case c.Redis.URL != "":
		return StoreRedis
	default:
		return StoreMemory
	}
}

// Resource converts the entry to a pipeline resource.
func (rc ResourceConfig) Resource() (pipeline.Resource, error) {
	kind, err := record.ParseKind(rc.WatermarkKind)
	if err != nil {
		return pipeline.Resource{}, fmt.Errorf("resource %s: %w", rc.Name, err)
	}

	r := pipeline.Resource{
		Name:           rc.Name,
		Path:           rc.Path,
		PageSize:       rc.PageSize,
		WatermarkField: rc.WatermarkField,
		WatermarkKind:  kind,
		SinceParam:     rc.SinceParam,
		PrimaryKey:     rc.PrimaryKey,
		Fields:         rc.Fields,
		Table:          rc.Table,
		TableField:     rc.TableField,
	}
	if len(rc.Params) > 0 {
		r.Params = make(url.Values, len(rc.Params))
		for k, v := range rc.Params {
			r.Params.Set(k, v)
		}
	}
	if rc.InitialWatermark != "" {
		wm, err := record.ParseWatermarkString(kind, rc.InitialWatermark)
		if err != nil {
			return pipeline.Resource{}, fmt.Errorf("resource %s: initial_watermark: %w", rc.Name, err)
		}
		r.InitialWatermark = wm
	}

	if err := r.Validate(); err != nil {
		return pipeline.Resource{}, err
	}
	return r, nil
}

// Select returns the pipeline resources with the given names, or all of
// them when names is empty.
func (c *Config) Select(names ...string) ([]pipeline.Resource, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.TrimSpace(n)] = true
	}

	var out []pipeline.Resource
	for _, rc := range c.Resources {
		if len(want) > 0 && !want[rc.Name] {
			continue
		}
		r, err := rc.Resource()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
		delete(want, rc.Name)
	}
	if len(names) > 0 {
		for n := range want {
			return nil, fmt.Errorf("unknown resource %q", n)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no resources configured")
	}
	return out, nil
}

// ClientConfig builds the GitHub client configuration. rdb may be nil.
func (c *Config) ClientConfig(rdb *redis.Client) client.Config {
	cc := client.DefaultConfig(rdb, c.GitHub.UserAgent)
	cc.BaseURL = c.GitHub.BaseURL
	cc.Token = c.GitHub.Token
	if c.GitHub.APIVersion != "" {
		cc.APIVersion = c.GitHub.APIVersion
	}
	cc.RateLimit = c.GitHub.RequestsPerSecond
	if c.GitHub.Timeout > 0 {
		cc.Timeout = c.GitHub.Timeout
	}
	if c.GitHub.MaxRateLimitWait > 0 {
		cc.MaxRateLimitWait = c.GitHub.MaxRateLimitWait
	}
	if c.GitHub.CacheRetention > 0 {
		cc.CacheRetention = c.GitHub.CacheRetention
	}
	return cc
}

// PipelineConfig builds the pipeline configuration.
func (c *Config) PipelineConfig(dryRun bool) pipeline.Config {
	return pipeline.Config{
		BaseURL:        c.GitHub.BaseURL,
		Concurrency:    c.Pipeline.Concurrency,
		BatchSize:      c.Pipeline.BatchSize,
		PageSize:       c.Pipeline.PageSize,
		RateLimitDelay: c.Pipeline.RateLimitDelay,
		DryRun:         dryRun,
	}
}

// LoggingConfig builds the logger configuration.
func (c *Config) LoggingConfig() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = logging.LogLevel(c.Logging.Level)
	lc.Pretty = c.Logging.Pretty
	return lc
}

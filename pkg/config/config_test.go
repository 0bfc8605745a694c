package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/github-ingest/pkg/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
github:
  user_agent: acme-ingest/2.0
  requests_per_second: 5
  timeout: 10s
redis:
  url: redis://localhost:6379/1
postgres:
  dsn: postgres://ingest@localhost/warehouse?sslmode=disable
pipeline:
  concurrency: 4
  rate_limit_delay: 500ms
logging:
  level: debug
resources:
  - name: issues
    path: /repos/octo/hello/issues
    params:
      state: all
      sort: updated
      direction: desc
    since_param: since
    initial_watermark: "2024-01-01T00:00:00Z"
    primary_key: [id]
  - name: events
    path: /repos/octo/hello/events
    watermark_field: created_at
    primary_key: [id]
    table_field: type
  - name: commits
    path: /repos/octo/hello/commits
    watermark_field: commit.author.date
    primary_key: [sha]
    fields: [sha, commit, author]
`

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "acme-ingest/2.0", cfg.GitHub.UserAgent)
	assert.Equal(t, 10*time.Second, cfg.GitHub.Timeout)
	assert.Equal(t, 5.0, cfg.GitHub.RequestsPerSecond)
	assert.Equal(t, 4, cfg.Pipeline.Concurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.Pipeline.RateLimitDelay)
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.Resources, 3)

	// Unset values keep their defaults.
	def := Default()
	assert.Equal(t, def.GitHub.BaseURL, cfg.GitHub.BaseURL)
	assert.Equal(t, def.Pipeline.BatchSize, cfg.Pipeline.BatchSize)
	assert.Equal(t, def.Postgres.Schema, cfg.Postgres.Schema)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(strings.NewReader("  \n"))
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse(strings.NewReader("github:\n  tokn: abc\n"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	cfg.ApplyEnv(env(map[string]string{
		EnvToken:       "ghp_secret",
		EnvBaseURL:     "https://github.example.com/api/v3",
		EnvPostgresDSN: "postgres://other/db",
		EnvLogLevel:    "warn",
		EnvRedisURL:    "",
	}))

	assert.Equal(t, "ghp_secret", cfg.GitHub.Token)
	assert.Equal(t, "https://github.example.com/api/v3", cfg.GitHub.BaseURL)
	assert.Equal(t, "postgres://other/db", cfg.Postgres.DSN)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "redis://localhost:6379/1", cfg.Redis.URL, "empty env values must not clear the file value")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"default", func(*Config) {}, ""},
		{"relative base url", func(c *Config) { c.GitHub.BaseURL = "/api" }, "base_url"},
		{"no user agent", func(c *Config) { c.GitHub.UserAgent = "" }, "user_agent"},
		{"negative rate", func(c *Config) { c.GitHub.RequestsPerSecond = -1 }, "requests_per_second"},
		{"negative delay", func(c *Config) { c.Pipeline.RateLimitDelay = -time.Second }, "rate_limit_delay"},
		{"negative batch", func(c *Config) { c.Pipeline.BatchSize = -1 }, "batch_size"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"unknown store", func(c *Config) { c.Pipeline.WatermarkStore = "etcd" }, "etcd"},
		{"redis store without url", func(c *Config) { c.Pipeline.WatermarkStore = StoreRedis }, "redis.url"},
		{"postgres store without dsn", func(c *Config) { c.Pipeline.WatermarkStore = StorePostgres }, "postgres.dsn"},
		{"bad redis url", func(c *Config) { c.Redis.URL = "http://nope" }, "redis.url"},
		{
			"duplicate resource",
			func(c *Config) {
				r := ResourceConfig{Name: "issues", Path: "/x", PrimaryKey: []string{"id"}}
				c.Resources = []ResourceConfig{r, r}
			},
			"defined twice",
		},
		{
			"bad watermark kind",
			func(c *Config) {
				c.Resources = []ResourceConfig{{Name: "issues", Path: "/x", PrimaryKey: []string{"id"}, WatermarkKind: "date"}}
			},
			"unknown kind",
		},
		{
			"bad initial watermark",
			func(c *Config) {
				c.Resources = []ResourceConfig{{Name: "issues", Path: "/x", PrimaryKey: []string{"id"}, InitialWatermark: "yesterday"}}
			},
			"initial_watermark",
		},
		{
			"missing primary key",
			func(c *Config) { c.Resources = []ResourceConfig{{Name: "issues", Path: "/x"}} },
			"primary_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStoreBackend(t *testing.T) {
	cfg := Default()
	assert.Equal(t, StoreMemory, cfg.StoreBackend())

	cfg.Redis.URL = "redis://localhost:6379"
	assert.Equal(t, StoreRedis, cfg.StoreBackend())

	cfg.Postgres.DSN = "postgres://localhost/db"
	assert.Equal(t, StorePostgres, cfg.StoreBackend())

	cfg.Pipeline.WatermarkStore = StoreRedis
	assert.Equal(t, StoreRedis, cfg.StoreBackend())
}

func TestResourceConversion(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	resources, err := cfg.Select()
	require.NoError(t, err)
	require.Len(t, resources, 3)

	issues := resources[0]
	assert.Equal(t, url.Values{"state": {"all"}, "sort": {"updated"}, "direction": {"desc"}}, issues.Params)
	assert.Equal(t, record.KindTime, issues.WatermarkKind)
	assert.Equal(t, "since", issues.SinceParam)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), issues.InitialWatermark.Time().UTC())

	assert.Equal(t, "type", resources[1].TableField)
	assert.Equal(t, "commit.author.date", resources[2].WatermarkField)
	assert.Equal(t, []string{"sha", "commit", "author"}, resources[2].Fields)
}

func TestSelect(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	got, err := cfg.Select("events", " commits")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "events", got[0].Name)
	assert.Equal(t, "commits", got[1].Name)

	_, err = cfg.Select("pulls")
	assert.ErrorContains(t, err, `unknown resource "pulls"`)

	empty := Default()
	_, err = empty.Select()
	assert.ErrorContains(t, err, "no resources")
}

func TestClientConfig(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	cfg.GitHub.Token = "tok"

	cc := cfg.ClientConfig(nil)
	assert.Equal(t, "acme-ingest/2.0", cc.UserAgent)
	assert.Equal(t, "tok", cc.Token)
	assert.Equal(t, 5.0, cc.RateLimit)
	assert.Equal(t, 10*time.Second, cc.Timeout)
	assert.Nil(t, cc.Redis)
	assert.NotNil(t, cc.RetryPolicy)
}

func TestPipelineAndLoggingConfig(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	pc := cfg.PipelineConfig(true)
	assert.True(t, pc.DryRun)
	assert.Equal(t, 4, pc.Concurrency)
	assert.Equal(t, cfg.GitHub.BaseURL, pc.BaseURL)

	lc := cfg.LoggingConfig()
	assert.EqualValues(t, "debug", lc.Level)
	assert.False(t, lc.Pretty)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	t.Setenv(EnvToken, "from-env")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.GitHub.Token)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("pipeline:\n  watermark_store: etcd\n"), 0o600))
	_, err = Load(bad)
	assert.ErrorContains(t, err, "etcd")
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/map-harvester/internal/harvest"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
store:
  backend: postgres
  postgres:
    dsn: postgres://harvest@localhost/harvest
    max_conns: 16
harvest:
  concurrency: 6
  requests_per_second: 2.5
  max_attempts: 5
  lease_seconds: 120
  fetch_timeout_seconds: 30
dedupe:
  exclude_mode: token
fetcher:
  mode: auto
  url_template: https://maps.example/search?text={request}&city={city}
  selectors:
    listing: li.card
    name: a.title
publisher:
  backend: kafka
  topic: units
kafka:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
redis:
  addr: localhost:6379
export:
  backend: gcs
  bucket: harvest-exports
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "postgres", cfg.Store.Backend)
	require.EqualValues(t, 16, cfg.Store.Postgres.MaxConns)
	require.Equal(t, "token", cfg.Dedupe.ExcludeMode)
	require.Equal(t, "li.card", cfg.Fetcher.Selectors["listing"])
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, "harvest-exports", cfg.Export.Bucket)

	// Defaults survive next to overrides.
	require.Equal(t, 2, cfg.Fetcher.Headless.MaxParallel)
	require.Equal(t, "harvest:run:", cfg.Redis.Prefix)
	require.Equal(t, 30*time.Second, cfg.LockTTL())

	require.Equal(t, harvest.RunParams{
		Concurrency:       6,
		RequestsPerSecond: 2.5,
		Burst:             1,
		MaxAttempts:       5,
		LeaseDuration:     2 * time.Minute,
		FetchTimeout:      30 * time.Second,
	}, cfg.RunDefaults())
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Store.Backend)
	require.Equal(t, "harvest.db", cfg.Store.SQLite.Path)
	require.Equal(t, "none", cfg.Publisher.Backend)
	require.NoError(t, cfg.RunDefaults().Validate())
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "unknown store", mutate: func(c *Config) { c.Store.Backend = "mysql" }, want: "store.backend"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Backend = "postgres" }, want: "store.postgres.dsn"},
		{name: "invalid concurrency", mutate: func(c *Config) { c.Harvest.Concurrency = 0 }, want: "harvest.concurrency"},
		{name: "negative rate", mutate: func(c *Config) { c.Harvest.RequestsPerSecond = -1 }, want: "harvest.requests_per_second"},
		{name: "timeout exceeds lease", mutate: func(c *Config) { c.Harvest.FetchTimeoutSeconds = c.Harvest.LeaseSeconds }, want: "harvest.fetch_timeout_seconds"},
		{
			name: "lease shorter than token wait",
			mutate: func(c *Config) {
				c.Harvest.Concurrency = 100
				c.Harvest.RequestsPerSecond = 0.5
			},
			want: "lease_duration",
		},
		{name: "poll bounds", mutate: func(c *Config) { c.Harvest.PollMaxMs = 1 }, want: "harvest.poll_initial_ms"},
		{name: "unknown fetch mode", mutate: func(c *Config) { c.Fetcher.Mode = "ftp" }, want: "fetcher.mode"},
		{
			name: "headless without slots",
			mutate: func(c *Config) {
				c.Fetcher.Mode = "headless"
				c.Fetcher.Headless.MaxParallel = 0
			},
			want: "fetcher.headless.max_parallel",
		},
		{name: "pubsub without project", mutate: func(c *Config) { c.Publisher.Backend = "pubsub" }, want: "pubsub.project_id"},
		{name: "kafka without brokers", mutate: func(c *Config) { c.Publisher.Backend = "kafka" }, want: "kafka.brokers"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Export.Backend = "gcs" }, want: "export.bucket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestMillis(t *testing.T) {
	t.Parallel()

	require.Equal(t, 250*time.Millisecond, Millis(250))
}

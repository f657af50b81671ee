// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/map-harvester/internal/harvest"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Store     StoreConfig     `mapstructure:"store"`
	Harvest   HarvestConfig   `mapstructure:"harvest"`
	Matrix    MatrixConfig    `mapstructure:"matrix"`
	Dedupe    DedupeConfig    `mapstructure:"dedupe"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Export    ExportConfig    `mapstructure:"export"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects the progress store backend.
type StoreConfig struct {
	Backend  string         `mapstructure:"backend"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig configures the embedded file backend.
type SQLiteConfig struct {
	Path          string `mapstructure:"path"`
	BusyTimeoutMs int    `mapstructure:"busy_timeout_ms"`
}

// PostgresConfig configures the networked backend.
type PostgresConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
}

// HarvestConfig holds run defaults and dispatcher tuning.
type HarvestConfig struct {
	Concurrency         int     `mapstructure:"concurrency"`
	RequestsPerSecond   float64 `mapstructure:"requests_per_second"`
	Burst               int     `mapstructure:"burst"`
	MaxAttempts         int     `mapstructure:"max_attempts"`
	LeaseSeconds        int     `mapstructure:"lease_seconds"`
	FetchTimeoutSeconds int     `mapstructure:"fetch_timeout_seconds"`
	PollInitialMs       int     `mapstructure:"poll_initial_ms"`
	PollMaxMs           int     `mapstructure:"poll_max_ms"`
	SeedBatchSize       int     `mapstructure:"seed_batch_size"`
	BackendRetries      int     `mapstructure:"backend_retries"`
	LockTTLSeconds      int     `mapstructure:"lock_ttl_seconds"`
	OwnerPrefix         string  `mapstructure:"owner_prefix"`
}

// MatrixConfig points at the matrix file used by the CLI.
type MatrixConfig struct {
	Path string `mapstructure:"path"`
}

// DedupeConfig selects exclude matching and identity derivation.
type DedupeConfig struct {
	ExcludeMode  string `mapstructure:"exclude_mode"`
	IdentityMode string `mapstructure:"identity_mode"`
}

// FetcherConfig configures the provider fetcher.
type FetcherConfig struct {
	// Mode is http, headless, or auto (http with headless promotion).
	Mode           string            `mapstructure:"mode"`
	UserAgent      string            `mapstructure:"user_agent"`
	URLTemplate    string            `mapstructure:"url_template"`
	Selectors      map[string]string `mapstructure:"selectors"`
	IDPattern      string            `mapstructure:"id_pattern"`
	CaptchaMarker  string            `mapstructure:"captcha_marker"`
	RespectRobots  bool              `mapstructure:"respect_robots"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	Headless       HeadlessConfig    `mapstructure:"headless"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	MaxParallel        int `mapstructure:"max_parallel"`
	NavTimeoutSeconds  int `mapstructure:"nav_timeout_seconds"`
	SettleMs           int `mapstructure:"settle_ms"`
	PromotionThreshold int `mapstructure:"promotion_threshold"`
}

// PublisherConfig selects where commit notifications go.
type PublisherConfig struct {
	Backend string `mapstructure:"backend"`
	Topic   string `mapstructure:"topic"`
}

// PubSubConfig holds Google Pub/Sub settings.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// KafkaConfig holds Kafka settings.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

// RedisConfig enables the live-status cache when Addr is set.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	Prefix     string `mapstructure:"prefix"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// ProgressConfig controls the progress hub.
type ProgressConfig struct {
	Enabled       bool        `mapstructure:"enabled"`
	LogEnabled    bool        `mapstructure:"log_enabled"`
	BufferSize    int         `mapstructure:"buffer_size"`
	Batch         BatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int         `mapstructure:"sink_timeout_ms"`
}

// BatchConfig bounds progress event batches.
type BatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// ExportConfig selects the export blob store.
type ExportConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	Format  string `mapstructure:"format"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.sqlite.path", "harvest.db")
	v.SetDefault("store.sqlite.busy_timeout_ms", 5000)
	v.SetDefault("store.postgres.max_conns", 8)
	v.SetDefault("store.postgres.min_conns", 1)
	v.SetDefault("store.postgres.max_conn_lifetime_seconds", 1800)
	v.SetDefault("harvest.concurrency", 4)
	v.SetDefault("harvest.requests_per_second", 1.0)
	v.SetDefault("harvest.burst", 1)
	v.SetDefault("harvest.max_attempts", 3)
	v.SetDefault("harvest.lease_seconds", 300)
	v.SetDefault("harvest.fetch_timeout_seconds", 60)
	v.SetDefault("harvest.poll_initial_ms", 200)
	v.SetDefault("harvest.poll_max_ms", 5000)
	v.SetDefault("harvest.seed_batch_size", 500)
	v.SetDefault("harvest.backend_retries", 5)
	v.SetDefault("harvest.lock_ttl_seconds", 30)
	v.SetDefault("dedupe.exclude_mode", "substring")
	v.SetDefault("dedupe.identity_mode", "provider")
	v.SetDefault("fetcher.mode", "http")
	v.SetDefault("fetcher.user_agent", "map-harvester/0.1")
	v.SetDefault("fetcher.timeout_seconds", 30)
	v.SetDefault("fetcher.headless.max_parallel", 2)
	v.SetDefault("fetcher.headless.nav_timeout_seconds", 45)
	v.SetDefault("fetcher.headless.settle_ms", 500)
	v.SetDefault("fetcher.headless.promotion_threshold", 2048)
	v.SetDefault("publisher.backend", "none")
	v.SetDefault("publisher.topic", "harvest-units")
	v.SetDefault("redis.prefix", "harvest:run:")
	v.SetDefault("redis.ttl_seconds", 86400)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 256)
	v.SetDefault("progress.batch.max_wait_ms", 250)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("export.backend", "local")
	v.SetDefault("export.base_dir", "exports")
	v.SetDefault("export.prefix", "runs")
	v.SetDefault("export.format", "csv")
	// Empty defaults let AutomaticEnv fill keys with no preset value.
	v.SetDefault("matrix.path", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("export.bucket", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend must be sqlite, postgres, or memory (got %q)", c.Store.Backend)
	}
	if err := c.Harvest.validate(); err != nil {
		return err
	}
	if err := c.RunDefaults().Validate(); err != nil {
		return fmt.Errorf("harvest: %w", err)
	}
	switch c.Fetcher.Mode {
	case "http", "headless", "auto":
	default:
		return fmt.Errorf("fetcher.mode must be http, headless, or auto (got %q)", c.Fetcher.Mode)
	}
	if c.Fetcher.Mode != "http" && c.Fetcher.Headless.MaxParallel <= 0 {
		return fmt.Errorf("fetcher.headless.max_parallel must be > 0 when headless rendering is used")
	}
	switch c.Publisher.Backend {
	case "", "none", "memory":
	case "pubsub":
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id is required for the pubsub publisher")
		}
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required for the kafka publisher")
		}
	default:
		return fmt.Errorf("publisher.backend must be none, memory, pubsub, or kafka (got %q)", c.Publisher.Backend)
	}
	if c.Publisher.Backend != "" && c.Publisher.Backend != "none" && c.Publisher.Topic == "" {
		return fmt.Errorf("publisher.topic is required when a publisher is configured")
	}
	switch c.Export.Backend {
	case "memory", "local", "gcs":
	default:
		return fmt.Errorf("export.backend must be memory, local, or gcs (got %q)", c.Export.Backend)
	}
	if c.Export.Backend == "gcs" && c.Export.Bucket == "" {
		return fmt.Errorf("export.bucket is required for the gcs export backend")
	}
	return nil
}

func (h HarvestConfig) validate() error {
	switch {
	case h.Concurrency <= 0:
		return fmt.Errorf("harvest.concurrency must be > 0")
	case h.RequestsPerSecond < 0:
		return fmt.Errorf("harvest.requests_per_second must be >= 0")
	case h.MaxAttempts <= 0:
		return fmt.Errorf("harvest.max_attempts must be > 0")
	case h.LeaseSeconds <= 0:
		return fmt.Errorf("harvest.lease_seconds must be > 0")
	case h.FetchTimeoutSeconds <= 0:
		return fmt.Errorf("harvest.fetch_timeout_seconds must be > 0")
	case h.FetchTimeoutSeconds >= h.LeaseSeconds:
		return fmt.Errorf("harvest.fetch_timeout_seconds must be < harvest.lease_seconds")
	case h.LockTTLSeconds <= 0:
		return fmt.Errorf("harvest.lock_ttl_seconds must be > 0")
	case h.PollInitialMs <= 0 || h.PollMaxMs < h.PollInitialMs:
		return fmt.Errorf("harvest.poll_initial_ms must be > 0 and <= harvest.poll_max_ms")
	}
	return nil
}

// RunDefaults converts the harvest section into default run parameters.
func (c Config) RunDefaults() harvest.RunParams {
	return harvest.RunParams{
		Concurrency:       c.Harvest.Concurrency,
		RequestsPerSecond: c.Harvest.RequestsPerSecond,
		Burst:             c.Harvest.Burst,
		MaxAttempts:       c.Harvest.MaxAttempts,
		LeaseDuration:     seconds(c.Harvest.LeaseSeconds),
		FetchTimeout:      seconds(c.Harvest.FetchTimeoutSeconds),
	}
}

// LockTTL is how long a run lock survives without a heartbeat.
func (c Config) LockTTL() time.Duration {
	return seconds(c.Harvest.LockTTLSeconds)
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return seconds(c.Server.ShutdownTimeoutSeconds)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts a millisecond knob to a duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// Package config loads and validates snapshot service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Scraping ScrapingConfig `mapstructure:"scraping"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ServiceName     string        `mapstructure:"service_name"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RequestTimeout bounds one API request, including a full dual fetch.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ScrapingConfig configures the scraping provider and the plain fallback.
// An empty APIKey disables the provider; every fetch then uses the fallback.
type ScrapingConfig struct {
	APIKey             string        `mapstructure:"api_key"`
	AuthURL            string        `mapstructure:"auth_url"`
	BaseURL            string        `mapstructure:"base_url"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	FallbackTimeout    time.Duration `mapstructure:"fallback_timeout"`
	DualTimeout        time.Duration `mapstructure:"dual_timeout"`
	WaitMs             int           `mapstructure:"wait_ms"`
	BlockAds           bool          `mapstructure:"block_ads"`
	MobileWidth        int           `mapstructure:"mobile_width"`
	TokenLifetime      time.Duration `mapstructure:"token_lifetime"`
	TokenRefreshMargin time.Duration `mapstructure:"token_refresh_margin"`
	RatePerSecond      float64       `mapstructure:"rate_per_second"`
	Burst              int           `mapstructure:"burst"`
	UserAgent          string        `mapstructure:"user_agent"`
}

// CacheConfig holds the default freshness and retention policy.
type CacheConfig struct {
	FreshnessHours int           `mapstructure:"freshness_hours"`
	MaxSnapshots   int           `mapstructure:"max_snapshots"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
	LeaseWait      time.Duration `mapstructure:"lease_wait"`
	LeasePoll      time.Duration `mapstructure:"lease_poll"`
}

// StorageConfig selects the blob backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// DatabaseConfig selects the document store.
type DatabaseConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// RedisConfig enables the per-url fetch lease when URL is set.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// PubSubConfig holds metadata for snapshot notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SNAPSHOT")
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
	v.SetDefault("server.service_name", "page-snapshot-cache")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.request_timeout", 5*time.Minute)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	// Registered so AutomaticEnv can fill them; viper only consults the
	// environment for keys it knows about when unmarshalling.
	v.SetDefault("scraping.api_key", "")
	v.SetDefault("scraping.auth_url", "")
	v.SetDefault("scraping.base_url", "https://app.scrapingbee.com/api/v1/")
	v.SetDefault("scraping.request_timeout", 90*time.Second)
	v.SetDefault("scraping.fallback_timeout", 20*time.Second)
	v.SetDefault("scraping.dual_timeout", 3*time.Minute)
	v.SetDefault("scraping.wait_ms", 2000)
	v.SetDefault("scraping.block_ads", true)
	v.SetDefault("scraping.mobile_width", 375)
	v.SetDefault("scraping.token_lifetime", time.Hour)
	v.SetDefault("scraping.token_refresh_margin", 5*time.Minute)
	v.SetDefault("scraping.rate_per_second", 5.0)
	v.SetDefault("scraping.burst", 5)
	v.SetDefault("scraping.user_agent", "page-snapshot-cache/0.1")
	v.SetDefault("cache.freshness_hours", 24)
	v.SetDefault("cache.max_snapshots", 10)
	v.SetDefault("cache.lease_ttl", 3*time.Minute)
	v.SetDefault("cache.lease_wait", 30*time.Second)
	v.SetDefault("cache.lease_poll", 250*time.Millisecond)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("database.backend", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.ensure_schema", true)
	v.SetDefault("redis.url", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Cache.FreshnessHours <= 0 {
		return fmt.Errorf("cache.freshness_hours must be > 0")
	}
	if c.Cache.MaxSnapshots < 1 {
		return fmt.Errorf("cache.max_snapshots must be >= 1")
	}
	if c.Scraping.RequestTimeout <= 0 {
		return fmt.Errorf("scraping.request_timeout must be > 0")
	}
	if c.Scraping.FallbackTimeout <= 0 {
		return fmt.Errorf("scraping.fallback_timeout must be > 0")
	}
	if c.Scraping.TokenRefreshMargin >= c.Scraping.TokenLifetime {
		return fmt.Errorf("scraping.token_refresh_margin must be shorter than scraping.token_lifetime")
	}
	if c.Scraping.APIKey != "" && c.Scraping.BaseURL == "" {
		return fmt.Errorf("scraping.base_url must be set when scraping.api_key is set")
	}
	switch c.Storage.Backend {
	case "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of gcs, local, memory", c.Storage.Backend)
	}
	switch c.Database.Backend {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("database.backend %q is not one of postgres, memory", c.Database.Backend)
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	return nil
}

// ScrapingEnabled reports whether provider credentials are configured.
func (c Config) ScrapingEnabled() bool {
	return strings.TrimSpace(c.Scraping.APIKey) != ""
}

// Package config loads the application configuration. Values are layered:
// built-in defaults, then an optional YAML file, then DAEDALUS_* environment
// variables. Each layer only overrides the fields it sets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/cache"
	"github.com/wehubfusion/Daedalus/pkg/server"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

// Config is the application configuration.
type Config struct {
	Log     LogConfig      `yaml:"log"`
	Cache   CacheConfig    `yaml:"cache"`
	Storage storage.Config `yaml:"storage"`
	Server  server.Config  `yaml:"server"`
	Tracing TracingConfig  `yaml:"tracing"`
	Sentry  SentryConfig   `yaml:"sentry"`
}

// LogConfig selects the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// CacheConfig configures the node result cache. An empty Dir disables
// caching.
type CacheConfig struct {
	Dir         string        `yaml:"dir"`
	InMemory    bool          `yaml:"in_memory"`
	TTL         time.Duration `yaml:"ttl"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
	QueueSize   int           `yaml:"queue_size"`
}

// Enabled reports whether a cache store should be opened.
func (c CacheConfig) Enabled() bool {
	return c.Dir != "" || c.InMemory
}

// TracingConfig enables OTLP trace export.
type TracingConfig struct {
	Enabled               bool `yaml:"enabled"`
	tracing.TracingConfig `yaml:",inline"`
}

// SentryConfig enables error reporting when DSN is set.
type SentryConfig struct {
	DSN         string  `yaml:"dsn"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Cache: CacheConfig{
			LockTimeout: cache.DefaultLockTimeout,
			QueueSize:   1024,
		},
		Storage: storage.DefaultConfig(),
		Server:  server.DefaultConfig(),
		Tracing: TracingConfig{TracingConfig: tracing.DefaultConfig("daedalus")},
		Sentry:  SentryConfig{Environment: "development", SampleRate: 1.0},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
		var file Config
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse config file '%s': %w", path, err)
		}
		if err := mergo.Merge(&cfg, file, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config file: %w", err)
		}
	}

	env, err := fromEnv()
	if err != nil {
		return nil, err
	}
	if err := mergo.Merge(&cfg, env, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge environment config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerated fields and fills zero values that have defaults.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	if c.Cache.LockTimeout <= 0 {
		c.Cache.LockTimeout = cache.DefaultLockTimeout
	}
	if c.Cache.QueueSize <= 0 {
		c.Cache.QueueSize = 1024
	}
	if len(c.Storage.Backends) == 0 {
		c.Storage.Backends = []string{storage.BackendLocal}
	}
	if c.Tracing.Enabled && c.Tracing.OTLPEndpoint == "" {
		return fmt.Errorf("tracing is enabled but no OTLP endpoint is set")
	}
	return nil
}

// fromEnv reads the DAEDALUS_* overrides. Unset variables leave fields zero
// so the merge keeps the lower layers.
func fromEnv() (Config, error) {
	var c Config
	c.Log.Level = os.Getenv("DAEDALUS_LOG_LEVEL")
	c.Log.Format = os.Getenv("DAEDALUS_LOG_FORMAT")

	c.Cache.Dir = os.Getenv("DAEDALUS_CACHE_DIR")
	if v := os.Getenv("DAEDALUS_CACHE_LOCK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return c, fmt.Errorf("invalid DAEDALUS_CACHE_LOCK_TIMEOUT: %w", err)
		}
		c.Cache.LockTimeout = d
	}

	if v := os.Getenv("DAEDALUS_STORAGE_BACKENDS"); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Storage.Backends = append(c.Storage.Backends, b)
			}
		}
	}
	c.Storage.BlobConnectionString = os.Getenv("DAEDALUS_BLOB_CONNECTION_STRING")
	c.Storage.BlobContainer = os.Getenv("DAEDALUS_BLOB_CONTAINER")
	c.Storage.NATSURL = os.Getenv("DAEDALUS_NATS_URL")
	c.Storage.PostgresDSN = os.Getenv("DAEDALUS_POSTGRES_DSN")

	c.Server.HTTPAddr = os.Getenv("DAEDALUS_HTTP_ADDR")
	c.Server.GRPCAddr = os.Getenv("DAEDALUS_GRPC_ADDR")

	if v := os.Getenv("DAEDALUS_OTLP_ENDPOINT"); v != "" {
		c.Tracing.Enabled = true
		c.Tracing.OTLPEndpoint = v
	}
	c.Tracing.Environment = os.Getenv("DAEDALUS_ENVIRONMENT")

	c.Sentry.DSN = os.Getenv("DAEDALUS_SENTRY_DSN")
	c.Sentry.Environment = os.Getenv("DAEDALUS_ENVIRONMENT")
	return c, nil
}

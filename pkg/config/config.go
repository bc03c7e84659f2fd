// Package config defines the runtime configuration structs, parsing helpers,
// and hot-reload wiring for the cache subsystem.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the cache subsystem's configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Cache     CacheConfig     `yaml:"cache"`
	RateGuard RateGuardConfig `yaml:"rate_guard"`
}

// CacheConfig holds RRsetStore/MessageStore settings.
type CacheConfig struct {
	// ShardCount is the number of independent shards backing both stores.
	// Should be a power of two. 0 selects the default (64).
	ShardCount int `yaml:"shard_count"`

	// RRsetCapacity is the max number of RRset entries held across all
	// shards; cmd/cachesrv divides it evenly among ShardCount shards.
	RRsetCapacity int `yaml:"rrset_capacity"`

	// MessageCapacity is the max number of message entries held across
	// all shards, divided among shards the same way.
	MessageCapacity int `yaml:"message_capacity"`

	// MaxTTL is copied into cacheenv.Config.MaxTTL by cmd/cachesrv (spec
	// §9: "the source does not cap reply.ttl; in practice callers cap it").
	// The Env does not read that field: a message TTL is capped only by
	// the maxTTL argument of Env.StoreMessage, and RRset TTLs are not
	// capped.
	MaxTTL time.Duration `yaml:"max_ttl"`

	// MinTTL is validated against MaxTTL and otherwise unused: incoming
	// RRset TTLs are stored as given, with no floor applied.
	MinTTL time.Duration `yaml:"min_ttl"`

	// SweepInterval is how often the background expiry sweep runs, in
	// addition to lazy expire-on-lookup (see SPEC_FULL "Proactive
	// TTL-based sweep").
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// EvictionScore is an optional expr-lang expression used to rank
	// eviction candidates whenever a shard needs a victim (an insert into
	// a full shard, or the proactive sweep). Lower score is
	// evicted first. Variables available: trust_rank (int), hits
	// (int), seconds_idle (float64), seconds_to_expiry (float64).
	// Empty string selects the default recency/hit-count scorer.
	EvictionScore string `yaml:"eviction_score"`
}

// RateGuardConfig holds the insert-flood guard's settings (see
// pkg/rateguard).
type RateGuardConfig struct {
	Enabled bool `yaml:"enabled"`

	// InsertsPerSecond is the steady-state rate of distinct inserts
	// allowed per owner name.
	InsertsPerSecond float64 `yaml:"inserts_per_second"`

	// Burst is the token bucket burst size.
	Burst int `yaml:"burst"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry/Prometheus settings.
type TelemetryConfig struct {
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusPort    int    `yaml:"prometheus_port"`
	Enabled           bool   `yaml:"enabled"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
}

// Load loads the configuration from a YAML file.
func Load(path string) (*Config, error) {
	// #nosec G304 - config path is provided by the operator at startup.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults.
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Clone creates a deep copy of the configuration via a YAML round-trip,
// so nested structs are copied rather than aliased.
func (c *Config) Clone() (*Config, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config for cloning: %w", err)
	}

	var clone Config
	if err := yaml.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config clone: %w", err)
	}

	clone.applyDefaults()

	return &clone, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "dns-cache-core"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}

	if c.Cache.ShardCount == 0 {
		c.Cache.ShardCount = 64
	}
	if c.Cache.RRsetCapacity == 0 {
		c.Cache.RRsetCapacity = 100000
	}
	if c.Cache.MessageCapacity == 0 {
		c.Cache.MessageCapacity = 100000
	}
	if c.Cache.MaxTTL == 0 {
		c.Cache.MaxTTL = 24 * time.Hour
	}
	if c.Cache.MinTTL == 0 {
		c.Cache.MinTTL = 1 * time.Second
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = 30 * time.Second
	}

	if c.RateGuard.InsertsPerSecond == 0 {
		c.RateGuard.InsertsPerSecond = 50
	}
	if c.RateGuard.Burst == 0 {
		c.RateGuard.Burst = 100
	}
}

// Validate checks whether the configuration is internally consistent.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && strings.TrimSpace(c.Logging.FilePath) == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	if c.Cache.ShardCount <= 0 {
		return fmt.Errorf("cache.shard_count must be positive")
	}
	if c.Cache.RRsetCapacity <= 0 {
		return fmt.Errorf("cache.rrset_capacity must be positive")
	}
	if c.Cache.MessageCapacity <= 0 {
		return fmt.Errorf("cache.message_capacity must be positive")
	}
	if c.Cache.MaxTTL <= 0 {
		return fmt.Errorf("cache.max_ttl must be positive")
	}
	if c.Cache.MinTTL < 0 {
		return fmt.Errorf("cache.min_ttl must not be negative")
	}
	if c.Cache.MinTTL > c.Cache.MaxTTL {
		return fmt.Errorf("cache.min_ttl must not exceed cache.max_ttl")
	}

	if c.RateGuard.Enabled {
		if c.RateGuard.InsertsPerSecond <= 0 {
			return fmt.Errorf("rate_guard.inserts_per_second must be positive when enabled")
		}
		if c.RateGuard.Burst <= 0 {
			return fmt.Errorf("rate_guard.burst must be positive when enabled")
		}
	}

	return nil
}

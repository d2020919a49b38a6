// Package config loads the harvester configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Sternrassler/venue-harvester/pkg/logging"
	"gopkg.in/yaml.v3"
)

// DefaultQueryString matches every record that contains any letter.
const DefaultQueryString = "a OR b OR c OR d OR e OR f OR g OR h OR i OR j OR k OR l OR m OR " +
	"n OR o OR p OR q OR r OR s OR t OR u OR v OR w OR x OR y OR z"

// Config holds the harvester configuration.
type Config struct {
	API        APIConfig         `yaml:"api"`
	Harvest    HarvestConfig     `yaml:"harvest"`
	Enrich     EnrichConfig      `yaml:"enrich"`
	Database   DatabaseConfig    `yaml:"database"`
	Redis      RedisConfig       `yaml:"redis"`
	Logging    LoggingConfig     `yaml:"logging"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Partitions []PartitionConfig `yaml:"partitions"`
}

// APIConfig holds the remote API settings.
type APIConfig struct {
	SearchURL  string      `yaml:"search_url"`
	LookupURL  string      `yaml:"lookup_url"`
	APIKey     string      `yaml:"api_key"`
	UserAgent  string      `yaml:"user_agent"`
	TimeoutSec int         `yaml:"timeout_sec"`
	Retry      RetryConfig `yaml:"retry"`
}

// RetryConfig holds transport-level retry settings. MaxRetries is a pointer
// so an explicit 0 (no retries) is kept; leaving it out means 5.
type RetryConfig struct {
	MaxRetries      *int  `yaml:"max_retries"`
	BackoffFactorMS int   `yaml:"backoff_factor_ms"`
	Statuses        []int `yaml:"statuses"`
}

// BackoffConfig holds a 429 backoff policy.
type BackoffConfig struct {
	BaseSec int `yaml:"base_sec"`
	MaxSec  int `yaml:"max_sec"`
}

// HarvestConfig holds query and pagination settings.
type HarvestConfig struct {
	Query          string         `yaml:"query"`
	Filters        map[string]any `yaml:"filters"`
	PageSize       int            `yaml:"page_size"`
	SortBy         string         `yaml:"sort_by"`
	MaxConcurrency int            `yaml:"max_concurrency"` // 0 = min(2 x CPUs, 20)
	PaceIntervalMS int            `yaml:"pace_interval_ms"`
	LabelField     string         `yaml:"label_field"`
	IDField        string         `yaml:"id_field"`
	Backoff        BackoffConfig  `yaml:"backoff"`
}

// EnrichConfig holds enrichment settings.
type EnrichConfig struct {
	Enabled           bool          `yaml:"enabled"`
	FlagField         string        `yaml:"flag_field"`
	MaxConcurrency    int           `yaml:"max_concurrency"`
	MaxLoadingRetries int           `yaml:"max_loading_retries"`
	LoadingWaitSec    int           `yaml:"loading_wait_sec"`
	Backoff           BackoffConfig `yaml:"backoff"`
}

// DatabaseConfig holds PostgreSQL settings. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN            string `yaml:"dsn"`
	Schema         string `yaml:"schema"`
	MaxConns       int    `yaml:"max_conns"`
	BatchSize      int    `yaml:"batch_size"`
	SimpleProtocol bool   `yaml:"simple_protocol"`
}

// RedisConfig holds lookup cache settings. URL (redis://...) wins over Addr;
// with neither set the cache is disabled.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTLHours int    `yaml:"ttl_hours"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"` // debug, info, warn, error
	Pretty bool   `yaml:"pretty"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty = disabled
}

// PartitionConfig is one venue to harvest.
type PartitionConfig struct {
	Label       string `yaml:"label"`
	Publication string `yaml:"publication"`
}

// Load reads the YAML file at path, expands ${VAR} references, applies
// environment overrides and defaults, and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is Load for in-memory YAML.
func Parse(data []byte) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyEnv()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and endpoints from the environment.
func (c *Config) ApplyEnv() {
	c.API.APIKey = getEnv("HARVEST_API_KEY", c.API.APIKey)
	c.Database.DSN = getEnv("PG_DSN", c.Database.DSN)
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.API.SearchURL == "" {
		c.API.SearchURL = "https://api.elsevier.com/content/search/sciencedirect"
	}
	if c.API.LookupURL == "" {
		c.API.LookupURL = "https://api.elsevier.com/content/article/pii/"
	}
	if c.API.UserAgent == "" {
		c.API.UserAgent = "venue-harvester/0.1.0"
	}
	if c.API.TimeoutSec <= 0 {
		c.API.TimeoutSec = 30
	}
	if c.API.Retry.MaxRetries == nil {
		retries := 5
		c.API.Retry.MaxRetries = &retries
	}
	if c.API.Retry.BackoffFactorMS <= 0 {
		c.API.Retry.BackoffFactorMS = 1000
	}
	if len(c.API.Retry.Statuses) == 0 {
		c.API.Retry.Statuses = []int{500, 502, 503, 504}
	}

	if c.Harvest.Query == "" {
		c.Harvest.Query = DefaultQueryString
	}
	if c.Harvest.PageSize <= 0 {
		c.Harvest.PageSize = 100
	}
	if c.Harvest.SortBy == "" {
		c.Harvest.SortBy = "date"
	}
	if c.Harvest.PaceIntervalMS <= 0 {
		c.Harvest.PaceIntervalMS = 1000
	}
	if c.Harvest.LabelField == "" {
		c.Harvest.LabelField = "sourceTitle"
	}
	if c.Harvest.IDField == "" {
		c.Harvest.IDField = "pii"
	}
	if c.Harvest.Backoff.BaseSec <= 0 {
		c.Harvest.Backoff.BaseSec = 1
	}
	if c.Harvest.Backoff.MaxSec <= 0 {
		c.Harvest.Backoff.MaxSec = 3600
	}

	if c.Enrich.FlagField == "" {
		c.Enrich.FlagField = "found"
	}
	if c.Enrich.MaxLoadingRetries <= 0 {
		c.Enrich.MaxLoadingRetries = 5
	}
	if c.Enrich.LoadingWaitSec <= 0 {
		c.Enrich.LoadingWaitSec = 10
	}
	if c.Enrich.Backoff.BaseSec <= 0 {
		c.Enrich.Backoff.BaseSec = 5
	}
	if c.Enrich.Backoff.MaxSec <= 0 {
		c.Enrich.Backoff.MaxSec = 3600
	}

	if c.Database.Schema == "" {
		c.Database.Schema = "public"
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 4
	}
	if c.Database.BatchSize <= 0 {
		c.Database.BatchSize = 500
	}

	if c.Redis.TTLHours <= 0 {
		c.Redis.TTLHours = 7 * 24
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if len(c.Partitions) == 0 {
		return fmt.Errorf("partitions: at least one partition is required")
	}
	seen := make(map[string]bool, len(c.Partitions))
	for i, p := range c.Partitions {
		label := strings.TrimSpace(p.Label)
		if label == "" {
			return fmt.Errorf("partitions[%d].label is required", i)
		}
		if seen[label] {
			return fmt.Errorf("partitions[%d].label %q is duplicated", i, label)
		}
		seen[label] = true
	}
	if c.API.Retry.MaxRetries != nil && *c.API.Retry.MaxRetries < 0 {
		return fmt.Errorf("api.retry.max_retries must not be negative")
	}
	if c.Harvest.PageSize > 100 {
		return fmt.Errorf("harvest.page_size must be at most 100, got %d", c.Harvest.PageSize)
	}
	if c.Harvest.MaxConcurrency < 0 || c.Enrich.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency must not be negative")
	}
	if c.Harvest.Backoff.MaxSec < c.Harvest.Backoff.BaseSec {
		return fmt.Errorf("harvest.backoff.max_sec must be >= base_sec")
	}
	if c.Enrich.Backoff.MaxSec < c.Enrich.Backoff.BaseSec {
		return fmt.Errorf("enrich.backoff.max_sec must be >= base_sec")
	}
	if err := logging.ValidateLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// Timeout returns the per-request HTTP timeout.
func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// Retries returns the number of transport retries after the first attempt.
func (c RetryConfig) Retries() int {
	if c.MaxRetries == nil {
		return 0
	}
	return *c.MaxRetries
}

// Enabled reports whether a Redis endpoint is configured.
func (c RedisConfig) Enabled() bool {
	return c.URL != "" || c.Addr != ""
}

// BackoffFactor returns the linear transport retry factor.
func (c RetryConfig) BackoffFactor() time.Duration {
	return time.Duration(c.BackoffFactorMS) * time.Millisecond
}

// PaceInterval returns the spacing between dispatch waves.
func (c HarvestConfig) PaceInterval() time.Duration {
	return time.Duration(c.PaceIntervalMS) * time.Millisecond
}

// Base returns the first backoff wait.
func (c BackoffConfig) Base() time.Duration {
	return time.Duration(c.BaseSec) * time.Second
}

// Max returns the backoff cap.
func (c BackoffConfig) Max() time.Duration {
	return time.Duration(c.MaxSec) * time.Second
}

// LoadingWait returns the fallback wait for a warming-up lookup service.
func (c EnrichConfig) LoadingWait() time.Duration {
	return time.Duration(c.LoadingWaitSec) * time.Second
}

// TTL returns how long lookup outcomes are cached.
func (c RedisConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}

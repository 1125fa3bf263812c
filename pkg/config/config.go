package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/snow-ghost/usagemeter/pkg/alert"
	"github.com/snow-ghost/usagemeter/pkg/cache"
	"github.com/snow-ghost/usagemeter/pkg/cost"
	"github.com/snow-ghost/usagemeter/pkg/limiter"
	"github.com/snow-ghost/usagemeter/pkg/logging"
	"github.com/snow-ghost/usagemeter/pkg/tracing"
	"github.com/snow-ghost/usagemeter/pkg/usage"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when neither a path nor the CONFIG variable is given
const DefaultPath = "usagemeter.yaml"

// EnvPrefix prefixes every environment override
const EnvPrefix = "USAGEMETER_"

// Config is the service configuration
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Store     StoreConfig    `yaml:"store"`
	Cache     CacheConfig    `yaml:"cache"`
	Logging   logging.Config `yaml:"logging"`
	Tracing   tracing.Config `yaml:"tracing"`
	Limiter   LimiterConfig  `yaml:"limiter"`
	Alerts    AlertsConfig   `yaml:"alerts"`
	Pricing   PricingConfig  `yaml:"pricing"`
	Timezone  string         `yaml:"timezone"`
	ClockSkew time.Duration  `yaml:"clock_skew"`
}

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// IngestRate is the per-actor ingestion rate in records per second, 0 = unlimited.
	IngestRate  float64 `yaml:"ingest_rate"`
	IngestBurst int     `yaml:"ingest_burst"`
	// IngestMaxActors bounds how many actor buckets are kept; the least
	// recently seen actor loses its bucket first.
	IngestMaxActors int `yaml:"ingest_max_actors"`
}

// StoreConfig selects the event store
type StoreConfig struct {
	Driver string `yaml:"driver"` // "memory" or "sqlite"
	Path   string `yaml:"path"`
}

// CacheConfig selects the cache backend and its policy
type CacheConfig struct {
	Backend string            `yaml:"backend"` // "lru" or "redis"
	Redis   RedisConfig       `yaml:"redis"`
	Policy  cache.CacheConfig `yaml:",inline"`
}

// RedisConfig configures the shared cache backend
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LimiterConfig configures cache backend protection
type LimiterConfig struct {
	Retry   limiter.RetryConfig          `yaml:"retry"`
	Breaker limiter.CircuitBreakerConfig `yaml:"breaker"`
}

// AlertsConfig configures the evaluator cadence and rules
type AlertsConfig struct {
	Interval     time.Duration `yaml:"interval"`
	HistoryLimit int           `yaml:"history_limit"`
	Rules        []alert.Rule  `yaml:"rules"`
}

// ModelPrice is the price of 1K tokens
type ModelPrice struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// PricingConfig fills costs of records ingested without one
type PricingConfig struct {
	Currency string                `yaml:"currency"`
	Default  *ModelPrice           `yaml:"default"`
	Models   map[string]ModelPrice `yaml:"models"`
}

// Default returns the built-in configuration
func Default() *Config {
	retry := limiter.DefaultRetryConfig()
	breaker := limiter.DefaultCircuitBreakerConfig(cache.BreakerName)
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			IngestBurst:     100,
			IngestMaxActors: limiter.DefaultMaxKeys,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Cache: CacheConfig{
			Backend: "lru",
			Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "usagemeter:"},
			Policy:  *cache.DefaultCacheConfig(),
		},
		Logging: logging.DefaultConfig(),
		Tracing: tracing.Config{
			ServiceName:    "usagemeter",
			ServiceVersion: "dev",
			Environment:    "development",
		},
		Limiter: LimiterConfig{
			Retry: *retry,
			Breaker: limiter.CircuitBreakerConfig{
				Name:        breaker.Name,
				MaxRequests: breaker.MaxRequests,
				Interval:    breaker.Interval,
				Timeout:     breaker.Timeout,
			},
		},
		Alerts: AlertsConfig{
			Interval:     time.Minute,
			HistoryLimit: alert.DefaultHistoryLimit,
		},
		Pricing: PricingConfig{
			Currency: "USD",
		},
		Timezone:  "UTC",
		ClockSkew: usage.DefaultClockSkew,
	}
}

// ResolvePath returns the config path to read: CONFIG wins over path, and
// DefaultPath is used when both are empty.
func ResolvePath(path string) string {
	if env := os.Getenv("CONFIG"); env != "" {
		return env
	}
	if path == "" {
		return DefaultPath
	}
	return path
}

// Load reads .env, the YAML file and USAGEMETER_* overrides, then validates.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	loadDotEnv()
	return loadFile(ResolvePath(path))
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		data = nil
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from USAGEMETER_* variables
func (c *Config) ApplyEnv() error {
	c.Server.Addr = getEnvString("ADDR", c.Server.Addr)
	c.Store.Driver = getEnvString("STORE_DRIVER", c.Store.Driver)
	c.Store.Path = getEnvString("STORE_PATH", c.Store.Path)
	c.Cache.Backend = getEnvString("CACHE_BACKEND", c.Cache.Backend)
	c.Cache.Redis.Addr = getEnvString("REDIS_ADDR", c.Cache.Redis.Addr)
	c.Cache.Redis.Password = getEnvString("REDIS_PASSWORD", c.Cache.Redis.Password)
	c.Logging.Level = getEnvString("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnvString("LOG_FORMAT", c.Logging.Format)
	c.Tracing.JaegerEndpoint = getEnvString("JAEGER_ENDPOINT", c.Tracing.JaegerEndpoint)
	c.Timezone = getEnvString("TIMEZONE", c.Timezone)

	var err error
	if c.ClockSkew, err = getEnvDuration("CLOCK_SKEW", c.ClockSkew); err != nil {
		return err
	}
	if c.Alerts.Interval, err = getEnvDuration("ALERT_INTERVAL", c.Alerts.Interval); err != nil {
		return err
	}
	if c.Cache.Policy.OpenTTL, err = getEnvDuration("CACHE_OPEN_TTL", c.Cache.Policy.OpenTTL); err != nil {
		return err
	}
	if v := os.Getenv(EnvPrefix + "INGEST_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sINGEST_RATE: %w", EnvPrefix, err)
		}
		c.Server.IngestRate = rate
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration accepts "30s" style durations or bare seconds
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(EnvPrefix + key)
	if value == "" {
		return defaultValue, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, fmt.Errorf("%s%s: invalid duration %q", EnvPrefix, key, value)
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}

	switch c.Cache.Backend {
	case "lru":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			errs = append(errs, errors.New("cache.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend: unknown backend %q", c.Cache.Backend))
	}
	if c.Cache.Policy.MaxSize <= 0 {
		errs = append(errs, errors.New("cache.max_size must be positive"))
	}
	if c.Cache.Policy.OpenTTL < 0 || c.Cache.Policy.ClosedTTL < 0 {
		errs = append(errs, errors.New("cache TTLs must not be negative"))
	}

	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.ClockSkew < 0 {
		errs = append(errs, errors.New("clock_skew must not be negative"))
	}
	if c.Server.IngestRate < 0 {
		errs = append(errs, errors.New("server.ingest_rate must not be negative"))
	}
	if c.Server.IngestMaxActors < 0 {
		errs = append(errs, errors.New("server.ingest_max_actors must not be negative"))
	}
	if c.Alerts.Interval <= 0 {
		errs = append(errs, errors.New("alerts.interval must be positive"))
	}
	for _, r := range c.Alerts.Rules {
		if err := r.Normalized().Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	for model, p := range c.Pricing.Models {
		if p.InputPer1K < 0 || p.OutputPer1K < 0 {
			errs = append(errs, fmt.Errorf("pricing.models.%s: negative price", model))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Location returns the time zone calendar ranges resolve in
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// PriceTable builds the cost table from the pricing section
func (c *Config) PriceTable() *cost.Table {
	prices := make(map[string]cost.Pricing, len(c.Pricing.Models))
	for model, p := range c.Pricing.Models {
		prices[model] = cost.NewPricing(p.InputPer1K, p.OutputPer1K)
	}
	table := cost.NewTable(c.Pricing.Currency, prices)
	if c.Pricing.Default != nil {
		table.WithDefault(cost.NewPricing(c.Pricing.Default.InputPer1K, c.Pricing.Default.OutputPer1K))
	}
	return table
}

// RetryConfig returns the retry policy for the cache backend
func (c *Config) RetryConfig() *limiter.RetryConfig {
	rc := c.Limiter.Retry
	rc.Retryable = limiter.IsRetryable
	return &rc
}

// BreakerConfig returns the breaker policy for the cache backend
func (c *Config) BreakerConfig() *limiter.CircuitBreakerConfig {
	bc := *limiter.DefaultCircuitBreakerConfig(cache.BreakerName)
	if c.Limiter.Breaker.MaxRequests > 0 {
		bc.MaxRequests = c.Limiter.Breaker.MaxRequests
	}
	if c.Limiter.Breaker.Interval > 0 {
		bc.Interval = c.Limiter.Breaker.Interval
	}
	if c.Limiter.Breaker.Timeout > 0 {
		bc.Timeout = c.Limiter.Breaker.Timeout
	}
	return &bc
}

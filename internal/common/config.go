package common

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the runtime configuration
type Config struct {
	Environment string        `toml:"environment" env:"PERAGO_ENV" validate:"oneof=development production test"`
	Server      ServerConfig  `toml:"server"`
	Storage     StorageConfig `toml:"storage"`
	Queue       QueueConfig   `toml:"queue"`
	Breaker     BreakerConfig `toml:"breaker"`
	Events      EventsConfig  `toml:"events"`
	Saga        SagaConfig    `toml:"saga"`
	Logging     LoggingConfig `toml:"logging"`
}

type ServerConfig struct {
	Host string `toml:"host" env:"PERAGO_HOST"`
	Port int    `toml:"port" env:"PERAGO_PORT" validate:"gte=0,lte=65535"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" env:"PERAGO_BADGER_PATH" validate:"required"`
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// QueueConfig holds engine-level worker defaults. Queue options merge over
// these, call-site job options merge over queue options.
type QueueConfig struct {
	PollInterval        string        `toml:"poll_interval"`         // e.g. "250ms" - how often idle workers poll for ready jobs
	Concurrency         int           `toml:"concurrency" validate:"gte=1"`
	DefaultMaxAttempts  int           `toml:"default_max_attempts" validate:"gte=1"`
	DefaultPriority     int           `toml:"default_priority"`
	DefaultTimeout      string        `toml:"default_timeout"` // per-job handler timeout
	DefaultBackoff      BackoffConfig `toml:"default_backoff"`
	RemoveOnComplete    int           `toml:"remove_on_complete" validate:"gte=0"` // completed jobs retained per queue
	RemoveOnFail        int           `toml:"remove_on_fail" validate:"gte=0"`     // failed jobs retained per queue
	StalledInterval     string        `toml:"stalled_interval"` // lease grace period before a job counts as stalled
	MaxStalledCount     int           `toml:"max_stalled_count" validate:"gte=0"`
	MaintenanceSchedule string        `toml:"maintenance_schedule"` // cron spec for promotion/reclaim/retention sweep
}

// BackoffConfig is the serialized form of a retry backoff policy
type BackoffConfig struct {
	Kind       string  `toml:"kind" validate:"oneof=fixed exponential"`
	Delay      string  `toml:"delay"`
	Multiplier float64 `toml:"multiplier" validate:"gte=1"`
	MaxDelay   string  `toml:"max_delay"`
	Jitter     bool    `toml:"jitter"`
}

// BreakerConfig holds circuit breaker defaults applied per queue
type BreakerConfig struct {
	ErrorThresholdPercentage float64 `toml:"error_threshold_percentage" validate:"gt=0,lte=100"`
	MonitoringWindow         string  `toml:"monitoring_window"`
	ResetTimeout             string  `toml:"reset_timeout"`
	MinimumCalls             int     `toml:"minimum_calls" validate:"gte=1"`
	HalfOpenSuccesses        int     `toml:"half_open_successes" validate:"gte=1"`
}

type EventsConfig struct {
	FanoutRatePerSec float64          `toml:"fanout_rate_per_sec" validate:"gte=0"` // 0 = unlimited
	Transports       TransportsConfig `toml:"transports"`
}

type TransportsConfig struct {
	Log   bool                 `toml:"log"` // log every published event through arbor
	Redis RedisTransportConfig `toml:"redis"`
}

type RedisTransportConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr" env:"PERAGO_REDIS_ADDR"`
	Password string `toml:"password" env:"PERAGO_REDIS_PASSWORD"`
	Channel  string `toml:"channel"`
}

type SagaConfig struct {
	SweepSchedule  string `toml:"sweep_schedule"`  // cron spec for timeout sweep
	DefaultTimeout string `toml:"default_timeout"` // applied to definitions without one
}

type LoggingConfig struct {
	Level  string   `toml:"level" env:"PERAGO_LOG_LEVEL"` // "trace", "debug", "info", "warn", "error"
	Output []string `toml:"output"`                       // "stdout", "file"
}

// DefaultConfig returns the baseline configuration. Files, environment and
// flags layer on top in that order.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "localhost",
			Port: 8190,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/perago",
			},
		},
		Queue: QueueConfig{
			PollInterval:       "250ms",
			Concurrency:        2,
			DefaultMaxAttempts: 3,
			DefaultPriority:    0,
			DefaultTimeout:     "30s",
			DefaultBackoff: BackoffConfig{
				Kind:       "exponential",
				Delay:      "1s",
				Multiplier: 2.0,
				MaxDelay:   "1m",
				Jitter:     true,
			},
			RemoveOnComplete:    100,
			RemoveOnFail:        500,
			StalledInterval:     "30s",
			MaxStalledCount:     1,
			MaintenanceSchedule: "@every 5s",
		},
		Breaker: BreakerConfig{
			ErrorThresholdPercentage: 50,
			MonitoringWindow:         "1m",
			ResetTimeout:             "30s",
			MinimumCalls:             5,
			HalfOpenSuccesses:        1,
		},
		Events: EventsConfig{
			FanoutRatePerSec: 0,
			Transports: TransportsConfig{
				Log: false,
				Redis: RedisTransportConfig{
					Enabled: false,
					Addr:    "localhost:6379",
					Channel: "perago:events",
				},
			},
		},
		Saga: SagaConfig{
			SweepSchedule:  "@every 10s",
			DefaultTimeout: "10m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadFromFiles loads configuration: defaults -> file(s) in order -> env.
// Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// ApplyFlagOverrides applies command-line overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks struct tags and duration fields
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"queue.poll_interval":             c.Queue.PollInterval,
		"queue.default_timeout":           c.Queue.DefaultTimeout,
		"queue.default_backoff.delay":     c.Queue.DefaultBackoff.Delay,
		"queue.default_backoff.max_delay": c.Queue.DefaultBackoff.MaxDelay,
		"queue.stalled_interval":          c.Queue.StalledInterval,
		"breaker.monitoring_window":       c.Breaker.MonitoringWindow,
		"breaker.reset_timeout":           c.Breaker.ResetTimeout,
		"saga.default_timeout":            c.Saga.DefaultTimeout,
	}
	for field, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid configuration: %s: %w", field, err)
		}
	}

	return nil
}

// ParseDuration parses a duration string, falling back when empty or invalid
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

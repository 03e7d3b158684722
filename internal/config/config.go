// Package config assembles runtime settings from environment variables,
// with an optional YAML file for rate-limit bucket definitions.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of the herald service.
type Config struct {
	HTTPAddr string
	// StoreBackend selects "memory" or "postgres".
	StoreBackend string
	// NATSURL enables event publishing when non-empty.
	NATSURL string

	DB     DatabaseConfig
	Engine EngineConfig
	Reaper ReaperConfig
	Rates  RateConfig
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN returns the Postgres connection URL.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// EngineConfig tunes the delivery worker pool.
type EngineConfig struct {
	NumWorkers    int
	BatchSize     int
	PollInterval  time.Duration
	LeaseDuration time.Duration
	SendTimeout   time.Duration
}

// ReaperConfig tunes the stuck-lease sweeper.
type ReaperConfig struct {
	Interval time.Duration
	Backoff  time.Duration
}

// RateConfig describes token buckets. Default seeds every (tenant, provider)
// bucket on first use; Global entries cap the combined throughput of all
// tenants on one provider.
type RateConfig struct {
	Default BucketDef            `yaml:"default"`
	Global  map[string]BucketDef `yaml:"global"`
}

// BucketDef is one token bucket definition.
type BucketDef struct {
	MaxTokens int `yaml:"max_tokens"`
	// RefillPerMinute is tokens restored per minute of elapsed time.
	RefillPerMinute float64 `yaml:"refill_per_minute"`
}

// Load builds the configuration from environment variables. When
// HERALD_RATES_FILE is set the rate-limit section is read from that YAML
// file; otherwise every provider falls back to the built-in default bucket.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:     getEnv("HERALD_HTTP_ADDR", ":8080"),
		StoreBackend: getEnv("HERALD_STORE", "postgres"),
		NATSURL:      getEnv("HERALD_NATS_URL", ""),
		DB: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Database: getEnv("DB_NAME", "herald"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Engine: EngineConfig{
			NumWorkers:    getEnvAsInt("HERALD_WORKERS", 4),
			BatchSize:     getEnvAsInt("HERALD_BATCH_SIZE", 25),
			PollInterval:  getEnvAsDuration("HERALD_POLL_INTERVAL", 2*time.Second),
			LeaseDuration: getEnvAsDuration("HERALD_LEASE_DURATION", 60*time.Second),
			SendTimeout:   getEnvAsDuration("HERALD_SEND_TIMEOUT", 15*time.Second),
		},
		Reaper: ReaperConfig{
			Interval: getEnvAsDuration("HERALD_REAP_INTERVAL", 30*time.Second),
			Backoff:  getEnvAsDuration("HERALD_REAP_BACKOFF", 60*time.Second),
		},
	}

	if path := os.Getenv("HERALD_RATES_FILE"); path != "" {
		rates, err := loadRates(path)
		if err != nil {
			return nil, err
		}
		cfg.Rates = *rates
	}
	if cfg.Rates.Default.MaxTokens <= 0 {
		cfg.Rates.Default = BucketDef{MaxTokens: 60, RefillPerMinute: 60}
	}

	return cfg, nil
}

func loadRates(path string) (*RateConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rates file: %w", err)
	}

	var rates RateConfig
	if err := yaml.Unmarshal(data, &rates); err != nil {
		return nil, fmt.Errorf("failed to parse rates file: %w", err)
	}

	if rates.Default.MaxTokens <= 0 || rates.Default.RefillPerMinute <= 0 {
		return nil, fmt.Errorf("default bucket: max_tokens and refill_per_minute must be positive")
	}
	for provider, def := range rates.Global {
		if def.MaxTokens <= 0 || def.RefillPerMinute <= 0 {
			return nil, fmt.Errorf("global %q: max_tokens and refill_per_minute must be positive", provider)
		}
	}

	return &rates, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

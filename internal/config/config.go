// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"officemate/backend/internal/telemetry"
)

// Config holds application configuration loaded from the environment.
// It is read once at startup and not re-validated at runtime.
type Config struct {
	// Env is the application environment (e.g. "development", "production").
	// In production, debug-level telemetry is dropped entirely.
	Env string `mapstructure:"APP_ENV"`
	// DatabaseURL is the Postgres DSN; empty disables user-log persistence.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// MetricsAddr is the address the Prometheus /metrics endpoint listens on (e.g. :9090). Empty disables it.
	MetricsAddr string `mapstructure:"METRICS_ADDR"`

	// RingCapacity is the circular log store size (default 100).
	RingCapacity int `mapstructure:"RING_CAPACITY"`
	// ThrottleWindow is the per-category error rate-limit window (e.g. "1s").
	ThrottleWindow string `mapstructure:"THROTTLE_WINDOW"`
	// ThrottleThreshold is the accepted error count per category per window (default 10).
	ThrottleThreshold int `mapstructure:"THROTTLE_THRESHOLD"`
	// DedupWindow is the default duplicate-suppression window (e.g. "30s").
	DedupWindow string `mapstructure:"DEDUP_WINDOW"`
	// DedupCategoryWindows overrides windows per category, comma-separated (e.g. "graph=5m,database=2m").
	DedupCategoryWindows string `mapstructure:"DEDUP_CATEGORY_WINDOWS"`
	// DedupMaxEntries caps the dedup store size (default 10000).
	DedupMaxEntries int `mapstructure:"DEDUP_MAX_ENTRIES"`

	// MemoryEmergencyThreshold is the heap usage ratio that enters emergency mode (default 0.95).
	MemoryEmergencyThreshold float64 `mapstructure:"MEMORY_EMERGENCY_THRESHOLD"`
	// MemoryRecoveryThreshold is the ratio usage must fall under to exit emergency mode (default 0.80).
	MemoryRecoveryThreshold float64 `mapstructure:"MEMORY_RECOVERY_THRESHOLD"`
	// MemorySoftThreshold is the ratio at which the trend sampler warns and hints GC (default 0.85).
	MemorySoftThreshold float64 `mapstructure:"MEMORY_SOFT_THRESHOLD"`
	// MemoryLimitBytes is the heap budget usage is measured against; 0 uses the runtime memory limit.
	MemoryLimitBytes int64 `mapstructure:"MEMORY_LIMIT_BYTES"`
	// MemorySampleInterval drives the emergency sampler (e.g. "5s").
	MemorySampleInterval string `mapstructure:"MEMORY_SAMPLE_INTERVAL"`
	// MemoryTrendInterval drives the softer warning sampler (e.g. "1m").
	MemoryTrendInterval string `mapstructure:"MEMORY_TREND_INTERVAL"`
	// SweepInterval drives dedup/throttle state cleanup (e.g. "30s").
	SweepInterval string `mapstructure:"SWEEP_INTERVAL"`

	// Telemetry transport (optional). When Kafka brokers are set, survivors are emitted to Kafka.
	// KafkaBrokers is a comma-separated list of broker addresses (e.g. "localhost:9092").
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// KafkaTopic is the Kafka topic for telemetry entries (default officemate-telemetry).
	KafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
	// OTLPEndpoint is the OTLP gRPC collector endpoint (e.g. http://localhost:4317). Empty disables OTel export.
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
	// OTLPInsecure forces a plaintext OTLP connection even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTLP_INSECURE"`

	// Worker-only: Loki URL for the telemetry worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the telemetry worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("METRICS_ADDR", ":9090")
	v.SetDefault("RING_CAPACITY", 100)
	v.SetDefault("THROTTLE_WINDOW", "1s")
	v.SetDefault("THROTTLE_THRESHOLD", 10)
	v.SetDefault("DEDUP_WINDOW", "30s")
	v.SetDefault("DEDUP_CATEGORY_WINDOWS", "graph=5m")
	v.SetDefault("DEDUP_MAX_ENTRIES", 10000)
	v.SetDefault("MEMORY_EMERGENCY_THRESHOLD", 0.95)
	v.SetDefault("MEMORY_RECOVERY_THRESHOLD", 0.80)
	v.SetDefault("MEMORY_SOFT_THRESHOLD", 0.85)
	v.SetDefault("MEMORY_LIMIT_BYTES", 0)
	v.SetDefault("MEMORY_SAMPLE_INTERVAL", "5s")
	v.SetDefault("MEMORY_TREND_INTERVAL", "1m")
	v.SetDefault("SWEEP_INTERVAL", "30s")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "officemate-telemetry")
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("OTLP_INSECURE", false)
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "officemate-telemetry-worker")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.RingCapacity <= 0 {
		return nil, errors.New("config: RING_CAPACITY must be positive")
	}
	if cfg.ThrottleThreshold <= 0 {
		return nil, errors.New("config: THROTTLE_THRESHOLD must be positive")
	}
	if cfg.MemoryRecoveryThreshold >= cfg.MemoryEmergencyThreshold {
		return nil, errors.New("config: MEMORY_RECOVERY_THRESHOLD must be below MEMORY_EMERGENCY_THRESHOLD")
	}
	if _, err := parseCategoryWindows(cfg.DedupCategoryWindows); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Telemetry maps the loaded config into the pipeline's startup Config.
func (c *Config) Telemetry() telemetry.Config {
	windows, _ := parseCategoryWindows(c.DedupCategoryWindows)
	return telemetry.Config{
		RingCapacity:             c.RingCapacity,
		ThrottleWindow:           durationOr(c.ThrottleWindow, time.Second),
		ThrottleThreshold:        c.ThrottleThreshold,
		DedupWindow:              durationOr(c.DedupWindow, 30*time.Second),
		DedupCategoryWindows:     windows,
		DedupMaxEntries:          c.DedupMaxEntries,
		MemoryEmergencyThreshold: c.MemoryEmergencyThreshold,
		MemoryRecoveryThreshold:  c.MemoryRecoveryThreshold,
		MemorySoftThreshold:      c.MemorySoftThreshold,
		MemoryLimitBytes:         c.MemoryLimitBytes,
		SampleInterval:           durationOr(c.MemorySampleInterval, 5*time.Second),
		TrendInterval:            durationOr(c.MemoryTrendInterval, time.Minute),
		SweepInterval:            durationOr(c.SweepInterval, 30*time.Second),
		Production:               c.Env == "production",
	}
}

// KafkaBrokersList returns broker addresses from the comma-separated config.
// Used to decide if the Kafka transport is enabled (non-empty list) and to create the producer.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseCategoryWindows parses "graph=5m,database=2m" into per-category durations.
func parseCategoryWindows(raw string) (map[string]time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	out := make(map[string]time.Duration)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		category, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("config: DEDUP_CATEGORY_WINDOWS entry %q must be category=duration", pair)
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("config: DEDUP_CATEGORY_WINDOWS entry %q has an invalid duration", pair)
		}
		out[strings.TrimSpace(category)] = d
	}
	return out, nil
}

// durationOr parses s as a duration, falling back when unset or invalid.
func durationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

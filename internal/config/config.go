// Package config reads the orchestrator's settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Bus drivers.
const (
	BusRedis  = "redis"
	BusMemory = "memory"
)

// Store drivers.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

type Config struct {
	HTTPAddr string
	LogLevel string

	ServiceName string
	OTelEnabled bool

	RedisAddr     string
	RedisPassword string

	BusDriver     string
	StreamPrefix  string
	ConsumerGroup string
	ConsumerName  string

	StoreDriver string
	SQLitePath  string
	PostgresDSN string

	RedeliveryDelay         time.Duration
	MaxRedeliveries         int
	ConflictRedeliveryDelay time.Duration
	Workers                 int
	DedupTTL                time.Duration

	// SimulateParticipants runs in-process stand-ins for the order, payment,
	// fulfillment and email services. Defaults to true with the memory bus.
	SimulateParticipants bool
}

// Load reads every setting, applying defaults for unset variables.
func Load() (*Config, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "orchestrator-1"
	}

	cfg := &Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		ServiceName:   getEnv("OTEL_SERVICE_NAME", "order-orchestrator"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		BusDriver:     strings.ToLower(getEnv("BUS_DRIVER", BusRedis)),
		StreamPrefix:  getEnv("STREAM_PREFIX", "saga:"),
		ConsumerGroup: getEnv("CONSUMER_GROUP", "order-orchestrator"),
		ConsumerName:  getEnv("CONSUMER_NAME", hostname),
		StoreDriver:   strings.ToLower(getEnv("SAGA_STORE_DRIVER", StoreSQLite)),
		SQLitePath:    getEnv("SQLITE_PATH", "./data/saga.db"),
		PostgresDSN:   getEnv("POSTGRES_DSN", ""),
	}

	var err error
	if cfg.OTelEnabled, err = getBool("OTEL_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.RedeliveryDelay, err = getDuration("REDELIVERY_DELAY", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxRedeliveries, err = getInt("MAX_REDELIVERIES", 5); err != nil {
		return nil, err
	}
	if cfg.ConflictRedeliveryDelay, err = getDuration("CONFLICT_REDELIVERY_DELAY", 100*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.Workers, err = getInt("WORKERS", 16); err != nil {
		return nil, err
	}
	if cfg.DedupTTL, err = getDuration("DEDUP_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.SimulateParticipants, err = getBool("SIMULATE_PARTICIPANTS", cfg.BusDriver == BusMemory); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.BusDriver {
	case BusRedis, BusMemory:
	default:
		return fmt.Errorf("config: BUS_DRIVER %q is not one of redis, memory", c.BusDriver)
	}
	switch c.StoreDriver {
	case StoreSQLite, StoreRedis, StoreMemory:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("config: POSTGRES_DSN is required when SAGA_STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("config: SAGA_STORE_DRIVER %q is not one of sqlite, postgres, redis, memory", c.StoreDriver)
	}
	if c.MaxRedeliveries < 1 {
		return fmt.Errorf("config: MAX_REDELIVERIES must be at least 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: WORKERS must be at least 1")
	}
	return nil
}

// NeedsRedis reports whether any configured component talks to Redis.
func (c *Config) NeedsRedis() bool {
	return c.BusDriver == BusRedis || c.StoreDriver == StoreRedis
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

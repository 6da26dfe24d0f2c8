package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keys = []string{
	"HTTP_ADDR", "LOG_LEVEL", "OTEL_SERVICE_NAME", "OTEL_ENABLED", "REDIS_ADDR", "REDIS_PASSWORD",
	"BUS_DRIVER", "STREAM_PREFIX", "CONSUMER_GROUP", "CONSUMER_NAME", "SAGA_STORE_DRIVER", "SQLITE_PATH",
	"POSTGRES_DSN", "REDELIVERY_DELAY", "MAX_REDELIVERIES", "CONFLICT_REDELIVERY_DELAY", "WORKERS", "DEDUP_TTL",
	"SIMULATE_PARTICIPANTS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, BusRedis, cfg.BusDriver)
	assert.Equal(t, StoreSQLite, cfg.StoreDriver)
	assert.Equal(t, 2*time.Second, cfg.RedeliveryDelay)
	assert.Equal(t, 5, cfg.MaxRedeliveries)
	assert.True(t, cfg.OTelEnabled)
	assert.True(t, cfg.NeedsRedis())
	assert.NotEmpty(t, cfg.ConsumerName)
	assert.False(t, cfg.SimulateParticipants)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("BUS_DRIVER", "MEMORY")
	t.Setenv("SAGA_STORE_DRIVER", "memory")
	t.Setenv("REDELIVERY_DELAY", "500ms")
	t.Setenv("MAX_REDELIVERIES", "3")
	t.Setenv("WORKERS", "4")
	t.Setenv("OTEL_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BusMemory, cfg.BusDriver)
	assert.Equal(t, 500*time.Millisecond, cfg.RedeliveryDelay)
	assert.Equal(t, 3, cfg.MaxRedeliveries)
	assert.Equal(t, 4, cfg.Workers)
	assert.False(t, cfg.OTelEnabled)
	assert.False(t, cfg.NeedsRedis())
	assert.True(t, cfg.SimulateParticipants)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown bus", "BUS_DRIVER", "kafka"},
		{"unknown store", "SAGA_STORE_DRIVER", "mongo"},
		{"postgres without dsn", "SAGA_STORE_DRIVER", "postgres"},
		{"bad duration", "REDELIVERY_DELAY", "soon"},
		{"bad int", "WORKERS", "many"},
		{"zero redeliveries", "MAX_REDELIVERIES", "0"},
		{"bad bool", "OTEL_ENABLED", "sometimes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

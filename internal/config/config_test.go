package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	for _, k := range []string{"TCP_ADDR", "HTTP_ADDR", "KAFKA_BROKERS", "PG_DSN", "MIGRATE", "NOTIFY_WRITE_TIMEOUT", "BCRYPT_COST"} {
		t.Setenv(k, "")
	}
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":5555", cfg.TCPAddr)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 2*time.Second, cfg.NotifyWriteTimeout)
	assert.Equal(t, 1<<20, cfg.MaxLineBytes)
	assert.Equal(t, "ride-events", cfg.KafkaTopic)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.RunMigrations)
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("TCP_ADDR", "127.0.0.1:6000")
	t.Setenv("NOTIFY_WRITE_TIMEOUT", "500ms")
	t.Setenv("CONN_IDLE_TIMEOUT", "5m")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("PG_DSN", "postgres://localhost/rides")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("BCRYPT_COST", "4")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6000", cfg.TCPAddr)
	assert.Equal(t, 500*time.Millisecond, cfg.NotifyWriteTimeout)
	assert.Equal(t, 5*time.Minute, cfg.ConnIdleTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 4, cfg.BcryptCost)
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("NOTIFY_WRITE_TIMEOUT", "soon")
	t.Setenv("MAX_LINE_BYTES", "12")
	t.Setenv("MIGRATE", "true")
	t.Setenv("PG_DSN", "")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid NOTIFY_WRITE_TIMEOUT")
	assert.Contains(t, err.Error(), "MAX_LINE_BYTES")
	assert.Contains(t, err.Error(), "requires PG_DSN")
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("KAFKA_GROUP", "stats-2")
	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "stats-2", cfg.KafkaGroup)

	t.Setenv("KAFKA_BROKERS", " , ")
	_, err = LoadConsumerConfig()
	assert.Error(t, err)
}

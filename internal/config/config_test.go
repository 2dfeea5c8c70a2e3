package config

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_AppliesDefaultsWhenUnset(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/water")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 20, c.DBPoolSize)
	assert.Equal(t, 40, c.DBMaxOverflow)
	assert.Equal(t, 500, c.WSEventReplayLimit)
	assert.Equal(t, "HS256", c.Algorithm)
	assert.Equal(t, 60, c.AccessTokenExpireMin)
	assert.Equal(t, 120, c.RateLimitPerMinute)
	assert.Equal(t, ":8080", c.HTTPAddr)
	assert.False(t, c.MQTTConfigured())
	assert.False(t, c.RedisConfigured())
	assert.Equal(t, slog.LevelInfo, c.LogLevel)
}

func TestLoad_OverridesFromEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/water")
	t.Setenv("DB_POOL_SIZE", "5")
	t.Setenv("MQTT_BROKER_HOST", "broker.local")
	t.Setenv("REDIS_ADDR", "redis.local:6379")
	t.Setenv("LOG_LEVEL", "debug")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, c.DBPoolSize)
	assert.True(t, c.MQTTConfigured())
	assert.True(t, c.RedisConfigured())
	assert.Equal(t, slog.LevelDebug, c.LogLevel)
}

func TestLoad_InvalidIntFallsBackToDefault(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/water")
	t.Setenv("DB_POOL_SIZE", "not-a-number")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 20, c.DBPoolSize, "malformed env int must fall back to the default rather than fail startup")
}

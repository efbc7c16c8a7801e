package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "mongo", cfg.StoreBackend)
	assert.Equal(t, 64, cfg.SessionQueueSize)
	assert.Equal(t, 10*time.Minute, cfg.TrackingStaleAfter)
	assert.Equal(t, 24*time.Hour, cfg.JWTExpiry)
	assert.Empty(t, cfg.MQTTBrokerURL)
	assert.Empty(t, cfg.NatsURL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("SESSION_QUEUE_SIZE", "8")
	t.Setenv("TRACKING_STALE_AFTER", "90s")
	t.Setenv("NATS_URL", "nats://localhost:4222")

	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, 8, cfg.SessionQueueSize)
	assert.Equal(t, 90*time.Second, cfg.TrackingStaleAfter)
	assert.Equal(t, "nats://localhost:4222", cfg.NatsURL)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("SESSION_QUEUE_SIZE", "lots")
	t.Setenv("JWT_EXPIRY", "tomorrow")

	cfg := Load()

	assert.Equal(t, 64, cfg.SessionQueueSize)
	assert.Equal(t, 24*time.Hour, cfg.JWTExpiry)
}

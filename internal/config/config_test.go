package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"APP_ENV", "ARQUE_KAFKA_BROKERS", "ARQUE_TOPIC_PREFIX", "ARQUE_CACHE_MAX", "ARQUE_CACHE_TTL"} {
		t.Setenv(key, "")
	}
	cfg := Load()

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "arque", cfg.TopicPrefix)
	assert.Equal(t, 2046, cfg.CacheMax)
	assert.Equal(t, 48*time.Hour, cfg.CacheTTL)
	assert.NotEmpty(t, cfg.DatabaseURL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("ARQUE_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("ARQUE_TOPIC_PREFIX", "shop")
	t.Setenv("DATABASE_URL", "postgres://prod")
	t.Setenv("ARQUE_CACHE_MAX", "128")
	t.Setenv("ARQUE_CACHE_TTL", "15m")

	cfg := Load()

	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "shop", cfg.TopicPrefix)
	assert.Equal(t, "postgres://prod", cfg.DatabaseURL)
	assert.Equal(t, 128, cfg.CacheMax)
	assert.Equal(t, 15*time.Minute, cfg.CacheTTL)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("ARQUE_CACHE_MAX", "many")
	t.Setenv("ARQUE_CACHE_TTL", "soon")

	cfg := Load()

	assert.Equal(t, 2046, cfg.CacheMax)
	assert.Equal(t, 48*time.Hour, cfg.CacheTTL)
}

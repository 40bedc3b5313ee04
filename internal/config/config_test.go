package config

import (
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/paulgrammer/apifyjobs/internal/apify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(env.Options{Environment: map[string]string{}})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, "https://api.apify.com", cfg.Apify.BaseURL)
	assert.Equal(t, "harvest/sportsbook-odds-scraper", cfg.Apify.Target)
	assert.Equal(t, apify.FamilyActor, cfg.Apify.DefaultFamily())
	assert.Equal(t, 10*time.Second, cfg.Apify.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.Apify.PollMaxWait)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 5, cfg.Webhook.MaxRetries)
	assert.Empty(t, cfg.Apify.Token)
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := Parse(env.Options{Environment: map[string]string{
		"APIFY_TOKEN":         " tok ",
		"APIFY_FAMILY":        "TASK",
		"APIFY_POLL_INTERVAL": "2s",
		"APIFY_POLL_MAX_WAIT": "1m",
		"CACHE_BACKEND":       "Redis",
		"CACHE_TTL":           "30s",
		"REDIS_ADDR":          "redis:6379",
		"REDIS_DB":            "2",
		"POOL_SIZE":           "0",
	}})
	require.NoError(t, err)

	assert.Equal(t, "tok", cfg.Apify.Token)
	assert.Equal(t, apify.FamilyTask, cfg.Apify.DefaultFamily())
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Positive(t, cfg.PoolSize)

	client := cfg.Apify.ClientConfig(cfg.Cache.TTL)
	assert.Equal(t, 2*time.Second, client.PollInterval)
	assert.Equal(t, time.Minute, client.MaxWait)
	assert.Equal(t, 30*time.Second, client.CacheTTL)
}

func TestParse_LegacyTokenName(t *testing.T) {
	cfg, err := Parse(env.Options{Environment: map[string]string{"APIFY_API_KEY": "legacy"}})
	require.NoError(t, err)
	assert.Equal(t, "legacy", cfg.Apify.Token)
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"family":   {"APIFY_FAMILY": "webhook"},
		"backend":  {"CACHE_BACKEND": "memcached"},
		"interval": {"APIFY_POLL_INTERVAL": "-1s"},
		"duration": {"APIFY_POLL_MAX_WAIT": "soon"},
	}
	for name, environment := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(env.Options{Environment: environment})
			assert.Error(t, err)
		})
	}
}

func TestRedisConfig_CacheConfig(t *testing.T) {
	cfg, err := Parse(env.Options{Environment: map[string]string{
		"CACHE_BACKEND":  "redis",
		"REDIS_ADDR":     "redis:6380",
		"REDIS_PASSWORD": "pw",
		"REDIS_DB":       "2",
	}})
	require.NoError(t, err)
	rc := cfg.Redis.CacheConfig()
	assert.Equal(t, "redis:6380", rc.Addr)
	assert.Equal(t, "pw", rc.Password)
	assert.Equal(t, 2, rc.DB)
}

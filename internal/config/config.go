// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/paulgrammer/apifyjobs/internal/apify"
	"github.com/paulgrammer/apifyjobs/internal/cache"
)

// AppConfig is the full service configuration.
type AppConfig struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO"`
	Addr     string `env:"API_ADDR"  envDefault:":8080"`
	PoolSize int    `env:"POOL_SIZE" envDefault:"4"`

	Apify   ApifyConfig   `envPrefix:"APIFY_"`
	Cache   CacheConfig   `envPrefix:"CACHE_"`
	Redis   RedisConfig   `envPrefix:"REDIS_"`
	Webhook WebhookConfig `envPrefix:"WEBHOOK_"`
}

// ApifyConfig holds the remote platform settings. Token is never logged.
type ApifyConfig struct {
	Token          string        `env:"TOKEN"`
	BaseURL        string        `env:"BASE_URL"        envDefault:"https://api.apify.com"`
	Target         string        `env:"TARGET"          envDefault:"harvest/sportsbook-odds-scraper"`
	Family         string        `env:"FAMILY"          envDefault:"actor"`
	PollInterval   time.Duration `env:"POLL_INTERVAL"   envDefault:"10s"`
	PollMaxWait    time.Duration `env:"POLL_MAX_WAIT"   envDefault:"10m"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT"    envDefault:"30s"`
	RateLimitRPS   float64       `env:"RATE_LIMIT_RPS"  envDefault:"5"`
	RateLimitBurst int           `env:"RATE_LIMIT_BURST" envDefault:"5"`
}

type CacheConfig struct {
	// Backend is one of memory, redis or none.
	Backend string        `env:"BACKEND" envDefault:"memory"`
	TTL     time.Duration `env:"TTL"     envDefault:"10m"`
}

type RedisConfig struct {
	Addr     string `env:"ADDR"     envDefault:"localhost:6379"`
	Password string `env:"PASSWORD" envDefault:""`
	DB       int    `env:"DB"       envDefault:"0"`
}

type WebhookConfig struct {
	MaxRetries int           `env:"MAX_RETRIES" envDefault:"5"`
	Timeout    time.Duration `env:"TIMEOUT"     envDefault:"10s"`
}

// Load reads an optional .env file and then the process environment.
func Load() (AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return AppConfig{}, fmt.Errorf("load .env file: %w", err)
		}
	}
	return Parse(env.Options{})
}

// Parse builds the configuration from the environment described by opts.
func Parse(opts env.Options) (AppConfig, error) {
	var cfg AppConfig
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Apify.Token == "" {
		// The dashboard this service replaced read the key under this name.
		if opts.Environment != nil {
			cfg.Apify.Token = opts.Environment["APIFY_API_KEY"]
		} else {
			cfg.Apify.Token = os.Getenv("APIFY_API_KEY")
		}
	}
	cfg.Sanitize()
	return cfg, cfg.Validate()
}

// Sanitize applies guardrails to values loaded from the environment.
func (c *AppConfig) Sanitize() {
	if c.PoolSize <= 0 {
		c.PoolSize = runtime.NumCPU()
	}
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 10 * time.Minute
	}
	if c.Webhook.MaxRetries < 0 {
		c.Webhook.MaxRetries = 0
	}
	c.Apify.Token = strings.TrimSpace(c.Apify.Token)
}

func (c *AppConfig) Validate() error {
	if _, err := apify.ParseFamily(c.Apify.Family); err != nil {
		return fmt.Errorf("APIFY_FAMILY: %w", err)
	}
	switch c.Cache.Backend {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf("CACHE_BACKEND: unknown backend %q", c.Cache.Backend)
	}
	if c.Apify.PollInterval <= 0 || c.Apify.PollMaxWait <= 0 {
		return errors.New("APIFY_POLL_INTERVAL and APIFY_POLL_MAX_WAIT must be positive")
	}
	return nil
}

// ClientConfig converts the settings into the client's own config type.
func (c ApifyConfig) ClientConfig(cacheTTL time.Duration) apify.Config {
	return apify.Config{
		BaseURL:        c.BaseURL,
		PollInterval:   c.PollInterval,
		MaxWait:        c.PollMaxWait,
		ConnectTimeout: c.ConnectTimeout,
		ReadTimeout:    c.ReadTimeout,
		CacheTTL:       cacheTTL,
		RateLimit:      c.RateLimitRPS,
		RateBurst:      c.RateLimitBurst,
	}
}

// DefaultFamily returns the configured family. Validate has already checked it.
func (c ApifyConfig) DefaultFamily() apify.Family {
	f, err := apify.ParseFamily(c.Family)
	if err != nil {
		return apify.FamilyActor
	}
	return f
}

func (c RedisConfig) CacheConfig() cache.RedisConfig {
	return cache.RedisConfig{Addr: c.Addr, Password: c.Password, DB: c.DB}
}

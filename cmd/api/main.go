package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/paulgrammer/apifyjobs/internal/apify"
	"github.com/paulgrammer/apifyjobs/internal/cache"
	"github.com/paulgrammer/apifyjobs/internal/config"
	"github.com/paulgrammer/apifyjobs/internal/httpapi"
	"github.com/paulgrammer/apifyjobs/internal/jobs"
	"github.com/paulgrammer/apifyjobs/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Logger
	level := parseLogLevel(cfg.LogLevel)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
	if cfg.Apify.Token == "" {
		slog.Warn("APIFY_TOKEN is not set; every run will fail with an auth error")
	}

	results, closeCache, err := cache.Open(context.Background(), cfg.Cache.Backend, cfg.Redis.CacheConfig())
	if err != nil {
		slog.Error("failed to open result cache", "backend", cfg.Cache.Backend, "error", err)
		os.Exit(1)
	}
	defer closeCache()

	// Core components
	opts := []apify.Option{apify.WithConfig(cfg.Apify.ClientConfig(cfg.Cache.TTL))}
	if results != nil {
		opts = append(opts, apify.WithResultCache(results))
	}
	client := apify.New(cfg.Apify.Token, opts...)

	defaultInput, err := json.Marshal(apify.DefaultSportsbookInput())
	if err != nil {
		slog.Error("failed to encode default input", "error", err)
		os.Exit(1)
	}
	store := jobs.NewInMemoryStore()
	sender := webhook.NewHTTPSender(cfg.Webhook.Timeout, cfg.Webhook.MaxRetries)
	streamer := jobs.NewEventStreamer()
	manager, err := jobs.NewManager(cfg.PoolSize, store, sender, client, streamer, jobs.Defaults{
		Target: cfg.Apify.Target,
		Family: cfg.Apify.DefaultFamily(),
		Input:  defaultInput,
	})
	if err != nil {
		slog.Error("failed to initialize manager", "error", err)
		os.Exit(1)
	}
	defer manager.Stop()

	mux := httpapi.NewRouter(manager, streamer, client)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		// POST /runs/sync holds the connection for up to the poll max wait.
		WriteTimeout: cfg.Apify.PollMaxWait + time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr, "target", cfg.Apify.Target, "family", cfg.Apify.Family,
			"cache", cfg.Cache.Backend, "pool_size", cfg.PoolSize)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "DEBUG", "debug":
		return slog.LevelDebug
	case "INFO", "info":
		return slog.LevelInfo
	case "WARN", "warning", "warn":
		return slog.LevelWarn
	case "ERROR", "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

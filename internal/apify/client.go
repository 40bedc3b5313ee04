package apify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.apify.com"

	// maxBodySize caps how much of a response is read into memory.
	maxBodySize = 32 << 20
)

// Config controls timing and transport behaviour of a Client.
type Config struct {
	BaseURL        string
	PollInterval   time.Duration
	MaxWait        time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	CacheTTL       time.Duration
	// RateLimit is outbound requests per second; zero disables limiting.
	RateLimit float64
	RateBurst int
}

func DefaultConfig() Config {
	return Config{
		BaseURL:        DefaultBaseURL,
		PollInterval:   10 * time.Second,
		MaxWait:        10 * time.Minute,
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    30 * time.Second,
		CacheTTL:       10 * time.Minute,
	}
}

// ResultCache stores encoded results of finished runs.
type ResultCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type Option func(*Client)

func WithConfig(cfg Config) Option {
	return func(c *Client) {
		c.config = cfg
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithResultCache(cache ResultCache) Option {
	return func(c *Client) {
		c.cache = cache
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client talks to the Apify REST API. It is safe for concurrent use.
type Client struct {
	token      string
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      ResultCache
	logger     *slog.Logger

	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight
	nextGen uint64
}

// New builds a client authenticating with token. An empty token is accepted
// here; every operation then fails with *AuthError before touching the network.
func New(token string, opts ...Option) *Client {
	c := &Client{
		token:   token,
		config:  DefaultConfig(),
		flights: make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.config = sanitize(c.config)
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.httpClient == nil {
		c.httpClient = newHTTPClient(c.config.ConnectTimeout, c.config.ReadTimeout)
	}
	if c.config.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(c.config.RateLimit), c.config.RateBurst)
	} else {
		c.limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return c
}

func (c *Client) Config() Config {
	return c.config
}

func sanitize(cfg Config) Config {
	def := DefaultConfig()
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.RateLimit > 0 && cfg.RateBurst <= 0 {
		cfg.RateBurst = max(1, int(cfg.RateLimit))
	}
	return cfg
}

func newHTTPClient(connectTimeout, readTimeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readTimeout,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{Transport: transport, Timeout: connectTimeout + readTimeout}
}

type response struct {
	statusCode int
	body       []byte
}

// do performs one request against path. The token travels as a query
// parameter and is scrubbed from any returned error.
func (c *Client) do(ctx context.Context, method, endpoint, path string, payload []byte) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	target := c.config.BaseURL + path + "?" + url.Values{"token": {c.token}}.Encode()
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, c.redact(err, path)
	}
	req.Header.Set("accept", "application/json")
	if payload != nil {
		req.Header.Set("content-type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, "error").Inc()
		c.logger.Warn("apify request failed", "endpoint", endpoint, "method", method, "path", path, "error", c.redact(err, path))
		return nil, c.redact(err, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", c.redact(err, path))
	}
	c.logger.Debug("apify request",
		"endpoint", endpoint,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"body_length", len(data),
		"duration", time.Since(start).String(),
	)
	return &response{statusCode: resp.StatusCode, body: data}, nil
}

func (c *Client) redact(err error, path string) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		urlErr.URL = c.config.BaseURL + path
	}
	if c.token != "" && strings.Contains(err.Error(), c.token) {
		return errors.New(strings.ReplaceAll(err.Error(), c.token, "REDACTED"))
	}
	return err
}

func startPath(family Family, target string) string {
	id := url.PathEscape(strings.ReplaceAll(strings.TrimSpace(target), "/", "~"))
	if family == FamilyTask {
		return "/v2/actor-tasks/" + id + "/runs"
	}
	return "/v2/acts/" + id + "/runs"
}

func runPath(id string) string {
	return "/v2/actor-runs/" + url.PathEscape(id)
}

func datasetPath(id string) string {
	return runPath(id) + "/dataset/items"
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

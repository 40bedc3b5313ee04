package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/paulgrammer/apifyjobs/internal/apify"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNone   = "none"

	redisKeyPrefix  = "apifyjobs:"
	janitorInterval = time.Minute
)

// Open builds the result cache for backend. The returned cache is nil for
// BackendNone. The close func is never nil.
func Open(ctx context.Context, backend string, redisCfg RedisConfig) (apify.ResultCache, func() error, error) {
	switch backend {
	case BackendMemory, "":
		m := NewMemory()
		m.StartJanitor(janitorInterval)
		return m, m.Close, nil
	case BackendRedis:
		client, err := NewRedisClient(ctx, redisCfg)
		if err != nil {
			return nil, nil, err
		}
		return NewRedis(client, redisKeyPrefix), client.Close, nil
	case BackendNone:
		return nil, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", backend)
	}
}

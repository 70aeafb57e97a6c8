package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wudi/tollgate/internal/config"
)

// fixedWindowScript counts hits in a window of ARGV[2] seconds and refuses
// once ARGV[1] is reached. Returns 1 to pass, 0 to reject.
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local expire = tonumber(ARGV[2])

local current = tonumber(redis.call('GET', key) or '0')
if current + 1 > limit then
    return 0
end

current = redis.call('INCR', key)
if current == 1 then
    redis.call('EXPIRE', key, expire)
end
return 1
`)

// Store performs an atomic increment-and-check against a shared counter.
type Store interface {
	IncrementAndCheck(ctx context.Context, key string, limit, windowSeconds int) (bool, error)
}

// ErrStoreUnavailable wraps transport failures of a Store.
var ErrStoreUnavailable = errors.New("ratelimit: store unavailable")

// RedisStore is a Store backed by a Lua script on Redis.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

// NewRedisStore connects a go-redis client from cfg. timeout bounds each
// script call.
func NewRedisStore(cfg config.RedisConfig, timeout time.Duration) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})
	return NewRedisStoreWithClient(client, timeout)
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, timeout time.Duration) *RedisStore {
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	return &RedisStore{client: client, prefix: "tollgate:flow:", timeout: timeout}
}

// IncrementAndCheck runs the fixed-window script. A nil reply passes.
func (s *RedisStore) IncrementAndCheck(ctx context.Context, key string, limit, windowSeconds int) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := fixedWindowScript.Run(ctx, s.client, []string{s.prefix + key}, limit, windowSeconds).Int64()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return res != 0, nil
}

// Ping checks that redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

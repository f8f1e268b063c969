// Package kv wraps the shared key-value store used for warmup start dates,
// the generation circuit breaker, reputation scores, webhook dedup markers
// and worker heartbeats.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/outreach/internal/config"
)

// ErrMiss is returned by Get when the key does not exist
var ErrMiss = errors.New("kv: key not found")

// Store is the typed surface callers depend on. A ttl of zero means the key
// does not expire.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets key only if it is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// IncrBy atomically adds delta to key, clamps the result to [lo, hi]
	// and refreshes ttl. A missing key counts as zero.
	IncrBy(ctx context.Context, key string, delta, lo, hi int64, ttl time.Duration) (int64, error)
	Del(ctx context.Context, key string) error
}

// Redis implements Store on go-redis
type Redis struct {
	rdb *redis.Client
}

func NewRedis(cfg config.Redis) *Redis {
	return &Redis{rdb: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

// NewRedisFromClient wraps an existing client
func NewRedisFromClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	if err != nil {
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv setnx %s: %w", key, err)
	}
	return ok, nil
}

var incrByClamped = redis.NewScript(`
	local v = tonumber(redis.call('GET', KEYS[1]) or '0') + tonumber(ARGV[1])
	local lo = tonumber(ARGV[2])
	local hi = tonumber(ARGV[3])
	if v < lo then v = lo end
	if v > hi then v = hi end
	local ttl = tonumber(ARGV[4])
	if ttl > 0 then
		redis.call('SET', KEYS[1], v, 'PX', ttl)
	else
		redis.call('SET', KEYS[1], v)
	end
	return v
`)

func (r *Redis) IncrBy(ctx context.Context, key string, delta, lo, hi int64, ttl time.Duration) (int64, error) {
	n, err := incrByClamped.Run(ctx, r.rdb, []string{key}, delta, lo, hi, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("kv incrby %s: %w", key, err)
	}
	return n, nil
}

func (r *Redis) Del(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv del %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

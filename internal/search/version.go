package search

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// Versioner supplies the cache namespace version.
type Versioner interface {
	Current(ctx context.Context) (uint64, error)
	Bump(ctx context.Context) (uint64, error)
}

// LocalVersioner keeps the version in process memory. Suitable for a single
// replica.
type LocalVersioner struct {
	v atomic.Uint64
}

// NewLocalVersioner returns a versioner starting at zero.
func NewLocalVersioner() *LocalVersioner {
	return &LocalVersioner{}
}

func (l *LocalVersioner) Current(context.Context) (uint64, error) {
	return l.v.Load(), nil
}

func (l *LocalVersioner) Bump(context.Context) (uint64, error) {
	return l.v.Add(1), nil
}

// DefaultRedisVersionKey is the Redis key holding the shared version.
const DefaultRedisVersionKey = "vehicleingest:search:version"

// RedisVersioner shares the version between replicas through a Redis counter,
// so a commit on one replica invalidates cached results on all of them.
type RedisVersioner struct {
	client *redis.Client
	key    string
}

// NewRedisVersioner connects using a redis:// URL.
func NewRedisVersioner(ctx context.Context, url, key string) (*RedisVersioner, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if key == "" {
		key = DefaultRedisVersionKey
	}
	return &RedisVersioner{client: client, key: key}, nil
}

func (r *RedisVersioner) Current(ctx context.Context) (uint64, error) {
	v, err := r.client.Get(ctx, r.key).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cache version: %w", err)
	}
	return v, nil
}

func (r *RedisVersioner) Bump(ctx context.Context) (uint64, error) {
	v, err := r.client.Incr(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("bump cache version: %w", err)
	}
	return uint64(v), nil
}

// Close releases the Redis connection pool.
func (r *RedisVersioner) Close() error {
	return r.client.Close()
}

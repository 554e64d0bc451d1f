package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions describe the client shared by the balance cache, the
// idempotency middleware and the rate limiter.
type RedisOptions struct {
	URL        string
	ClientName string
	// PoolSize caps connections; zero keeps the go-redis default.
	PoolSize    int
	DialTimeout time.Duration
}

func redisOptions(opts RedisOptions) (*redis.Options, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opt, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opt.ClientName = opts.ClientName
	if opts.PoolSize > 0 {
		opt.PoolSize = opts.PoolSize
	}
	if opts.DialTimeout > 0 {
		opt.DialTimeout = opts.DialTimeout
	}
	return opt, nil
}

// NewRedisClient builds the client and pings it within DialTimeout.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	opt, err := redisOptions(opts)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := withTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

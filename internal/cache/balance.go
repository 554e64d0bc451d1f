// Package cache keeps short-lived copies of wallet balances for read paths.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	balanceKeyPrefix    = "wallet:balance:"
	generationKeyPrefix = "wallet:balance:gen:"
	generationTTL       = 24 * time.Hour
	defaultBalanceTTL   = 30 * time.Second
)

// setIfCurrent writes the balance only while the generation still matches the
// one observed before the database read.
var setIfCurrent = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if (cur or '0') ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// Balance is the cached read model of a wallet balance.
type Balance struct {
	RealBalance    int64 `json:"real_balance"`
	VirtualBalance int64 `json:"virtual_balance"`
}

// BalanceCache stores balances by canonical phone. Every Invalidate bumps the
// phone's generation; Set is a no-op when the generation has moved since the
// caller read it, so a slow reader cannot put back a balance older than a
// committed write.
type BalanceCache interface {
	Get(ctx context.Context, phone string) (Balance, bool, error)
	Generation(ctx context.Context, phone string) (int64, error)
	Set(ctx context.Context, phone string, gen int64, b Balance) (bool, error)
	Invalidate(ctx context.Context, phone string) error
}

// RedisBalanceCache is a BalanceCache on Redis.
type RedisBalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBalanceCache constructs a Redis-backed balance cache.
func NewRedisBalanceCache(client *redis.Client, ttl time.Duration) *RedisBalanceCache {
	if ttl <= 0 {
		ttl = defaultBalanceTTL
	}
	return &RedisBalanceCache{client: client, ttl: ttl}
}

func balanceKey(phone string) string {
	return balanceKeyPrefix + phone
}

func generationKey(phone string) string {
	return generationKeyPrefix + phone
}

func (c *RedisBalanceCache) Get(ctx context.Context, phone string) (Balance, bool, error) {
	raw, err := c.client.Get(ctx, balanceKey(phone)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Balance{}, false, nil
	}
	if err != nil {
		return Balance{}, false, fmt.Errorf("get cached balance: %w", err)
	}
	var b Balance
	if err := json.Unmarshal(raw, &b); err != nil {
		return Balance{}, false, fmt.Errorf("decode cached balance: %w", err)
	}
	return b, true, nil
}

func (c *RedisBalanceCache) Generation(ctx context.Context, phone string) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey(phone)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance generation: %w", err)
	}
	return gen, nil
}

func (c *RedisBalanceCache) Set(ctx context.Context, phone string, gen int64, b Balance) (bool, error) {
	payload, err := json.Marshal(b)
	if err != nil {
		return false, fmt.Errorf("encode balance: %w", err)
	}
	keys := []string{balanceKey(phone), generationKey(phone)}
	written, err := setIfCurrent.Run(ctx, c.client, keys, gen, payload, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("cache balance: %w", err)
	}
	return written == 1, nil
}

func (c *RedisBalanceCache) Invalidate(ctx context.Context, phone string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(phone))
		pipe.Expire(ctx, generationKey(phone), generationTTL)
		pipe.Del(ctx, balanceKey(phone))
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate balance: %w", err)
	}
	return nil
}

// Nop never caches anything.
type Nop struct{}

func (Nop) Get(context.Context, string) (Balance, bool, error)        { return Balance{}, false, nil }
func (Nop) Generation(context.Context, string) (int64, error)         { return 0, nil }
func (Nop) Set(context.Context, string, int64, Balance) (bool, error) { return false, nil }
func (Nop) Invalidate(context.Context, string) error                  { return nil }

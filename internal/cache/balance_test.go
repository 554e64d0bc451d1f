package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisBalanceCache(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewRedisBalanceCache(client, time.Minute)
	ctx := context.Background()
	phone := "84900000000"

	if _, ok, err := c.Get(ctx, phone); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	gen, err := c.Generation(ctx, phone)
	if err != nil || gen != 0 {
		t.Fatalf("expected generation 0, got %d err=%v", gen, err)
	}
	want := Balance{RealBalance: 80_000, VirtualBalance: 20_000}
	if written, err := c.Set(ctx, phone, gen, want); err != nil || !written {
		t.Fatalf("set: written=%v err=%v", written, err)
	}
	got, ok, err := c.Get(ctx, phone)
	if err != nil || !ok || got != want {
		t.Fatalf("expected hit %+v, got %+v ok=%v err=%v", want, got, ok, err)
	}
	if ttl := mr.TTL(balanceKey(phone)); ttl != time.Minute {
		t.Fatalf("expected ttl of one minute, got %v", ttl)
	}

	if err := c.Invalidate(ctx, phone); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := c.Get(ctx, phone); ok {
		t.Fatalf("expected miss after invalidation")
	}
	if gen, _ := c.Generation(ctx, phone); gen != 1 {
		t.Fatalf("expected invalidation to bump the generation, got %d", gen)
	}
}

func TestRedisBalanceCache_StaleWriteIsDropped(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewRedisBalanceCache(client, time.Minute)
	ctx := context.Background()
	phone := "84900000002"

	// A reader observes the generation and loads the old balance...
	gen, err := c.Generation(ctx, phone)
	if err != nil {
		t.Fatalf("generation: %v", err)
	}
	stale := Balance{RealBalance: 100}

	// ...while a committed write invalidates the entry.
	if err := c.Invalidate(ctx, phone); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	written, err := c.Set(ctx, phone, gen, stale)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if written {
		t.Fatalf("stale balance must not be cached")
	}
	if _, ok, _ := c.Get(ctx, phone); ok {
		t.Fatalf("expected miss after dropped write")
	}

	fresh, _ := c.Generation(ctx, phone)
	if written, err := c.Set(ctx, phone, fresh, Balance{RealBalance: 250}); err != nil || !written {
		t.Fatalf("current generation must be cached: written=%v err=%v", written, err)
	}
	if got, ok, _ := c.Get(ctx, phone); !ok || got.RealBalance != 250 {
		t.Fatalf("expected fresh balance, got %+v ok=%v", got, ok)
	}
	if ttl := mr.TTL(generationKey(phone)); ttl <= 0 || ttl > generationTTL {
		t.Fatalf("generation key must expire, ttl %v", ttl)
	}
}

func TestNop(t *testing.T) {
	ctx := context.Background()
	var c BalanceCache = Nop{}
	if written, err := c.Set(ctx, "84900000003", 0, Balance{RealBalance: 1}); err != nil || written {
		t.Fatalf("nop must not cache, written=%v err=%v", written, err)
	}
	if _, ok, _ := c.Get(ctx, "84900000003"); ok {
		t.Fatalf("nop must always miss")
	}
}

func TestRedisBalanceCache_Expires(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewRedisBalanceCache(client, 5*time.Second)
	ctx := context.Background()
	if _, err := c.Set(ctx, "84900000001", 0, Balance{RealBalance: 1}); err != nil {
		t.Fatalf("set: %v", err)
	}
	mr.FastForward(6 * time.Second)
	if _, ok, _ := c.Get(ctx, "84900000001"); ok {
		t.Fatalf("expected entry to expire")
	}
}

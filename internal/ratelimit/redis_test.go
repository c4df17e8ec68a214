package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newIntegrationRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStore_ConcurrentChecksAdmitExactlyCapacity(t *testing.T) {
	client := newIntegrationRedis(t)
	prefix := fmt.Sprintf("governor-test-%d", time.Now().UnixNano())
	store := NewRedisStore(client, prefix, time.Minute, nil)
	limiter := newTestLimiter(t, smallSpec(10), nil, Options{Store: store})

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := limiter.Check(context.Background(), "ip:redis", Target{}, 1)
			if err != nil {
				t.Errorf("check: %v", err)
				return
			}
			if res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := allowed.Load(); got != 10 {
		t.Fatalf("expected 10 admissions, got %d", got)
	}

	views, err := limiter.Search(context.Background(), Filter{TargetType: TargetIP})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(views) != 1 || views[0].Status != StatusBlocked {
		t.Fatalf("unexpected search result: %+v", views)
	}
}

func TestRedisStore_UnreachableReportsUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	now := testEpoch
	store := NewRedisStore(client, "", 0, func() time.Time { return now })

	_, err := store.Update(context.Background(), "ip:x", func(*Ledger, bool) error { return nil })
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	// The breaker is now open and rejects without dialling.
	if _, err = store.Get(context.Background(), "ip:x"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable from open breaker, got %v", err)
	}
	now = now.Add(redisBreakerDuration + time.Second)
	if store.isBreakerActive() {
		t.Fatalf("expected breaker to close after its duration")
	}
}

func TestRedisStore_ExpiryCoversBlock(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewRedisStore(nil, "", time.Hour, func() time.Time { return now })

	ledger := &Ledger{Key: "ip:1"}
	if got := store.expiry(ledger); got != time.Hour {
		t.Fatalf("expected configured ttl for an active ledger, got %s", got)
	}
	short := now.Add(10 * time.Minute)
	ledger.BlockUntil = &short
	if got := store.expiry(ledger); got != time.Hour {
		t.Fatalf("expected configured ttl for a short block, got %s", got)
	}
	long := now.Add(48 * time.Hour)
	ledger.BlockUntil = &long
	if got := store.expiry(ledger); got < 48*time.Hour {
		t.Fatalf("expected ttl to outlive the block, got %s", got)
	}

	forever := NewRedisStore(nil, "", 0, func() time.Time { return now })
	if got := forever.expiry(ledger); got != 0 {
		t.Fatalf("expected no expiry without a ttl, got %s", got)
	}
}

func TestRedisStore_BlockedLedgerOutlivesTTL(t *testing.T) {
	client := newIntegrationRedis(t)
	prefix := fmt.Sprintf("governor-test-%d", time.Now().UnixNano())
	store := NewRedisStore(client, prefix, time.Minute, nil)
	limiter := newTestLimiter(t, smallSpec(10), nil, Options{Store: store})
	ctx := context.Background()

	if _, err := limiter.Block(ctx, "ip:blocked", 2*time.Hour); err != nil {
		t.Fatalf("block: %v", err)
	}
	ttl, err := client.TTL(ctx, store.buildKey("ip:blocked")).Result()
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl < time.Hour {
		t.Fatalf("expected key to live as long as the block, got %s", ttl)
	}
}

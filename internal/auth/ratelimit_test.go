package auth

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-gateway/internal/kv"
)

func newTestRateLimitStore(t *testing.T) kv.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return kv.NewRedisStore(rdb)
}

func TestRateLimiterAllowsUnderLimit(t *testing.T) {
	rl := NewRateLimiter(newTestRateLimitStore(t), KeyAndIP)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := rl.Allow(ctx, "hash-a", "1.2.3.4", 3)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed, limit=3", i)
		}
	}

	res, err := rl.Allow(ctx, "hash-a", "1.2.3.4", 3)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if res.Allowed {
		t.Fatal("4th request should be denied, limit=3")
	}
	if res.Remaining != 0 {
		t.Fatalf("expected Remaining=0, got %d", res.Remaining)
	}
}

func TestRateLimiterKeyAndIPIsolatesByIP(t *testing.T) {
	rl := NewRateLimiter(newTestRateLimitStore(t), KeyAndIP)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := rl.Allow(ctx, "hash-b", "10.0.0.1", 2); err != nil {
			t.Fatalf("Allow: %v", err)
		}
	}
	res, err := rl.Allow(ctx, "hash-b", "10.0.0.2", 2)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !res.Allowed {
		t.Fatal("a different client IP under the same key must get its own counter")
	}
}

func TestRateLimiterKeyOnlyIgnoresIP(t *testing.T) {
	rl := NewRateLimiter(newTestRateLimitStore(t), KeyOnly)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := rl.Allow(ctx, "hash-c", "10.0.0.1", 2); err != nil {
			t.Fatalf("Allow: %v", err)
		}
	}
	res, err := rl.Allow(ctx, "hash-c", "10.0.0.2", 2)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if res.Allowed {
		t.Fatal("key_only mode must enforce the limit across different client IPs")
	}
}

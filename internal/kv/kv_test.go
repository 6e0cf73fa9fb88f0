package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb)
}

func TestStoreGetSetRoundTrip(t *testing.T) {
	for name, store := range map[string]Store{
		"redis":  newTestRedisStore(t),
		"memory": NewMemoryStore(),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, ok, err := store.Get(ctx, "missing"); ok || err != nil {
				t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
			}
			if err := store.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
				t.Fatalf("Set: %v", err)
			}
			v, ok, err := store.Get(ctx, "k")
			if err != nil || !ok || string(v) != "v" {
				t.Fatalf("Get: v=%s ok=%v err=%v", v, ok, err)
			}
		})
	}
}

func TestStoreIncrAndExpire(t *testing.T) {
	for name, store := range map[string]Store{
		"redis":  newTestRedisStore(t),
		"memory": NewMemoryStore(),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n, err := store.Incr(ctx, "counter")
			if err != nil || n != 1 {
				t.Fatalf("first incr: n=%d err=%v", n, err)
			}
			n, err = store.Incr(ctx, "counter")
			if err != nil || n != 2 {
				t.Fatalf("second incr: n=%d err=%v", n, err)
			}
			if err := store.Expire(ctx, "counter", time.Hour); err != nil {
				t.Fatalf("Expire: %v", err)
			}
			ttl, err := store.TTL(ctx, "counter")
			if err != nil || ttl <= 0 {
				t.Fatalf("TTL: ttl=%v err=%v", ttl, err)
			}
		})
	}
}

func TestStoreHashAndSetOps(t *testing.T) {
	for name, store := range map[string]Store{
		"redis":  newTestRedisStore(t),
		"memory": NewMemoryStore(),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.HSet(ctx, "h", map[string][]byte{"a": []byte("1"), "b": []byte("2")}); err != nil {
				t.Fatalf("HSet: %v", err)
			}
			v, ok, err := store.HGet(ctx, "h", "a")
			if err != nil || !ok || string(v) != "1" {
				t.Fatalf("HGet: v=%s ok=%v err=%v", v, ok, err)
			}
			all, err := store.HGetAll(ctx, "h")
			if err != nil || len(all) != 2 {
				t.Fatalf("HGetAll: %v %v", all, err)
			}
			vals, err := store.HMGet(ctx, "h", []string{"a", "missing"})
			if err != nil || string(vals[0]) != "1" || vals[1] != nil {
				t.Fatalf("HMGet: %v %v", vals, err)
			}

			if err := store.SAdd(ctx, "s", "x", "y"); err != nil {
				t.Fatalf("SAdd: %v", err)
			}
			members, err := store.SMembers(ctx, "s")
			if err != nil || len(members) != 2 {
				t.Fatalf("SMembers: %v %v", members, err)
			}
		})
	}
}

func TestStoreRewriteIsNonTransactionalButComplete(t *testing.T) {
	for name, store := range map[string]Store{
		"redis":  newTestRedisStore(t),
		"memory": NewMemoryStore(),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.RewriteHash(ctx, "h", map[string][]byte{"a": []byte("1")}); err != nil {
				t.Fatalf("RewriteHash: %v", err)
			}
			if err := store.RewriteHash(ctx, "h", map[string][]byte{"b": []byte("2")}); err != nil {
				t.Fatalf("RewriteHash: %v", err)
			}
			all, err := store.HGetAll(ctx, "h")
			if err != nil {
				t.Fatalf("HGetAll: %v", err)
			}
			if _, stale := all["a"]; stale {
				t.Fatal("expected stale field to be gone after rewrite")
			}
			if v, ok := all["b"]; !ok || string(v) != "2" {
				t.Fatalf("expected fresh field, got %v", all)
			}

			if err := store.RewriteSet(ctx, "s", []string{"one", "two"}); err != nil {
				t.Fatalf("RewriteSet: %v", err)
			}
			members, err := store.SMembers(ctx, "s")
			if err != nil || len(members) != 2 {
				t.Fatalf("SMembers after rewrite: %v %v", members, err)
			}
		})
	}
}

package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/kv"
)

// KeyMode selects what the per-request rate-limit counter is keyed on.
type KeyMode string

const (
	// KeyAndIP keys the counter on {lookup_hash}:{client_ip} (default),
	// isolating abuse per source IP at the cost of letting one key exceed
	// its nominal rate by rotating IPs.
	KeyAndIP KeyMode = "key_and_ip"
	// KeyOnly keys solely on {lookup_hash}, enforcing the limit regardless
	// of source IP.
	KeyOnly KeyMode = "key_only"
)

const rateLimitWindow = 60 * time.Second

// RateLimiter approximates a per-minute token bucket with a fixed 60-second
// counter: atomic increment, TTL set to the window only on the first
// increment, deny once the post-increment value exceeds the caller's
// permission limit.
type RateLimiter struct {
	kv      kv.Store
	keyMode KeyMode
}

// NewRateLimiter creates a RateLimiter. An empty keyMode defaults to KeyAndIP.
func NewRateLimiter(store kv.Store, keyMode KeyMode) *RateLimiter {
	if keyMode == "" {
		keyMode = KeyAndIP
	}
	return &RateLimiter{kv: store, keyMode: keyMode}
}

// Allow increments the window counter for (lookupHash, clientIP) and reports
// whether the request is within limit. The decision uses the post-increment
// value, so N == limit is allowed and N == limit+1 is the first denial.
func (r *RateLimiter) Allow(ctx context.Context, lookupHash, clientIP string, limit int) (RateLimitResult, error) {
	key := r.counterKey(lookupHash, clientIP)

	n, err := r.kv.Incr(ctx, key)
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("auth: rate limit incr: %w", err)
	}
	if n == 1 {
		if err := r.kv.Expire(ctx, key, rateLimitWindow); err != nil {
			return RateLimitResult{}, fmt.Errorf("auth: rate limit expire: %w", err)
		}
	}

	ttl, err := r.kv.TTL(ctx, key)
	if err != nil || ttl <= 0 {
		ttl = rateLimitWindow
	}
	resetUnix := time.Now().Add(ttl).Unix()

	remaining := limit - int(n)
	if remaining < 0 {
		remaining = 0
	}

	return RateLimitResult{
		Allowed:   int(n) <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetUnix: resetUnix,
	}, nil
}

func (r *RateLimiter) counterKey(lookupHash, clientIP string) string {
	if r.keyMode == KeyOnly {
		return "lkg:ratelimit:" + lookupHash
	}
	return "lkg:ratelimit:" + lookupHash + ":" + clientIP
}

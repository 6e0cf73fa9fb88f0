// Package auth implements the gateway's authentication and rate-limiting
// front door: API-key extraction, a two-tier (in-memory-friendly, KV-backed)
// credential cache, bcrypt-class slow-hash verification, and a per-key
// fixed-window rate limiter. See internal/registry for the model catalogue
// and internal/router for request dispatch.
package auth

import "time"

// Permissions gates what a Principal may do. Immutable once bound to a
// request.
type Permissions struct {
	CanRead            bool `json:"can_read"`
	CanWrite           bool `json:"can_write"`
	CanManageKeys      bool `json:"can_manage_keys"`
	IsAdmin            bool `json:"is_admin"`
	RateLimitPerMinute int  `json:"rate_limit_per_minute"`
}

// ApiKey is the persisted record behind one issued credential. LookupHash is
// the hex SHA-256 of the plaintext key and is unique; SlowHash is a
// bcrypt-class hash of the same plaintext verified once per cold lookup.
type ApiKey struct {
	ID          string
	OrgID       string
	UserID      string
	Name        string
	LookupHash  string
	SlowHash    string
	Preview     string
	Permissions Permissions
	IsActive    bool
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	CreatedAt   time.Time
}

// Usable reports whether the key may currently be used: active and, if it
// has an expiry, not yet past it.
func (k *ApiKey) Usable(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Principal is the authenticated identity derived for one request.
// LookupHash keys the rate-limit counter so denial survives cache eviction
// of the underlying record.
type Principal struct {
	APIKeyID    string
	OrgID       string
	UserID      string
	KeyPreview  string
	LookupHash  string
	Permissions Permissions
}

// RequestContext scopes a Principal to one inbound request.
type RequestContext struct {
	Principal Principal
	ClientIP  string
}

// RateLimitResult is returned by the rate limiter and must be surfaced as
// X-RateLimit-* response headers by the caller.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetUnix int64
}

// cachedKey is the compact payload written to the KV store on a cold
// lookup. The slow hash is deliberately not included — cache hits are
// trusted; the security boundary is the KV store itself.
type cachedKey struct {
	ID            string      `json:"id"`
	OrgID         string      `json:"org_id"`
	UserID        string      `json:"user_id"`
	Preview       string      `json:"preview"`
	LookupHash    string      `json:"lookup_hash"`
	IsActive      bool        `json:"is_active"`
	ExpiresAtUnix *int64      `json:"expires_at_ts,omitempty"`
	Permissions   Permissions `json:"permissions"`
}

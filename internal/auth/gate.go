package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/nulpointcorp/llm-gateway/internal/kv"
)

const (
	cachedKeyPrefix = "lkg:auth:apikey:"
	cachedKeyMaxTTL = 5 * time.Minute
	headerAPIKey    = "x-api-key"
	headerAuth      = "authorization"
	bearerPrefix    = "bearer "
)

// Gate resolves a raw credential string to an authenticated Principal,
// consulting a KV-backed cache before falling back to the slow
// bcrypt-verified path against the credential store.
type Gate struct {
	store CredentialStore
	kv    kv.Store
	now   func() time.Time
}

// NewGate creates a Gate over the given credential store and KV cache.
func NewGate(store CredentialStore, kvStore kv.Store) *Gate {
	return &Gate{store: store, kv: kvStore, now: time.Now}
}

// ExtractAPIKey pulls the raw key out of the x-api-key header, falling back
// to a "Bearer " authorization header. It returns ("", false) when neither is
// present.
func ExtractAPIKey(ctx *fasthttp.RequestCtx) (string, bool) {
	if v := string(ctx.Request.Header.Peek(headerAPIKey)); v != "" {
		return v, true
	}
	if v := string(ctx.Request.Header.Peek(headerAuth)); v != "" {
		if strings.HasPrefix(strings.ToLower(v), bearerPrefix) {
			tok := strings.TrimSpace(v[len(bearerPrefix):])
			if tok != "" {
				return tok, true
			}
		}
	}
	return "", false
}

// Authenticate resolves rawKey to a Principal. The returned bool reports
// whether the KV cache served the lookup — callers surface it as the
// X-Auth-Cache header. It returns ErrInvalidCredential for any unknown,
// inactive, expired, or hash-mismatched key — the wire response must not
// distinguish between these cases.
func (g *Gate) Authenticate(ctx context.Context, rawKey string) (*Principal, bool, error) {
	if rawKey == "" {
		return nil, false, ErrMissingCredential
	}
	lookupHash := HashLookup(rawKey)

	if p, err := g.lookupCached(ctx, lookupHash); err == nil {
		return p, true, nil
	}

	key, err := g.store.GetByLookupHash(ctx, lookupHash)
	if err != nil {
		return nil, false, ErrInvalidCredential
	}
	if !key.Usable(g.now()) {
		return nil, false, ErrInvalidCredential
	}
	if bcrypt.CompareHashAndPassword([]byte(key.SlowHash), []byte(rawKey)) != nil {
		return nil, false, ErrInvalidCredential
	}

	_ = g.store.TouchLastUsed(ctx, key.ID, g.now())
	g.writeThrough(ctx, key)

	return &Principal{
		APIKeyID:    key.ID,
		OrgID:       key.OrgID,
		UserID:      key.UserID,
		KeyPreview:  key.Preview,
		LookupHash:  key.LookupHash,
		Permissions: key.Permissions,
	}, false, nil
}

// lookupCached attempts the fast path: a KV hit that is itself still active
// and unexpired. Any miss, decode failure, or staleness falls through to the
// cold path rather than erroring, so a bad cache entry never blocks a
// legitimate key.
func (g *Gate) lookupCached(ctx context.Context, lookupHash string) (*Principal, error) {
	raw, ok, err := g.kv.Get(ctx, cachedKeyPrefix+lookupHash)
	if err != nil || !ok {
		return nil, fmt.Errorf("auth: cache miss")
	}

	var ck cachedKey
	if err := json.Unmarshal(raw, &ck); err != nil {
		return nil, fmt.Errorf("auth: cache decode: %w", err)
	}
	if !ck.IsActive {
		return nil, fmt.Errorf("auth: cached key inactive")
	}
	if ck.ExpiresAtUnix != nil && *ck.ExpiresAtUnix <= g.now().Unix() {
		return nil, fmt.Errorf("auth: cached key expired")
	}

	return &Principal{
		APIKeyID:    ck.ID,
		OrgID:       ck.OrgID,
		UserID:      ck.UserID,
		KeyPreview:  ck.Preview,
		LookupHash:  ck.LookupHash,
		Permissions: ck.Permissions,
	}, nil
}

// writeThrough caches a freshly-verified key. Negative results and keys that
// are already unusable are never cached — only a key that just passed
// Usable() and bcrypt verification reaches here.
func (g *Gate) writeThrough(ctx context.Context, key *ApiKey) {
	ck := cachedKey{
		ID:          key.ID,
		OrgID:       key.OrgID,
		UserID:      key.UserID,
		Preview:     key.Preview,
		LookupHash:  key.LookupHash,
		IsActive:    key.IsActive,
		Permissions: key.Permissions,
	}

	ttl := cachedKeyMaxTTL
	if key.ExpiresAt != nil {
		untilExpiry := key.ExpiresAt.Sub(g.now())
		if untilExpiry <= 0 {
			return
		}
		if untilExpiry < ttl {
			ttl = untilExpiry
		}
		exp := key.ExpiresAt.Unix()
		ck.ExpiresAtUnix = &exp
	}

	payload, err := json.Marshal(ck)
	if err != nil {
		return
	}
	_ = g.kv.Set(ctx, cachedKeyPrefix+key.LookupHash, payload, ttl)
}

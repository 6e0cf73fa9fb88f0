package proxy

import (
	"strconv"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/auth"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const principalUserValueKey = "principal"

// withAuth wraps next with the Auth Gate: it resolves the caller's API key to
// a Principal, enforces the per-key rate limit, and sets the X-Auth-Cache-*
// and (when the limiter answers) X-RateLimit-* headers on every
// authenticated response. A nil authGate makes this a
// no-op passthrough, so existing callers and tests that never call SetAuth
// are unaffected.
func (g *Gateway) withAuth(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if g.authGate == nil {
			next(ctx)
			return
		}

		start := time.Now()
		rawKey, _ := auth.ExtractAPIKey(ctx)
		principal, cacheHit, err := g.authGate.Authenticate(ctx, rawKey)
		authDur := time.Since(start)

		if g.metrics != nil {
			g.metrics.RecordAuthCacheLookup(cacheHit, authDur)
		}
		if err != nil {
			switch err {
			case auth.ErrMissingCredential:
				if g.metrics != nil {
					g.metrics.RecordAuth("missing_credential")
				}
				apierr.WriteMissingCredential(ctx)
			default:
				if g.metrics != nil {
					g.metrics.RecordAuth("invalid_credential")
				}
				apierr.WriteInvalidCredential(ctx)
			}
			return
		}

		authCache := xCacheMISS
		if cacheHit {
			authCache = xCacheHIT
		}
		ctx.Response.Header.Set("X-Auth-Cache", authCache)
		ctx.Response.Header.Set("X-Auth-Cache-Latency-ms",
			strconv.FormatInt(authDur.Milliseconds(), 10))

		if g.authLimiter != nil {
			limit := principal.Permissions.RateLimitPerMinute
			if limit <= 0 {
				limit = 60
			}
			res, err := g.authLimiter.Allow(ctx, principal.LookupHash, ctx.RemoteIP().String(), limit)
			if err == nil {
				ctx.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
				ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
				ctx.Response.Header.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetUnix, 10))
				if !res.Allowed {
					if g.metrics != nil {
						g.metrics.RecordAuth("rate_limited")
					}
					apierr.WriteRateLimit(ctx)
					return
				}
			}
		}

		if g.metrics != nil {
			g.metrics.RecordAuth("ok")
		}
		ctx.SetUserValue(principalUserValueKey, principal)
		next(ctx)
	}
}

// principalFrom extracts the authenticated Principal set by withAuth, if any.
func principalFrom(ctx *fasthttp.RequestCtx) (*auth.Principal, bool) {
	p, ok := ctx.UserValue(principalUserValueKey).(*auth.Principal)
	return p, ok
}

// requirePermission wraps next so it only runs when the request's Principal
// satisfies check; otherwise it writes a 403. Must be applied after withAuth.
func requirePermission(check func(auth.Permissions) bool, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		p, ok := principalFrom(ctx)
		if !ok || !check(p.Permissions) {
			apierr.WriteInsufficientPermission(ctx)
			return
		}
		next(ctx)
	}
}

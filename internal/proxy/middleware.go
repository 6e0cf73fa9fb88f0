package proxy

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

// middleware wraps a handler with cross-cutting behavior. chain composes a
// stack so the first middleware listed runs outermost.
type middleware func(fasthttp.RequestHandler) fasthttp.RequestHandler

func chain(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// recovery catches panics in any handler and returns a 500 without crashing
// the server process. The panic value is logged through the gateway's own
// logger rather than the process default.
func (g *Gateway) recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if rec := recover(); rec != nil {
				g.log.Error("handler_panic",
					slog.Any("panic", rec),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetContentType("application/json")
				ctx.SetBodyString(`{"error":{"message":"internal server error","type":"server_error","code":"internal_error"}}`)
			}
		}()
		next(ctx)
	}
}

// requestID ensures every request carries an X-Request-ID. A client-supplied
// ID is echoed back; otherwise a UUID v4 is minted. The ID lives in the
// request context under "request_id" for handlers and the audit log.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

// timing records the total handler duration in the X-Response-Time-ms
// response header.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		us := time.Since(start).Microseconds()
		ctx.Response.Header.Set("X-Response-Time-ms",
			strconv.FormatFloat(float64(us)/1000.0, 'f', 3, 64))
	}
}

// cors applies the gateway's CORS policy. An empty or ["*"] origin list
// allows every origin; anything else is a strict allowlist joined with ", ".
// OPTIONS preflights short-circuit with 204.
func (g *Gateway) cors(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(g.corsOrigins) > 0 && !(len(g.corsOrigins) == 1 && g.corsOrigins[0] == "*") {
		origin = strings.Join(g.corsOrigins, ", ")
	}
	return func(ctx *fasthttp.RequestCtx) {
		h := &ctx.Response.Header
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Api-Key, X-Request-ID")

		if string(ctx.Method()) == fasthttp.MethodOptions {
			ctx.SetStatusCode(fasthttp.StatusNoContent)
			return
		}
		next(ctx)
	}
}

// apiHeaders hardens every response for an API-only surface: no framing, no
// sniffing, nothing referrer-leaked, and a deny-everything CSP since no HTML
// is ever served.
func apiHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

// withIngressLimit applies the gateway-wide RPM ceiling before any
// credential work. A nil limiter makes this a passthrough.
func (g *Gateway) withIngressLimit(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if g.rpmLimiter == nil {
			next(ctx)
			return
		}
		allowed, err := g.rpmLimiter.Allow(ctx)
		if g.metrics != nil {
			switch {
			case err != nil:
				g.metrics.RecordRateLimit("error")
			case allowed:
				g.metrics.RecordRateLimit("allowed")
			default:
				g.metrics.RecordRateLimit("blocked")
			}
		}
		if err == nil && !allowed {
			g.log.Warn("ingress rate limit exceeded",
				slog.String("path", string(ctx.Path())))
			writeRateLimited(ctx)
			return
		}
		next(ctx)
	}
}

func writeRateLimited(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"error":{"message":"rate limit exceeded","type":"rate_limit_error","code":"rate_limit_exceeded"}}`)
}

// Package proxy is the HTTP serving shell of the gateway.
//
// Every chat-completion request flows auth gate → model router; the router
// owns cache lookups, circuit breakers, per-provider concurrency, and the
// fallback chain (see internal/router). This package frames requests and
// responses, carries the middleware chain, and hosts the admin surface.
//
// Key design constraints:
//   - Proxy overhead < 2 ms P50 (SLA). No blocking I/O on the hot path.
//   - Every optional collaborator (logger, limiter, metrics) is nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through; they are never cached.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/llm-gateway/internal/auth"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
	"github.com/nulpointcorp/llm-gateway/internal/router"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// ProviderTimeout is the per-provider HTTP request timeout.
	// Default: providers.ProviderTimeout (30s).
	ProviderTimeout time.Duration

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// DisableResponseCache forces cache.enabled=false on every routed
	// request regardless of what the caller asked for (CACHE_MODE=none).
	DisableResponseCache bool
}

// Gateway is the serving shell. All dependencies are injected via the
// constructor or Set* methods so they can be replaced with doubles in tests.
type Gateway struct {
	providers map[string]providers.Provider
	health    *HealthChecker
	baseCtx   context.Context
	log       *slog.Logger
	metrics   *metrics.Registry

	providerTimeout time.Duration
	cacheDisabled   bool

	// Optional collaborators — nil-safe when not configured.
	rpmLimiter      *ratelimit.RPMLimiter
	reqLogger       *logger.Logger
	cacheExclusions *ExclusionList

	// Auth Gate, Model Registry, and Model Router. When authGate is nil the
	// /v1 routes run unauthenticated (tests, trusted-network deployments);
	// when modelRouter is nil chat requests are rejected with 503.
	authGate       *auth.Gate
	authLimiter    *auth.RateLimiter
	authService    *auth.Service
	modelReg       *registry.Registry
	modelCatalogue registry.MutableCatalogueStore
	modelRouter    *router.Router

	// CORS allowed origins. Empty slice means allow all.
	corsOrigins []string
}

// NewGateway creates a Gateway with default settings.
func NewGateway(ctx context.Context, provs map[string]providers.Provider) *Gateway {
	return NewGatewayWithOptions(ctx, provs, nil, GatewayOptions{})
}

// NewGatewayWithOptions creates a fully configured Gateway. The optional
// probes feed the health checker alongside the per-provider probes.
func NewGatewayWithOptions(
	baseCtx context.Context,
	provs map[string]providers.Provider,
	probes *HealthProbes,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.ProviderTimeout
	}

	gw := &Gateway{
		providers:       provs,
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		providerTimeout: providerTimeout,
		cacheDisabled:   opts.DisableResponseCache,
	}

	if len(provs) > 0 {
		gw.health = NewHealthChecker(baseCtx, provs, probes, gw.metrics)
	}

	return gw
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetAuth wires the Auth Gate and its per-key rate limiter into the gateway.
// Once set, /v1/* routes require a valid API key and admin routes become
// available. svc may be nil if key minting/management is not needed (e.g. in
// a deployment where keys are provisioned out of band).
func (g *Gateway) SetAuth(gate *auth.Gate, limiter *auth.RateLimiter, svc *auth.Service) {
	g.authGate = gate
	g.authLimiter = limiter
	g.authService = svc
}

// SetModelRegistry wires the Model Registry used by admin model routes and
// request routing.
func (g *Gateway) SetModelRegistry(reg *registry.Registry) {
	g.modelReg = reg
}

// SetModelCatalogue wires the writable catalogue store behind the admin
// model CRUD routes. Mutations are followed by a registry refresh so the
// routing snapshot picks them up immediately.
func (g *Gateway) SetModelCatalogue(store registry.MutableCatalogueStore) {
	g.modelCatalogue = store
}

// SetModelRouter wires the registry-driven Model Router that serves chat
// requests.
func (g *Gateway) SetModelRouter(r *router.Router) {
	g.modelRouter = r
}

// SetRateLimiters injects the gateway-wide ingress RPM limiter. This is a
// coarse ceiling applied before any credential work; the per-key budget
// lives in the auth middleware.
func (g *Gateway) SetRateLimiters(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetLogger injects the async request logger (slog or ClickHouse sink).
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCacheExclusions injects the cache exclusion list. Requests whose model
// name matches any rule are never served from, or written to, the response
// cache.
func (g *Gateway) SetCacheExclusions(el *ExclusionList) {
	g.cacheExclusions = el
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	requestID, provider, model string,
	inputTokens, outputTokens int,
	latency time.Duration,
	status int,
	isCached bool,
) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	// Clamp to uint16 max so we don't overflow the field.
	latencyMs := uint16(latency.Milliseconds())
	if latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		Provider:     provider,
		Model:        model,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    latencyMs,
		Status:       uint16(status),
		Cached:       isCached,
		CreatedAt:    time.Now(),
	})
}

// handleProviderError maps provider errors to the appropriate HTTP response.
//
//	*providers.ProviderError                → passed through with remapping
//	context.DeadlineExceeded               → 504 Gateway Timeout
//	all other errors                       → 502 Bad Gateway
func handleProviderError(ctx *fasthttp.RequestCtx, err error) {
	var pe *providers.ProviderError
	if errors.As(err, &pe) {
		apierr.WriteProviderError(ctx, pe.StatusCode, pe.Message)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}

	apierr.Write(ctx, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
}

package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/kv"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
)

// maxAttemptsPerModel bounds same-model retries for retryable provider
// errors; the backoff between attempt n and n+1 is 2^n seconds.
const maxAttemptsPerModel = 3

// ModelResolver is the subset of *registry.Registry the router depends on,
// narrowed to ease testing with a fake catalogue.
type ModelResolver interface {
	Get(identifier string) (registry.ModelConfig, bool)
	FallbackChain(failedFullName string) []registry.ModelConfig
}

// AdapterResolver maps a provider name to its live Provider adapter.
type AdapterResolver interface {
	Resolve(provider string) (providers.Provider, bool)
}

// MapAdapterResolver is an AdapterResolver backed by a static map, matching
// how internal/proxy.Gateway already holds its providers.
type MapAdapterResolver map[string]providers.Provider

func (m MapAdapterResolver) Resolve(provider string) (providers.Provider, bool) {
	p, ok := m[provider]
	return p, ok
}

// Router is the model router: cache → registry resolve → circuit breaker →
// semaphore → adapter call → fallback → cache write-through.
type Router struct {
	registry        ModelResolver
	adapters        AdapterResolver
	kvStore         kv.Store
	cb              *circuitBreakers
	sem             *providerSemaphores
	log             *slog.Logger
	metrics         *metrics.Registry
	sleep           func(time.Duration)
	maxAttempts     int
	defaultCacheTTL time.Duration
}

// SetMetrics wires a metrics sink. Nil-safe when never called.
func (r *Router) SetMetrics(m *metrics.Registry) { r.metrics = m }

// SetBreakerPolicy overrides the per-provider breaker thresholds. Applies to
// breakers created after the call, so configure before serving traffic.
func (r *Router) SetBreakerPolicy(failureThreshold int, resetTimeout time.Duration) {
	r.cb.setPolicy(failureThreshold, resetTimeout)
}

// SetMaxAttempts overrides the per-model retry budget (default 3, counting
// the first attempt).
func (r *Router) SetMaxAttempts(n int) {
	if n >= 1 {
		r.maxAttempts = n
	}
}

// SetDefaultCacheTTL overrides the write-through TTL used when a request
// enables caching without naming one (default 5m).
func (r *Router) SetDefaultCacheTTL(d time.Duration) {
	if d > 0 {
		r.defaultCacheTTL = d
	}
}

// New creates a Router. perProviderConcurrency overrides the default
// per-provider concurrency limit (100) for named providers; pass nil to use
// the default everywhere.
func New(reg ModelResolver, adapters AdapterResolver, kvStore kv.Store, perProviderConcurrency map[string]int, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		registry:    reg,
		adapters:    adapters,
		kvStore:     kvStore,
		cb:          newCircuitBreakers(),
		sem:         newProviderSemaphores(perProviderConcurrency),
		log:         log,
		sleep:       time.Sleep,
		maxAttempts: maxAttemptsPerModel,
	}
}

// Route resolves req to a provider and dispatches it, honoring the response
// cache, fallback chain, circuit breakers, and per-provider concurrency
// limits. For streaming requests it returns as soon as a healthy candidate
// is chosen, without calling the adapter — the caller is expected to drive
// the stream itself once it has the Decision.
func (r *Router) Route(
	ctx context.Context,
	req *providers.ProxyRequest,
	cache CacheOptions,
	fallback FallbackOptions,
	meta RequestMetadata,
	streaming bool,
) (Decision, *providers.ProxyResponse, *CachedPayload, error) {
	var cacheKey string
	if cache.Enabled && !streaming {
		cacheKey = BuildCacheKey(req, meta)
		if cached, ok := r.getCache(ctx, cacheKey); ok {
			if r.metrics != nil {
				r.metrics.RecordRouterCacheLookup(true)
			}
			return Decision{
				Provider:      cached.Provider,
				ProviderModel: cached.Model,
				LogicalModel:  req.Model,
				FromCache:     true,
			}, nil, cached, nil
		}
		if r.metrics != nil {
			r.metrics.RecordRouterCacheLookup(false)
		}
	}

	cfg, ok := r.registry.Get(req.Model)
	if !ok {
		return Decision{}, nil, nil, newModelNotFoundError(req.Model)
	}

	chain := buildChain(cfg, fallback, r.registry)

	restNames := func(i int) []string {
		names := make([]string, 0, len(chain)-i-1)
		for _, m := range chain[i+1:] {
			names = append(names, m.ModelName)
		}
		return names
	}

	var tried []string
	var lastErr error

	for i, model := range chain {
		tried = append(tried, model.ModelName)

		adapter, ok := r.adapters.Resolve(model.Provider)
		if !ok {
			continue
		}

		cb := r.cb.forProvider(model.Provider)
		if !cb.allowRequest() {
			if r.metrics != nil {
				r.metrics.RecordRouterCircuitSkip(model.Provider)
			}
			continue
		}

		if err := r.sem.acquire(ctx, model.Provider); err != nil {
			return Decision{}, nil, nil, fmt.Errorf("router: acquire semaphore for %s: %w", model.Provider, err)
		}

		if streaming {
			// The permit stays held: the streaming call is the longest-lived
			// upstream work in the system and must count against the
			// per-provider limit. The caller releases it via
			// Decision.ReleaseStreamPermit when the stream ends.
			provider := model.Provider
			return Decision{
				Provider:      provider,
				ProviderModel: model.ModelName,
				LogicalModel:  req.Model,
				FromCache:     false,
				FallbackChain: restNames(i),
				release:       func() { r.sem.release(provider) },
			}, nil, nil, nil
		}

		adjusted := *req
		adjusted.Model = model.ModelName
		resp, err := r.callWithRetry(ctx, adapter, &adjusted, model.Provider)
		r.sem.release(model.Provider)

		if err != nil {
			lastErr = err
			cb.onFailure()
			if r.metrics != nil {
				r.metrics.SetCircuitBreaker(model.Provider, cb.stateCode())
			}
			if !shouldAdvance(err) {
				break
			}
			if r.metrics != nil {
				r.metrics.RecordRouterFallback(model.Provider)
			}
			continue
		}

		cb.onSuccess()
		if r.metrics != nil {
			r.metrics.SetCircuitBreaker(model.Provider, cb.stateCode())
		}
		decision := Decision{
			Provider:      model.Provider,
			ProviderModel: model.ModelName,
			LogicalModel:  req.Model,
			FromCache:     false,
			FallbackChain: restNames(i),
		}

		if cacheKey != "" {
			r.setCache(ctx, cacheKey, model.Provider, resp, cache.TTLSeconds)
		}

		return decision, resp, nil, nil
	}

	r.log.Error("all provider candidates failed",
		"tried_models", tried, "user_id", meta.UserID, "org_id", meta.OrgID,
		"api_key_id", meta.APIKeyID, "request_id", meta.RequestID, "error", lastErr)

	return Decision{}, nil, nil, &allFailedError{tried: tried, last: lastErr}
}

// buildChain assembles the candidate list: the primary first, then — when
// fallback is enabled — the registry's same-provider chain intersected with
// the caller's allow-list. A non-nil empty allow-list disables fallback
// outright; a nil one means "no restriction". Duplicates are removed keeping
// the first occurrence.
func buildChain(primary registry.ModelConfig, fallback FallbackOptions, reg ModelResolver) []registry.ModelConfig {
	chain := []registry.ModelConfig{primary}
	if !fallback.Enabled || (fallback.Models != nil && len(fallback.Models) == 0) {
		return chain
	}

	var allow map[string]bool
	if fallback.Models != nil {
		allow = make(map[string]bool, len(fallback.Models))
		for _, m := range fallback.Models {
			allow[m] = true
		}
	}

	seen := map[string]bool{primary.FullName(): true}
	for _, m := range reg.FallbackChain(primary.FullName()) {
		if seen[m.FullName()] {
			continue
		}
		if allow != nil && !allow[m.ModelName] {
			continue
		}
		seen[m.FullName()] = true
		chain = append(chain, m)
	}
	return chain
}

// callWithRetry invokes the adapter, retrying the same model with
// exponential backoff while the error stays retryable. The circuit breaker
// counts the whole exchange as one failure; per-attempt accounting would
// open it on a single slow request.
func (r *Router) callWithRetry(ctx context.Context, adapter providers.Provider, req *providers.ProxyRequest, provider string) (*providers.ProxyResponse, error) {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			if r.metrics != nil {
				r.metrics.RecordRouterRetry(provider)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			r.sleep(time.Duration(1<<(attempt-1)) * time.Second)
		}

		start := time.Now()
		resp, err := adapter.Request(ctx, req)
		if r.metrics != nil {
			r.metrics.ObserveUpstreamAttempt(provider, "chat_completions", attemptOutcome(err), time.Since(start))
		}
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if r.metrics != nil {
			r.metrics.RecordError(provider, attemptOutcome(err))
		}

		pe, ok := err.(*providers.ProviderError)
		if !ok || !pe.Retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

// attemptOutcome converts an adapter result into a short label for metrics.
func attemptOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		if sc, ok := err.(providers.StatusCoder); ok {
			return fmt.Sprintf("http_%d", sc.HTTPStatus())
		}
		return "error"
	}
}

// shouldAdvance reports whether the router may try the next chain candidate
// after err. Client errors with fallback=false abort the chain; retryable
// errors whose retries are exhausted always advance; a dead context never
// advances.
func shouldAdvance(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if pe, ok := err.(*providers.ProviderError); ok {
		return pe.Fallback || pe.Retryable
	}
	return true
}

func (r *Router) getCache(ctx context.Context, key string) (*CachedPayload, bool) {
	if r.kvStore == nil {
		return nil, false
	}
	raw, ok, err := r.kvStore.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var payload CachedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, false
	}
	return &payload, true
}

func (r *Router) setCache(ctx context.Context, key, provider string, resp *providers.ProxyResponse, ttlSeconds int) {
	if r.kvStore == nil {
		return
	}
	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	payload := CachedPayload{Provider: provider, Model: resp.Model, Content: resp.Content, FinishReason: finish}
	payload.Usage.PromptTokens = resp.Usage.InputTokens
	payload.Usage.CompletionTokens = resp.Usage.OutputTokens

	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	if ttl <= 0 {
		ttl = r.defaultCacheTTL
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if err := r.kvStore.Set(ctx, key, raw, ttl); err != nil {
		// A failed write-through never fails the request.
		r.log.Warn("response cache write failed", "error", err)
		if r.metrics != nil {
			r.metrics.CacheSetError()
		}
		return
	}
	if r.metrics != nil {
		r.metrics.CacheSetOK()
	}
}

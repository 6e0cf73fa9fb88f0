package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nulpointcorp/llm-gateway/internal/auth"
	"github.com/nulpointcorp/llm-gateway/internal/kv"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
	"github.com/nulpointcorp/llm-gateway/internal/router"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis; the literal URL "memory://"
// keeps everything in-process even in redis mode.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" && a.cfg.Redis.URL != "memory://" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.Auth.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, a.cfg.Auth.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.pgPool = pool
		a.log.Info("postgres pool ready")
	}

	return nil
}

// initProviders builds the LLM provider map. At least one provider must be
// configured — this is enforced by config.Load's validation before we reach here.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the metrics registry, the shared KV store, and the
// async request logger.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	// Shared KV store: Redis when connected, in-process otherwise. Backs the
	// auth cache, per-key rate limiting, the registry mirror, and the
	// router's response cache. CACHE_MODE=none keeps the KV store (auth and
	// rate limiting still need it) but disables response caching at the
	// gateway.
	if a.rdb != nil {
		a.kvStore = kv.NewRedisStore(a.rdb)
		a.log.Info("kv store: redis")
	} else {
		a.kvStore = kv.NewMemoryStore()
		a.log.Info("kv store: in-process")
	}

	// Async request logger. Default sink is slog; ClickHouse takes over when
	// an address is configured.
	var sink logger.Sink
	if len(a.cfg.ClickHouse.Addr) > 0 {
		chSink, err := logger.NewClickHouseSink(ctx, logger.ClickHouseConfig{
			Addr:     a.cfg.ClickHouse.Addr,
			Database: a.cfg.ClickHouse.Database,
			Username: a.cfg.ClickHouse.Username,
			Password: a.cfg.ClickHouse.Password,
		})
		if err != nil {
			return fmt.Errorf("clickhouse sink: %w", err)
		}
		a.chSink = chSink
		sink = chSink
		a.log.Info("request audit sink: clickhouse")
	}
	reqLogger, err := logger.NewWithSink(ctx, a.log, sink)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initRouting builds the Auth Gate, Model Registry, and Model Router on top
// of the stores selected by configuration: Postgres-backed when a database
// URL is present, in-process otherwise.
func (a *App) initRouting(ctx context.Context) error {
	var credStore auth.CredentialStore
	if a.pgPool != nil {
		credStore = auth.NewPostgresCredentialStore(a.pgPool)
		a.catalogue = registry.NewPostgresCatalogueStore(a.pgPool)
		a.log.Info("credential and catalogue stores: postgres")
	} else {
		credStore = auth.NewMemoryCredentialStore()
		a.catalogue = registry.NewMemoryCatalogueStore(registry.DefaultSeedModels())
		a.log.Info("credential and catalogue stores: in-process")
	}

	a.authGate = auth.NewGate(credStore, a.kvStore)
	a.authLimiter = auth.NewRateLimiter(a.kvStore, auth.KeyMode(a.cfg.Auth.RateLimitKeyMode))
	a.authSvc = auth.NewService(credStore, a.cfg.Auth.KeyPrefix, a.cfg.Auth.BcryptCost)

	a.modelReg = registry.New(a.catalogue, a.kvStore, a.cfg.ModelRegistry.RefreshInterval, a.log)
	a.modelReg.SetMetrics(a.prom)
	if err := a.modelReg.Start(ctx); err != nil {
		// Non-fatal: the registry serves an empty snapshot and keeps trying
		// on its interval. Requests resolve to model-not-found until then.
		a.log.Warn("model registry cold start failed", slog.String("error", err.Error()))
	}

	concurrency := map[string]int{
		"openai":    a.cfg.OpenAI.MaxConcurrent,
		"anthropic": a.cfg.Anthropic.MaxConcurrent,
		"gemini":    a.cfg.Gemini.MaxConcurrent,
	}
	a.modelRtr = router.New(a.modelReg, router.MapAdapterResolver(a.provs), a.kvStore, concurrency, a.log)
	a.modelRtr.SetMetrics(a.prom)
	a.modelRtr.SetBreakerPolicy(a.cfg.CircuitBreaker.ErrorThreshold, a.cfg.CircuitBreaker.ResetTimeout)
	a.modelRtr.SetMaxAttempts(a.cfg.Failover.MaxRetries)
	a.modelRtr.SetDefaultCacheTTL(a.cfg.Cache.TTL)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	probes := &proxy.HealthProbes{}
	if a.rdb != nil {
		probes.KV = redisPinger(a.baseCtx, a.rdb)
	}
	if a.pgPool != nil {
		probes.DB = pgPinger(a.baseCtx, a.pgPool)
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, probes, proxy.GatewayOptions{
		Logger:               a.log,
		ProviderTimeout:      a.cfg.Failover.ProviderTimeout,
		Metrics:              a.prom,
		DisableResponseCache: a.cfg.Cache.Mode == "none",
	})

	// Global ingress rate limiting — only when Redis is available. The
	// per-key limiter below is independent of this coarse ceiling.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// Auth Gate, per-key rate limiter, and key management.
	gw.SetAuth(a.authGate, a.authLimiter, a.authSvc)

	// Model registry, admin catalogue, and the registry-driven router.
	gw.SetModelRegistry(a.modelReg)
	gw.SetModelCatalogue(a.catalogue)
	gw.SetModelRouter(a.modelRtr)

	// Async request audit logger (slog by default, ClickHouse when configured).
	gw.SetLogger(a.reqLogger)

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := proxy.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// pgPinger returns a zero-argument probe for the Postgres pool, mirroring
// redisPinger in app.go.
func pgPinger(ctx context.Context, pool *pgxpool.Pool) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return pool.Ping(pingCtx) == nil
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}

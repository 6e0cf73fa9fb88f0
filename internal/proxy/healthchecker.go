package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second
)

// HealthProbes bundles the readiness probes for the gateway's backing
// services. Nil fields read as "not configured", which counts as healthy.
type HealthProbes struct {
	// KV reports whether the shared key/value store answers.
	KV func() bool
	// DB reports whether the credential/catalogue database answers.
	DB func() bool
}

// probeReport is one full probe cycle's results, swapped in atomically under
// the checker's mutex so /health never sees a half-written cycle.
type probeReport struct {
	takenAt   time.Time
	providers map[string]bool
	kvOK      bool
	dbOK      bool
}

// HealthChecker probes every provider adapter plus the KV store and database
// on a fixed interval and serves the latest complete report.
type HealthChecker struct {
	providers map[string]providers.Provider
	probes    HealthProbes
	baseCtx   context.Context
	metrics   *metrics.Registry

	mu     sync.RWMutex
	latest probeReport

	startedAt time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker, runs one synchronous probe cycle
// so the first /health call has data, and starts the background loop.
func NewHealthChecker(
	ctx context.Context,
	provs map[string]providers.Provider,
	probes *HealthProbes,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		providers: provs,
		baseCtx:   ctx,
		metrics:   met,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	if probes != nil {
		hc.probes = *probes
	}

	hc.runCycle()

	hc.wg.Add(1)
	go hc.loop()
	return hc
}

// HealthSnapshot is the JSON shape served by GET /health.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	KV            string            `json:"kv"`
	Database      string            `json:"database"`
	LastProbe     time.Time         `json:"last_probe"`
}

// Snapshot renders the latest probe cycle. Overall status is degraded as
// soon as any provider or the database is failing; the KV store alone only
// degrades caching, not serving.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	hc.mu.RLock()
	rep := hc.latest
	hc.mu.RUnlock()

	overall := "ok"
	provs := make(map[string]string, len(rep.providers))
	for name, ok := range rep.providers {
		if ok {
			provs[name] = "ok"
		} else {
			provs[name] = "degraded"
			overall = "degraded"
		}
	}
	kv := "ok"
	if !rep.kvOK {
		kv = "degraded"
	}
	db := "ok"
	if !rep.dbOK {
		db = "down"
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startedAt).Seconds()),
		Providers:     provs,
		KV:            kv,
		Database:      db,
		LastProbe:     rep.takenAt,
	}
}

// ReadinessOK reports whether the gateway should accept traffic: the
// database (when configured) must answer. Used by GET /readiness.
func (hc *HealthChecker) ReadinessOK() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.latest.dbOK
}

// Close stops the background probe loop.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) loop() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.runCycle()
		case <-hc.done:
			return
		}
	}
}

// runCycle probes every component in parallel and swaps in the full report
// once all probes resolve.
func (hc *HealthChecker) runCycle() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	rep := probeReport{
		takenAt:   time.Now(),
		providers: make(map[string]bool, len(hc.providers)),
		kvOK:      true,
		dbOK:      true,
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for name, prov := range hc.providers {
		wg.Add(1)
		go func(name string, prov providers.Provider) {
			defer wg.Done()
			ok := prov.HealthCheck(ctx) == nil
			mu.Lock()
			rep.providers[name] = ok
			mu.Unlock()
			if hc.metrics != nil {
				hc.metrics.SetProviderHealth(name, ok)
			}
		}(name, prov)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.probes.KV != nil {
			ok := hc.probes.KV()
			mu.Lock()
			rep.kvOK = ok
			mu.Unlock()
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.probes.DB != nil {
			ok := hc.probes.DB()
			mu.Lock()
			rep.dbOK = ok
			mu.Unlock()
		}
	}()
	wg.Wait()

	hc.mu.Lock()
	hc.latest = rep
	hc.mu.Unlock()
}

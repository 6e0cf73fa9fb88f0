package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/kv"
)

const (
	hashActive             = "lkg:models:active"
	hashAliases            = "lkg:models:aliases"
	capabilitySetPrefix    = "lkg:models:capability:"
	defaultRefreshInterval = 60 * time.Second
)

// wireModelConfig is the JSON-mirrored shape of a ModelConfig, used for the
// KV hash mirror.
type wireModelConfig struct {
	ID              string   `json:"id"`
	Provider        string   `json:"provider"`
	ModelName       string   `json:"model_name"`
	DisplayName     string   `json:"display_name"`
	ContextWindow   int      `json:"context_window"`
	MaxOutputTokens int      `json:"max_output_tokens"`
	Capabilities    []string `json:"capabilities"`
	CostPer1kInput  float64  `json:"cost_per_1k_input"`
	CostPer1kOutput float64  `json:"cost_per_1k_output"`
	IsActive        bool     `json:"is_active"`
	Priority        int      `json:"priority"`
}

// snapshot is the registry's in-process view, swapped atomically on refresh.
type snapshot struct {
	byFullName   map[string]ModelConfig
	aliases      map[string]string // bare model name or display name -> full name
	byCapability map[Capability][]string
	ordered      []ModelConfig // sorted by priority descending, ties by provider ascending
}

// Registry is the Model Registry: an in-process snapshot of the active model
// catalogue, refreshed on a timer from a CatalogueStore and mirrored into a
// KV store so other gateway processes can resolve models without a database
// round trip.
type Registry struct {
	store           CatalogueStore
	kv              kv.Store
	refreshInterval time.Duration
	log             *slog.Logger

	current atomic.Pointer[snapshot]

	mu      sync.Mutex // guards stopCh/stopped so the loop starts and stops once
	stopCh  chan struct{}
	stopped bool

	metrics RefreshObserver
}

// RefreshObserver receives the outcome of each refresh attempt. Satisfied by
// *metrics.Registry; nil-safe when never set.
type RefreshObserver interface {
	RecordRegistryRefresh(outcome string)
	SetRegistryModels(count int)
}

// SetMetrics wires a metrics sink for refresh outcomes. Must be called before
// Start.
func (r *Registry) SetMetrics(m RefreshObserver) { r.metrics = m }

// New creates a Registry. refreshInterval defaults to 60s when zero.
func New(store CatalogueStore, kvStore kv.Store, refreshInterval time.Duration, log *slog.Logger) *Registry {
	if refreshInterval <= 0 {
		refreshInterval = defaultRefreshInterval
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{store: store, kv: kvStore, refreshInterval: refreshInterval, log: log}
	r.current.Store(&snapshot{
		byFullName:   map[string]ModelConfig{},
		aliases:      map[string]string{},
		byCapability: map[Capability][]string{},
	})
	return r
}

// Start performs an initial synchronous refresh and then launches the
// background refresh loop. A failed initial refresh does not prevent the
// loop from starting — the registry serves an empty snapshot (callers see
// model-not-found) until a later tick succeeds. The initial error is
// returned so callers can log it.
func (r *Registry) Start(ctx context.Context) error {
	err := r.Refresh(ctx)
	if err != nil {
		r.log.Error("initial model registry refresh failed, serving empty snapshot", "error", err)
	}
	r.mu.Lock()
	if r.stopCh == nil {
		r.stopCh = make(chan struct{})
		go r.refreshLoop()
	}
	r.mu.Unlock()
	return err
}

// Stop halts the background refresh loop. Safe to call more than once.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.stopCh == nil {
		return
	}
	close(r.stopCh)
	r.stopped = true
}

func (r *Registry) refreshLoop() {
	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.Refresh(context.Background()); err != nil {
				r.log.Error("model registry refresh failed", "error", err)
			}
		}
	}
}

// Refresh re-queries the catalogue store, swaps the in-process snapshot, and
// mirrors the new state into the KV store. A store that returns zero models
// is treated as a transient failure and does not clear the existing
// snapshot.
func (r *Registry) Refresh(ctx context.Context) error {
	models, err := r.store.ListActive(ctx)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordRegistryRefresh("error")
		}
		return fmt.Errorf("registry: refresh: %w", err)
	}
	if len(models) == 0 {
		r.log.Warn("model registry refresh returned no active models, keeping previous snapshot")
		if r.metrics != nil {
			r.metrics.RecordRegistryRefresh("empty")
		}
		return nil
	}

	snap := buildSnapshot(models)
	r.current.Store(snap)
	if r.metrics != nil {
		r.metrics.RecordRegistryRefresh("success")
		r.metrics.SetRegistryModels(len(models))
	}

	if r.kv != nil {
		if err := r.mirror(ctx, snap); err != nil {
			r.log.Error("model registry KV mirror failed", "error", err)
		}
	}
	r.log.Info("model registry refreshed", "count", len(models))
	return nil
}

func buildSnapshot(models []ModelConfig) *snapshot {
	snap := &snapshot{
		byFullName:   make(map[string]ModelConfig, len(models)),
		aliases:      make(map[string]string, len(models)),
		byCapability: make(map[Capability][]string),
		ordered:      make([]ModelConfig, len(models)),
	}
	copy(snap.ordered, models)
	sort.Slice(snap.ordered, func(i, j int) bool {
		if snap.ordered[i].Priority != snap.ordered[j].Priority {
			return snap.ordered[i].Priority > snap.ordered[j].Priority
		}
		return snap.ordered[i].Provider < snap.ordered[j].Provider
	})

	// Alias indexing walks the ordered slice so that when two providers expose
	// the same bare model name the higher-priority entry wins the alias —
	// resolution stays deterministic across refreshes.
	for _, m := range snap.ordered {
		full := m.FullName()
		snap.byFullName[full] = m
		if _, taken := snap.aliases[m.ModelName]; !taken {
			snap.aliases[m.ModelName] = full
		}
		if m.DisplayName != "" {
			if _, taken := snap.aliases[m.DisplayName]; !taken {
				snap.aliases[m.DisplayName] = full
			}
		}
		for _, cap := range m.Capabilities {
			snap.byCapability[cap] = append(snap.byCapability[cap], full)
		}
	}
	return snap
}

func (r *Registry) mirror(ctx context.Context, snap *snapshot) error {
	activeFields := make(map[string][]byte, len(snap.byFullName))
	for full, m := range snap.byFullName {
		payload, err := json.Marshal(toWire(m))
		if err != nil {
			return fmt.Errorf("registry: encode %s: %w", full, err)
		}
		activeFields[full] = payload
	}
	aliasFields := make(map[string][]byte, len(snap.aliases))
	for alias, full := range snap.aliases {
		aliasFields[alias] = []byte(full)
	}

	if err := r.kv.RewriteHash(ctx, hashActive, activeFields); err != nil {
		return fmt.Errorf("registry: mirror active: %w", err)
	}
	if err := r.kv.RewriteHash(ctx, hashAliases, aliasFields); err != nil {
		return fmt.Errorf("registry: mirror aliases: %w", err)
	}
	for cap, members := range snap.byCapability {
		if err := r.kv.RewriteSet(ctx, capabilitySetPrefix+string(cap), members); err != nil {
			return fmt.Errorf("registry: mirror capability %s: %w", cap, err)
		}
	}
	return nil
}

func toWire(m ModelConfig) wireModelConfig {
	caps := make([]string, len(m.Capabilities))
	for i, c := range m.Capabilities {
		caps[i] = string(c)
	}
	return wireModelConfig{
		ID: m.ID, Provider: m.Provider, ModelName: m.ModelName, DisplayName: m.DisplayName,
		ContextWindow: m.ContextWindow, MaxOutputTokens: m.MaxOutputTokens, Capabilities: caps,
		CostPer1kInput: m.CostPer1kInput, CostPer1kOutput: m.CostPer1kOutput,
		IsActive: m.IsActive, Priority: m.Priority,
	}
}

// Get resolves a model identifier — canonical "provider:model_name", bare
// model name, or display name — against the current snapshot.
func (r *Registry) Get(identifier string) (ModelConfig, bool) {
	snap := r.current.Load()
	if m, ok := snap.byFullName[identifier]; ok {
		return m, true
	}
	if full, ok := snap.aliases[identifier]; ok {
		if m, ok := snap.byFullName[full]; ok {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// List returns every active model, optionally filtered by provider and/or
// capability, sorted by priority descending with ties broken by provider
// ascending.
func (r *Registry) List(provider string, capability Capability) []ModelConfig {
	snap := r.current.Load()

	var candidates []ModelConfig
	if capability != "" {
		names := snap.byCapability[capability]
		candidates = make([]ModelConfig, 0, len(names))
		for _, full := range names {
			if m, ok := snap.byFullName[full]; ok {
				candidates = append(candidates, m)
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority > candidates[j].Priority
			}
			return candidates[i].Provider < candidates[j].Provider
		})
	} else {
		candidates = snap.ordered
	}

	if provider == "" {
		out := make([]ModelConfig, len(candidates))
		copy(out, candidates)
		return out
	}
	out := make([]ModelConfig, 0, len(candidates))
	for _, m := range candidates {
		if m.Provider == provider {
			out = append(out, m)
		}
	}
	return out
}

// FallbackChain returns the active models sharing failedFullName's provider,
// excluding the failed entry itself, ordered by priority descending. Callers
// may narrow the chain further with their own allow-list.
func (r *Registry) FallbackChain(failedFullName string) []ModelConfig {
	failed, ok := r.Get(failedFullName)
	if !ok {
		return nil
	}
	same := r.List(failed.Provider, "")
	out := make([]ModelConfig, 0, len(same))
	for _, m := range same {
		if m.FullName() != failedFullName {
			out = append(out, m)
		}
	}
	return out
}

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CatalogueStore is the source of truth the registry refreshes from; every
// active row is re-queried on each tick.
type CatalogueStore interface {
	ListActive(ctx context.Context) ([]ModelConfig, error)
}

// MutableCatalogueStore extends CatalogueStore with the write operations the
// admin surface needs. Callers trigger a registry Refresh after any mutation;
// the registry itself never writes to the catalogue.
type MutableCatalogueStore interface {
	CatalogueStore
	GetByID(ctx context.Context, id string) (ModelConfig, error)
	Save(ctx context.Context, m ModelConfig) error
	Deactivate(ctx context.Context, id string) error
}

// ErrModelNotFound is returned by MutableCatalogueStore implementations when
// no row matches the given id.
var ErrModelNotFound = fmt.Errorf("registry: model not found")

// PostgresCatalogueStore reads the model catalogue from Postgres. Schema
// (conceptually):
//
//	CREATE TABLE model_configs (
//	  id TEXT PRIMARY KEY, provider TEXT, model_name TEXT, display_name TEXT,
//	  context_window INT, max_output_tokens INT, capabilities JSONB,
//	  cost_per_1k_input NUMERIC, cost_per_1k_output NUMERIC,
//	  is_active BOOL, priority INT, created_at TIMESTAMPTZ, updated_at TIMESTAMPTZ
//	);
type PostgresCatalogueStore struct {
	pool *pgxpool.Pool
}

// NewPostgresCatalogueStore wraps an already-connected pool.
func NewPostgresCatalogueStore(pool *pgxpool.Pool) *PostgresCatalogueStore {
	return &PostgresCatalogueStore{pool: pool}
}

func (s *PostgresCatalogueStore) ListActive(ctx context.Context) ([]ModelConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, provider, model_name, display_name, context_window, max_output_tokens,
		       capabilities, cost_per_1k_input, cost_per_1k_output, is_active, priority,
		       created_at, updated_at
		FROM model_configs WHERE is_active = true`)
	if err != nil {
		return nil, fmt.Errorf("registry: list active: %w", err)
	}
	defer rows.Close()

	var out []ModelConfig
	for rows.Next() {
		var m ModelConfig
		var capsRaw []byte
		if err := rows.Scan(
			&m.ID, &m.Provider, &m.ModelName, &m.DisplayName, &m.ContextWindow, &m.MaxOutputTokens,
			&capsRaw, &m.CostPer1kInput, &m.CostPer1kOutput, &m.IsActive, &m.Priority,
			&m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("registry: scan row: %w", err)
		}
		var caps []string
		if len(capsRaw) > 0 {
			if err := json.Unmarshal(capsRaw, &caps); err != nil {
				return nil, fmt.Errorf("registry: decode capabilities: %w", err)
			}
		}
		for _, c := range caps {
			m.Capabilities = append(m.Capabilities, Capability(c))
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresCatalogueStore) GetByID(ctx context.Context, id string) (ModelConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, provider, model_name, display_name, context_window, max_output_tokens,
		       capabilities, cost_per_1k_input, cost_per_1k_output, is_active, priority,
		       created_at, updated_at
		FROM model_configs WHERE id = $1`, id)
	if err != nil {
		return ModelConfig{}, fmt.Errorf("registry: get model: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return ModelConfig{}, ErrModelNotFound
	}
	var m ModelConfig
	var capsRaw []byte
	if err := rows.Scan(
		&m.ID, &m.Provider, &m.ModelName, &m.DisplayName, &m.ContextWindow, &m.MaxOutputTokens,
		&capsRaw, &m.CostPer1kInput, &m.CostPer1kOutput, &m.IsActive, &m.Priority,
		&m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return ModelConfig{}, fmt.Errorf("registry: scan model: %w", err)
	}
	var caps []string
	if len(capsRaw) > 0 {
		if err := json.Unmarshal(capsRaw, &caps); err != nil {
			return ModelConfig{}, fmt.Errorf("registry: decode capabilities: %w", err)
		}
	}
	for _, c := range caps {
		m.Capabilities = append(m.Capabilities, Capability(c))
	}
	return m, nil
}

func (s *PostgresCatalogueStore) Save(ctx context.Context, m ModelConfig) error {
	caps := make([]string, len(m.Capabilities))
	for i, c := range m.Capabilities {
		caps[i] = string(c)
	}
	capsRaw, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("registry: encode capabilities: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO model_configs (id, provider, model_name, display_name, context_window,
		                            max_output_tokens, capabilities, cost_per_1k_input,
		                            cost_per_1k_output, is_active, priority, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
		  display_name=$4, context_window=$5, max_output_tokens=$6, capabilities=$7,
		  cost_per_1k_input=$8, cost_per_1k_output=$9, is_active=$10, priority=$11, updated_at=$13`,
		m.ID, m.Provider, m.ModelName, m.DisplayName, m.ContextWindow,
		m.MaxOutputTokens, capsRaw, m.CostPer1kInput,
		m.CostPer1kOutput, m.IsActive, m.Priority, m.CreatedAt, m.UpdatedAt,
	)
	return err
}

func (s *PostgresCatalogueStore) Deactivate(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE model_configs SET is_active=false, updated_at=now() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrModelNotFound
	}
	return nil
}

// MemoryCatalogueStore is an in-process MutableCatalogueStore used when no
// database_url is configured: the admin surface mutates it directly and the
// registry refreshes from it like any other backing.
type MemoryCatalogueStore struct {
	mu   sync.RWMutex
	byID map[string]ModelConfig
}

// NewMemoryCatalogueStore creates a MemoryCatalogueStore seeded with models.
func NewMemoryCatalogueStore(models []ModelConfig) *MemoryCatalogueStore {
	s := &MemoryCatalogueStore{byID: make(map[string]ModelConfig, len(models))}
	for _, m := range models {
		s.byID[m.ID] = m
	}
	return s
}

func (s *MemoryCatalogueStore) ListActive(_ context.Context) ([]ModelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ModelConfig, 0, len(s.byID))
	for _, m := range s.byID {
		if m.IsActive {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Provider < out[j].Provider
	})
	return out, nil
}

func (s *MemoryCatalogueStore) GetByID(_ context.Context, id string) (ModelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return ModelConfig{}, ErrModelNotFound
	}
	return m, nil
}

func (s *MemoryCatalogueStore) Save(_ context.Context, m ModelConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[m.ID] = m
	return nil
}

func (s *MemoryCatalogueStore) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return ErrModelNotFound
	}
	m.IsActive = false
	m.UpdatedAt = time.Now()
	s.byID[id] = m
	return nil
}

// StaticCatalogueStore is a fixed, in-process CatalogueStore used in tests.
// It never changes across refreshes. (With no database_url configured the
// app uses a MemoryCatalogueStore seeded with DefaultSeedModels.)
type StaticCatalogueStore struct {
	models []ModelConfig
}

// NewStaticCatalogueStore creates a StaticCatalogueStore sorted by priority
// descending, ties by provider ascending, matching the registry's own
// ordering.
func NewStaticCatalogueStore(models []ModelConfig) *StaticCatalogueStore {
	cp := make([]ModelConfig, len(models))
	copy(cp, models)
	sort.Slice(cp, func(i, j int) bool {
		if cp[i].Priority != cp[j].Priority {
			return cp[i].Priority > cp[j].Priority
		}
		return cp[i].Provider < cp[j].Provider
	})
	return &StaticCatalogueStore{models: cp}
}

func (s *StaticCatalogueStore) ListActive(_ context.Context) ([]ModelConfig, error) {
	out := make([]ModelConfig, 0, len(s.models))
	for _, m := range s.models {
		if m.IsActive {
			out = append(out, m)
		}
	}
	return out, nil
}

// DefaultSeedModels is a small catalogue covering the gateway's built-in
// providers, used when no external catalogue store is configured.
func DefaultSeedModels() []ModelConfig {
	now := time.Now()
	return []ModelConfig{
		{
			ID: "seed-openai-gpt4o", Provider: "openai", ModelName: "gpt-4o", DisplayName: "GPT-4o",
			ContextWindow: 128000, MaxOutputTokens: 16384,
			Capabilities: []Capability{CapabilityStreaming, CapabilityTools, CapabilityVision, CapabilityJSONMode},
			IsActive:     true, Priority: 10, CreatedAt: now, UpdatedAt: now,
		},
		{
			ID: "seed-anthropic-sonnet", Provider: "anthropic", ModelName: "claude-sonnet-4", DisplayName: "Claude Sonnet 4",
			ContextWindow: 200000, MaxOutputTokens: 8192,
			Capabilities: []Capability{CapabilityStreaming, CapabilityTools, CapabilityLongContext},
			IsActive:     true, Priority: 5, CreatedAt: now, UpdatedAt: now,
		},
		{
			ID: "seed-google-gemini", Provider: "gemini", ModelName: "gemini-2.5-pro", DisplayName: "Gemini 2.5 Pro",
			ContextWindow: 1000000, MaxOutputTokens: 8192,
			Capabilities: []Capability{CapabilityStreaming, CapabilityTools, CapabilityVision, CapabilityLongContext},
			IsActive:     true, Priority: 1, CreatedAt: now, UpdatedAt: now,
		},
	}
}

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/kv"
)

func testModels() []ModelConfig {
	return []ModelConfig{
		{ID: "1", Provider: "openai", ModelName: "gpt-4o", DisplayName: "GPT-4o", Capabilities: []Capability{CapabilityStreaming, CapabilityTools}, IsActive: true, Priority: 10},
		{ID: "2", Provider: "anthropic", ModelName: "claude-sonnet-4", Capabilities: []Capability{CapabilityStreaming, CapabilityLongContext}, IsActive: true, Priority: 7},
		{ID: "3", Provider: "openai", ModelName: "gpt-4o-mini", Capabilities: []Capability{CapabilityStreaming}, IsActive: true, Priority: 5},
	}
}

func TestRegistryGetByFullNameAndAlias(t *testing.T) {
	r := New(NewStaticCatalogueStore(testModels()), kv.NewMemoryStore(), time.Hour, nil)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if _, ok := r.Get("openai:gpt-4o"); !ok {
		t.Fatal("expected lookup by full name to succeed")
	}
	if _, ok := r.Get("gpt-4o"); !ok {
		t.Fatal("expected lookup by alias (bare model name) to succeed")
	}
	if m, ok := r.Get("GPT-4o"); !ok || m.ModelName != "gpt-4o" {
		t.Fatalf("expected lookup by display name to resolve gpt-4o, got %+v ok=%v", m, ok)
	}
	if _, ok := r.Get("does-not-exist"); ok {
		t.Fatal("expected lookup of unknown identifier to miss")
	}
}

func TestRegistryListFiltersByProviderAndCapability(t *testing.T) {
	r := New(NewStaticCatalogueStore(testModels()), kv.NewMemoryStore(), time.Hour, nil)
	_ = r.Refresh(context.Background())

	openai := r.List("openai", "")
	if len(openai) != 2 {
		t.Fatalf("expected 2 openai models, got %d", len(openai))
	}

	longCtx := r.List("", CapabilityLongContext)
	if len(longCtx) != 1 || longCtx[0].Provider != "anthropic" {
		t.Fatalf("expected 1 long_context model from anthropic, got %+v", longCtx)
	}

	all := r.List("", "")
	if len(all) != 3 {
		t.Fatalf("expected 3 active models total, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Priority < all[i].Priority {
			t.Fatalf("expected priority-descending order, got %+v", all)
		}
	}
}

func TestRegistryFallbackChainExcludesFailedModel(t *testing.T) {
	r := New(NewStaticCatalogueStore(testModels()), kv.NewMemoryStore(), time.Hour, nil)
	_ = r.Refresh(context.Background())

	chain := r.FallbackChain("openai:gpt-4o")
	for _, m := range chain {
		if m.FullName() == "openai:gpt-4o" {
			t.Fatal("fallback chain must not include the failed model")
		}
		if m.Provider != "openai" {
			t.Fatalf("fallback chain must stay on the failed model's provider, got %+v", m)
		}
	}
	if len(chain) != 1 || chain[0].ModelName != "gpt-4o-mini" {
		t.Fatalf("expected the remaining openai model, got %+v", chain)
	}
}

func TestRegistryRefreshPicksUpCatalogueMutations(t *testing.T) {
	store := NewMemoryCatalogueStore([]ModelConfig{
		{ID: "1", Provider: "openai", ModelName: "gpt-4o", IsActive: true, Priority: 1},
	})
	r := New(store, kv.NewMemoryStore(), time.Hour, nil)
	_ = r.Refresh(context.Background())

	ctx := context.Background()
	_ = store.Save(ctx, ModelConfig{ID: "2", Provider: "openai", ModelName: "gpt-4o-mini", IsActive: true, Priority: 2})
	_ = r.Refresh(ctx)

	all := r.List("", "")
	if len(all) != 2 || all[0].ModelName != "gpt-4o-mini" || all[1].ModelName != "gpt-4o" {
		t.Fatalf("expected [gpt-4o-mini, gpt-4o] after refresh, got %+v", all)
	}

	if err := store.Deactivate(ctx, "1"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	_ = r.Refresh(ctx)
	if _, ok := r.Get("gpt-4o"); ok {
		t.Fatal("expected deactivated model to disappear after refresh")
	}
}

func TestRegistryRefreshMirrorsIntoKV(t *testing.T) {
	store := kv.NewMemoryStore()
	r := New(NewStaticCatalogueStore(testModels()), store, time.Hour, nil)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	ctx := context.Background()
	all, err := store.HGetAll(ctx, hashActive)
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 mirrored active entries, got %v err=%v", all, err)
	}

	aliasRaw, ok, err := store.HGet(ctx, hashAliases, "gpt-4o")
	if err != nil || !ok || string(aliasRaw) != "openai:gpt-4o" {
		t.Fatalf("expected alias mirror, got %s ok=%v err=%v", aliasRaw, ok, err)
	}

	members, err := store.SMembers(ctx, capabilitySetPrefix+string(CapabilityStreaming))
	if err != nil || len(members) != 3 {
		t.Fatalf("expected 3 streaming-capable members, got %v err=%v", members, err)
	}
}

func TestRegistryRefreshKeepsPreviousSnapshotOnEmptyResult(t *testing.T) {
	r := New(NewStaticCatalogueStore(testModels()), kv.NewMemoryStore(), time.Hour, nil)
	_ = r.Refresh(context.Background())

	emptyStore := NewStaticCatalogueStore(nil)
	r.store = emptyStore
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh with empty catalogue should not error: %v", err)
	}

	if _, ok := r.Get("openai:gpt-4o"); !ok {
		t.Fatal("expected previous snapshot to survive an empty refresh result")
	}
}

func TestRegistryStartAndStop(t *testing.T) {
	r := New(NewStaticCatalogueStore(testModels()), kv.NewMemoryStore(), 10*time.Millisecond, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	r.Stop()
	r.Stop() // idempotent
}

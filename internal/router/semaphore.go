package router

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

const defaultMaxConcurrentPerProvider = 100

// providerSemaphores bounds in-flight upstream calls per provider, creating
// entries lazily the same way circuitBreakers does. Named providers may
// override the default limit of 100 via the per-provider map.
type providerSemaphores struct {
	mu        sync.Mutex
	perProv   map[string]*semaphore.Weighted
	overrides map[string]int64
	defaultN  int64
}

func newProviderSemaphores(overrides map[string]int) *providerSemaphores {
	ov := make(map[string]int64, len(overrides))
	for name, n := range overrides {
		if n > 0 {
			ov[name] = int64(n)
		}
	}
	return &providerSemaphores{
		perProv:   make(map[string]*semaphore.Weighted),
		overrides: ov,
		defaultN:  defaultMaxConcurrentPerProvider,
	}
}

func (s *providerSemaphores) forProvider(name string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.perProv[name]
	if !ok {
		n := s.defaultN
		if override, ok := s.overrides[name]; ok {
			n = override
		}
		sem = semaphore.NewWeighted(n)
		s.perProv[name] = sem
	}
	return sem
}

func (s *providerSemaphores) acquire(ctx context.Context, name string) error {
	return s.forProvider(name).Acquire(ctx, 1)
}

func (s *providerSemaphores) release(name string) {
	s.forProvider(name).Release(1)
}

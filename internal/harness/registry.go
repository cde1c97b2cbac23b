package harness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"github.com/metalagman/medbench/internal/a2a"
)

// Registry hands out one orchestrator per conversation id. Lookups are
// get-or-create: concurrent resolves for the same id yield the same
// instance. Idle conversations are evicted after the TTL; eviction never
// interrupts a running evaluation because the run keeps its own reference.
type Registry struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, *Orchestrator]
	build func(contextID string) (*Orchestrator, error)
}

// NewRegistry creates a registry with the given capacity and idle TTL.
func NewRegistry(size int, ttl time.Duration, build func(contextID string) (*Orchestrator, error)) *Registry {
	if size <= 0 {
		size = 128
	}
	onEvict := func(contextID string, _ *Orchestrator) {
		log.Debug().Str("context_id", contextID).Msg("conversation evicted")
	}
	return &Registry{
		cache: expirable.NewLRU[string, *Orchestrator](size, onEvict, ttl),
		build: build,
	}
}

// Resolve returns the orchestrator for contextID, creating it on first use.
func (r *Registry) Resolve(contextID string) (*Orchestrator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.cache.Get(contextID); ok {
		return o, nil
	}
	o, err := r.build(contextID)
	if err != nil {
		return nil, fmt.Errorf("create orchestrator for %s: %w", contextID, err)
	}
	r.cache.Add(contextID, o)
	return o, nil
}

// Len reports the number of live conversations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}

// Service is the protocol-facing executor: it routes each inbound request
// to its conversation's orchestrator.
type Service struct {
	registry *Registry
}

// NewService creates the executor backed by a registry.
func NewService(registry *Registry) *Service {
	return &Service{registry: registry}
}

// Execute implements a2a.Executor.
func (s *Service) Execute(ctx context.Context, rc *a2a.RequestContext, q *a2a.EventQueue) error {
	o, err := s.registry.Resolve(rc.ContextID)
	if err != nil {
		return err
	}
	return o.Execute(ctx, rc, q)
}

package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cadenzahq/cadenza/internal/fault"
	"github.com/cadenzahq/cadenza/internal/tenant"
)

// StoreFactory yields the definition store for a tenant's data plane.
// The registry calls it on every cache miss, so factories should be cheap
// (pool handles are already cached by the tenant registry).
type StoreFactory func(ctx context.Context, t *tenant.Tenant) (DefinitionStore, error)

// Registry resolves agents per tenant with a 30 second TTL cache.
// Admin surfaces call [Registry.Invalidate] after writes so changes take
// effect immediately instead of at TTL expiry.
type Registry struct {
	stores StoreFactory

	mu    sync.RWMutex
	cache map[string]cacheEntry // tenantID + "\x00" + slug → entry

	// now is a test hook.
	now func() time.Time
}

type cacheEntry struct {
	agent   *Agent
	expires time.Time
}

// NewRegistry creates a Registry resolving through the given factory.
func NewRegistry(stores StoreFactory) *Registry {
	return &Registry{
		stores: stores,
		cache:  map[string]cacheEntry{},
		now:    time.Now,
	}
}

func cacheKey(tenantID, slug string) string {
	return tenantID + "\x00" + slug
}

// Resolve finds an agent by slug on the tenant's data plane. An empty slug
// resolves the tenant's default agent. Missing agents yield an
// AgentNotFound fault; definitions with unrecognised providers fail
// resolution rather than deferring the error to the first provider call.
func (r *Registry) Resolve(ctx context.Context, t *tenant.Tenant, slug string) (*Agent, error) {
	key := cacheKey(t.ID, slug)

	r.mu.RLock()
	e, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && r.now().Before(e.expires) {
		return e.agent, nil
	}

	store, err := r.stores(ctx, t)
	if err != nil {
		return nil, err
	}

	var a *Agent
	if slug == "" {
		a, err = store.Default(ctx)
	} else {
		a, err = store.BySlug(ctx, slug)
	}
	if err != nil {
		return nil, fmt.Errorf("agent registry: resolve %q/%q: %w", t.Slug, slug, err)
	}
	if a == nil {
		if slug == "" {
			return nil, fault.New(fault.AgentNotFound, "tenant %q has no default agent", t.Slug)
		}
		return nil, fault.New(fault.AgentNotFound, "agent %q not found for tenant %q", slug, t.Slug)
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("agent registry: %w", err)
	}

	expires := r.now().Add(resolveTTL)
	r.mu.Lock()
	r.cache[key] = cacheEntry{agent: a, expires: expires}
	// A default resolution also warms the slug entry, and vice versa.
	r.cache[cacheKey(t.ID, a.Slug)] = cacheEntry{agent: a, expires: expires}
	r.mu.Unlock()

	return a, nil
}

// ListFor returns all agents of the tenant, uncached.
func (r *Registry) ListFor(ctx context.Context, t *tenant.Tenant) ([]Agent, error) {
	store, err := r.stores(ctx, t)
	if err != nil {
		return nil, err
	}
	agents, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent registry: list %q: %w", t.Slug, err)
	}
	return agents, nil
}

// Invalidate drops the cached resolution for (tenantID, slug) and the
// tenant's default entry. Call after admin writes.
func (r *Registry) Invalidate(tenantID, slug string) {
	r.mu.Lock()
	delete(r.cache, cacheKey(tenantID, slug))
	delete(r.cache, cacheKey(tenantID, ""))
	r.mu.Unlock()
}

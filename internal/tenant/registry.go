package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cadenzahq/cadenza/internal/fault"
)

// ErrNotFound is returned by [Registry.Resolve] when no tenant matches the
// key. Callers map it to their own not-found representation; it carries no
// fault kind because an unknown tenant is a caller error, not an outage.
var ErrNotFound = errors.New("tenant not found")

// Registry resolves tenants with a TTL cache and owns every per-tenant
// [DataPlane] handle in the process. All methods are safe for concurrent use.
type Registry struct {
	store ControlStore

	mu       sync.RWMutex
	cache    map[string]cacheEntry // resolution key → entry
	planes   map[string]*DataPlane // tenant ID → live handle
	degraded map[string]bool       // tenant ID → failing fast

	// onDegraded and onRecovered, when set, observe tenant degradation
	// transitions. Neither may block.
	onDegraded  func(tenantID string)
	onRecovered func(tenantID string)

	// now is a test hook.
	now func() time.Time
}

type cacheEntry struct {
	tenant  *Tenant
	expires time.Time
}

// Option is a functional option for [NewRegistry].
type Option func(*Registry)

// WithDegradedHook installs a callback invoked whenever a tenant's data
// plane fails its handshake and the tenant starts failing fast.
func WithDegradedHook(fn func(tenantID string)) Option {
	return func(r *Registry) { r.onDegraded = fn }
}

// WithRecoveredHook installs a callback invoked when a rotation clears a
// tenant's degraded mark. Fires once per recovery, pairing with the degraded
// hook.
func WithRecoveredHook(fn func(tenantID string)) Option {
	return func(r *Registry) { r.onRecovered = fn }
}

// NewRegistry creates a Registry over the given control store.
func NewRegistry(store ControlStore, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		cache:    map[string]cacheEntry{},
		planes:   map[string]*DataPlane{},
		degraded: map[string]bool{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve finds a tenant by ID or slug. Resolutions are cached for 60
// seconds; a miss reads through to the control plane. Returns [ErrNotFound]
// for unknown keys and a TenantUnavailable fault when the control plane
// itself cannot be read.
func (r *Registry) Resolve(ctx context.Context, key string) (*Tenant, error) {
	r.mu.RLock()
	e, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && r.now().Before(e.expires) {
		return e.tenant, nil
	}

	t, err := r.store.ResolveByKey(ctx, key)
	if err != nil {
		return nil, fault.Wrap(fault.TenantUnavailable, fmt.Errorf("resolve tenant %q: %w", key, err))
	}
	if t == nil {
		return nil, fmt.Errorf("resolve tenant %q: %w", key, ErrNotFound)
	}

	expires := r.now().Add(resolveTTL)
	r.mu.Lock()
	// Cache under both keys so id- and slug-based lookups stay coherent.
	r.cache[t.ID] = cacheEntry{tenant: t, expires: expires}
	r.cache[t.Slug] = cacheEntry{tenant: t, expires: expires}
	r.mu.Unlock()

	return t, nil
}

// ListActive returns all active tenants straight from the control plane.
func (r *Registry) ListActive(ctx context.Context) ([]Tenant, error) {
	tenants, err := r.store.ListActive(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.TenantUnavailable, fmt.Errorf("list tenants: %w", err))
	}
	return tenants, nil
}

// DataPlaneFor returns the live data-plane handle for t, opening one on
// first use. Tenants without a provisioned data plane, and tenants whose
// handshake previously failed, fail fast with a TenantUnavailable fault.
func (r *Registry) DataPlaneFor(ctx context.Context, t *Tenant) (*DataPlane, error) {
	if t.DataPlane == nil {
		return nil, fault.New(fault.TenantUnavailable, "tenant %q has no data plane provisioned", t.Slug)
	}

	r.mu.RLock()
	if r.degraded[t.ID] {
		r.mu.RUnlock()
		return nil, fault.New(fault.TenantUnavailable, "tenant %q is degraded", t.Slug)
	}
	plane := r.planes[t.ID]
	r.mu.RUnlock()
	if plane != nil {
		return plane, nil
	}

	plane, err := openDataPlane(ctx, t.ID, *t.DataPlane)
	if err != nil {
		r.markDegraded(t.ID, t.Slug, err)
		return nil, fault.Wrap(fault.TenantUnavailable, err)
	}

	r.mu.Lock()
	// A concurrent opener may have won; keep the first handle.
	if existing := r.planes[t.ID]; existing != nil {
		r.mu.Unlock()
		plane.Close()
		return existing, nil
	}
	r.planes[t.ID] = plane
	r.mu.Unlock()
	return plane, nil
}

// Rotate re-resolves the tenant from the control plane, opens a fresh data
// plane with the new credentials, and swaps it in atomically. In-flight
// calls continue on the old pool until drained. Rotation also clears the
// degraded mark.
func (r *Registry) Rotate(ctx context.Context, key string) error {
	t, err := r.store.ResolveByKey(ctx, key)
	if err != nil {
		return fault.Wrap(fault.TenantUnavailable, fmt.Errorf("rotate tenant %q: %w", key, err))
	}
	if t == nil {
		return fmt.Errorf("rotate tenant %q: %w", key, ErrNotFound)
	}

	var fresh *DataPlane
	if t.DataPlane != nil {
		fresh, err = openDataPlane(ctx, t.ID, *t.DataPlane)
		if err != nil {
			return fault.Wrap(fault.TenantUnavailable, fmt.Errorf("rotate tenant %q: %w", key, err))
		}
	}

	expires := r.now().Add(resolveTTL)
	r.mu.Lock()
	old := r.planes[t.ID]
	if fresh != nil {
		r.planes[t.ID] = fresh
	} else {
		delete(r.planes, t.ID)
	}
	wasDegraded := r.degraded[t.ID]
	delete(r.degraded, t.ID)
	r.cache[t.ID] = cacheEntry{tenant: t, expires: expires}
	r.cache[t.Slug] = cacheEntry{tenant: t, expires: expires}
	r.mu.Unlock()

	if wasDegraded && r.onRecovered != nil {
		r.onRecovered(t.ID)
	}
	if old != nil {
		// Drain asynchronously; Close blocks until borrowed conns return.
		go old.Close()
	}
	slog.Info("tenant credentials rotated", "tenant", t.Slug)
	return nil
}

// HealthCheck pings every active tenant's data plane, marking unreachable
// tenants degraded. Intended to run once at startup and periodically after.
func (r *Registry) HealthCheck(ctx context.Context) error {
	tenants, err := r.ListActive(ctx)
	if err != nil {
		return err
	}
	for i := range tenants {
		t := &tenants[i]
		if t.DataPlane == nil {
			continue
		}
		plane, err := r.DataPlaneFor(ctx, t)
		if err != nil {
			continue // already marked degraded
		}
		if err := plane.Ping(ctx); err != nil {
			r.markDegraded(t.ID, t.Slug, err)
		}
	}
	return nil
}

// markDegraded flips the tenant into fail-fast mode and emits the
// tenant_degraded event exactly once per transition.
func (r *Registry) markDegraded(tenantID, slug string, cause error) {
	r.mu.Lock()
	already := r.degraded[tenantID]
	r.degraded[tenantID] = true
	r.mu.Unlock()

	if already {
		return
	}
	slog.Warn("tenant degraded", "tenant", slug, "err", cause)
	if r.onDegraded != nil {
		r.onDegraded(tenantID)
	}
}

// Close releases every data-plane handle. Call during shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	planes := r.planes
	r.planes = map[string]*DataPlane{}
	r.mu.Unlock()

	for _, p := range planes {
		p.Close()
	}
}

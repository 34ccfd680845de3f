package tenant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cadenzahq/cadenza/internal/fault"
)

type mockControlStore struct {
	tenants  map[string]*Tenant
	resolves int
	err      error
}

func (m *mockControlStore) ResolveByKey(_ context.Context, key string) (*Tenant, error) {
	m.resolves++
	if m.err != nil {
		return nil, m.err
	}
	return m.tenants[key], nil
}

func (m *mockControlStore) ListActive(context.Context) ([]Tenant, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []Tenant
	seen := map[string]bool{}
	for _, t := range m.tenants {
		if t.Active && !seen[t.ID] {
			seen[t.ID] = true
			out = append(out, *t)
		}
	}
	return out, nil
}

func acmeTenant() *Tenant {
	return &Tenant{
		ID:     "ten_01",
		Slug:   "acme",
		Active: true,
		ProviderKeys: map[string]string{
			"groq": "gsk_test",
		},
	}
}

func TestResolveCachesWithinTTL(t *testing.T) {
	acme := acmeTenant()
	store := &mockControlStore{tenants: map[string]*Tenant{"acme": acme, "ten_01": acme}}
	reg := NewRegistry(store)

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return base }

	got, err := reg.Resolve(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != "ten_01" {
		t.Errorf("got tenant %q, want ten_01", got.ID)
	}

	// Second lookup by the other key hits the cache, not the store.
	if _, err := reg.Resolve(context.Background(), "ten_01"); err != nil {
		t.Fatalf("Resolve by id: %v", err)
	}
	if store.resolves != 1 {
		t.Errorf("store resolved %d times, want 1", store.resolves)
	}

	// Past the TTL the registry reads through again.
	reg.now = func() time.Time { return base.Add(resolveTTL + time.Second) }
	if _, err := reg.Resolve(context.Background(), "acme"); err != nil {
		t.Fatalf("Resolve after TTL: %v", err)
	}
	if store.resolves != 2 {
		t.Errorf("store resolved %d times after TTL, want 2", store.resolves)
	}
}

func TestResolveUnknownTenant(t *testing.T) {
	reg := NewRegistry(&mockControlStore{tenants: map[string]*Tenant{}})

	_, err := reg.Resolve(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if _, ok := fault.KindOf(err); ok {
		t.Errorf("not-found should not carry a fault kind, got %v", err)
	}
}

func TestResolveStoreFailure(t *testing.T) {
	reg := NewRegistry(&mockControlStore{err: errors.New("connection refused")})

	_, err := reg.Resolve(context.Background(), "acme")
	if !fault.Is(err, fault.TenantUnavailable) {
		t.Fatalf("got %v, want TenantUnavailable fault", err)
	}
}

func TestDataPlaneForUnprovisioned(t *testing.T) {
	reg := NewRegistry(&mockControlStore{})

	_, err := reg.DataPlaneFor(context.Background(), acmeTenant())
	if !fault.Is(err, fault.TenantUnavailable) {
		t.Fatalf("got %v, want TenantUnavailable fault", err)
	}
}

func TestDegradedTenantFailsFast(t *testing.T) {
	var degraded []string
	reg := NewRegistry(&mockControlStore{}, WithDegradedHook(func(id string) {
		degraded = append(degraded, id)
	}))

	acme := acmeTenant()
	acme.DataPlane = &DataPlaneConfig{SQLEndpoint: "postgres://db/acme"}

	reg.markDegraded(acme.ID, acme.Slug, errors.New("handshake timeout"))
	reg.markDegraded(acme.ID, acme.Slug, errors.New("handshake timeout"))

	if len(degraded) != 1 || degraded[0] != "ten_01" {
		t.Errorf("degraded hook fired %v, want exactly one ten_01", degraded)
	}

	_, err := reg.DataPlaneFor(context.Background(), acme)
	if !fault.Is(err, fault.TenantUnavailable) {
		t.Fatalf("got %v, want fail-fast TenantUnavailable", err)
	}
}

func TestRotateClearsDegradedAndNotifies(t *testing.T) {
	acme := acmeTenant()
	store := &mockControlStore{tenants: map[string]*Tenant{"acme": acme, "ten_01": acme}}

	var degraded, recovered int
	reg := NewRegistry(store,
		WithDegradedHook(func(string) { degraded++ }),
		WithRecoveredHook(func(string) { recovered++ }),
	)

	reg.markDegraded(acme.ID, acme.Slug, errors.New("handshake timeout"))
	if degraded != 1 {
		t.Fatalf("degraded hook fired %d times, want 1", degraded)
	}

	if err := reg.Rotate(context.Background(), "acme"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if recovered != 1 {
		t.Errorf("recovered hook fired %d times, want 1", recovered)
	}

	// A rotation of a healthy tenant does not fire the recovered hook again.
	if err := reg.Rotate(context.Background(), "acme"); err != nil {
		t.Fatalf("Rotate healthy: %v", err)
	}
	if recovered != 1 {
		t.Errorf("recovered hook fired %d times after healthy rotation, want 1", recovered)
	}
}

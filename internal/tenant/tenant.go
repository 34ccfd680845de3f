// Package tenant implements the tenant registry: resolution of tenants from
// the control plane, per-tenant data-plane connection pools, and credential
// snapshots for the media plane and model providers.
//
// A tenant is the isolation boundary of the whole system. Everything data
// level — conversations, turns, knowledge, profiles — lives behind the
// tenant's [DataPlane] handle, and the registry is the only component that
// constructs those handles.
package tenant

import (
	"context"
	"time"
)

// Tenant is a control-plane record describing one isolated customer.
// Tenants are created out-of-band and are read-only to this process.
type Tenant struct {
	// ID is the opaque tenant identifier.
	ID string

	// Slug is the unique human-readable key.
	Slug string

	// DataPlane locates the tenant-owned SQL+vector store. Nil when the
	// tenant has no data plane provisioned yet; such tenants fail fast.
	DataPlane *DataPlaneConfig

	// MediaPlane holds the tenant's media-plane endpoint and API keypair.
	MediaPlane MediaPlaneConfig

	// ProviderKeys maps provider names (e.g. "groq", "deepgram",
	// "elevenlabs", "siliconflow") to API secrets. Read-only after the
	// resolution snapshot; rotation replaces the whole Tenant value.
	ProviderKeys map[string]string

	// Active is false for suspended tenants.
	Active bool
}

// DataPlaneConfig locates a tenant's SQL-with-vectors endpoint.
type DataPlaneConfig struct {
	// SQLEndpoint is the PostgreSQL connection string of the tenant store.
	SQLEndpoint string `json:"sql_endpoint"`

	// ServiceCredential, when set, replaces the password embedded in
	// SQLEndpoint. Kept separate so endpoints can be logged safely.
	ServiceCredential string `json:"service_credential,omitempty"`

	// VectorDimensions is the dimension of the tenant store's vector
	// columns. Agents whose embedding profile disagrees fail dispatch.
	VectorDimensions int `json:"vector_dimensions"`
}

// MediaPlaneConfig holds per-tenant media-plane credentials.
type MediaPlaneConfig struct {
	URL       string `json:"url"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// ProviderKey returns the secret for a provider name, with ok reporting
// whether the tenant carries one.
func (t *Tenant) ProviderKey(provider string) (string, bool) {
	v, ok := t.ProviderKeys[provider]
	return v, ok
}

// ControlStore is the control-plane lookup surface the registry reads from.
type ControlStore interface {
	// ResolveByKey finds a tenant by ID or slug. Returns (nil, nil) when no
	// tenant matches.
	ResolveByKey(ctx context.Context, key string) (*Tenant, error)

	// ListActive returns all active tenants.
	ListActive(ctx context.Context) ([]Tenant, error)
}

// resolveTTL is how long a cached tenant resolution stays fresh. Credential
// rotation takes effect within this window, or immediately via
// [Registry.Rotate].
const resolveTTL = 60 * time.Second

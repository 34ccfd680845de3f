package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the control-plane tenants table. Execute it via
// [PostgresControlStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS tenants (
    id            TEXT PRIMARY KEY,
    slug          TEXT NOT NULL UNIQUE,
    data_plane    JSONB,
    media_plane   JSONB NOT NULL DEFAULT '{}',
    provider_keys JSONB NOT NULL DEFAULT '{}',
    active        BOOLEAN NOT NULL DEFAULT true,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tenants_slug ON tenants(slug);
`

// DB is the database interface used by [PostgresControlStore]. Both
// *pgxpool.Pool and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresControlStore is a [ControlStore] backed by the control-plane
// PostgreSQL database. Structured sub-fields are serialised as JSONB.
type PostgresControlStore struct {
	db DB
}

// Compile-time interface check.
var _ ControlStore = (*PostgresControlStore)(nil)

// NewPostgresControlStore creates a control store over the given connection
// or pool. The caller is responsible for calling Migrate once per deployment.
func NewPostgresControlStore(db DB) *PostgresControlStore {
	return &PostgresControlStore{db: db}
}

// Migrate executes the [Schema] DDL.
func (s *PostgresControlStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("tenant store: migrate: %w", err)
	}
	return nil
}

const tenantColumns = `id, slug, data_plane, media_plane, provider_keys, active`

// ResolveByKey implements [ControlStore]. The key matches either the tenant
// ID or the slug; IDs win on the (unlikely) collision.
func (s *PostgresControlStore) ResolveByKey(ctx context.Context, key string) (*Tenant, error) {
	const q = `
		SELECT ` + tenantColumns + `
		FROM   tenants
		WHERE  id = $1 OR slug = $1
		ORDER  BY (id = $1) DESC
		LIMIT  1`

	t, err := scanTenant(s.db.QueryRow(ctx, q, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("tenant store: resolve %q: %w", key, err)
	}
	return t, nil
}

// ListActive implements [ControlStore].
func (s *PostgresControlStore) ListActive(ctx context.Context) ([]Tenant, error) {
	const q = `
		SELECT ` + tenantColumns + `
		FROM   tenants
		WHERE  active
		ORDER  BY slug`

	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("tenant store: list active: %w", err)
	}
	defer rows.Close()

	var tenants []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("tenant store: list scan: %w", err)
		}
		tenants = append(tenants, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tenant store: list active: %w", err)
	}
	return tenants, nil
}

// scanTenant reads one tenants row from any pgx row source.
func scanTenant(row pgx.Row) (*Tenant, error) {
	var (
		t                             Tenant
		dataPlaneJSON, mediaPlaneJSON []byte
		providerKeysJSON              []byte
	)
	if err := row.Scan(&t.ID, &t.Slug, &dataPlaneJSON, &mediaPlaneJSON, &providerKeysJSON, &t.Active); err != nil {
		return nil, err
	}

	if len(dataPlaneJSON) > 0 {
		var dp DataPlaneConfig
		if err := json.Unmarshal(dataPlaneJSON, &dp); err != nil {
			return nil, fmt.Errorf("unmarshal data_plane: %w", err)
		}
		t.DataPlane = &dp
	}
	if err := json.Unmarshal(mediaPlaneJSON, &t.MediaPlane); err != nil {
		return nil, fmt.Errorf("unmarshal media_plane: %w", err)
	}
	if err := json.Unmarshal(providerKeysJSON, &t.ProviderKeys); err != nil {
		return nil, fmt.Errorf("unmarshal provider_keys: %w", err)
	}
	if t.ProviderKeys == nil {
		t.ProviderKeys = map[string]string{}
	}
	return &t, nil
}

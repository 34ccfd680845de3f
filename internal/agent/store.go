package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the agents table on a tenant data plane.
const Schema = `
CREATE TABLE IF NOT EXISTS agents (
    id                TEXT PRIMARY KEY,
    tenant_id         TEXT NOT NULL,
    slug              TEXT NOT NULL,
    display_name      TEXT NOT NULL DEFAULT '',
    system_prompt     TEXT NOT NULL DEFAULT '',
    model_profile     JSONB NOT NULL DEFAULT '{}',
    embedding_profile JSONB NOT NULL DEFAULT '{}',
    tools             JSONB NOT NULL DEFAULT '[]',
    defaults          JSONB NOT NULL DEFAULT '{}',
    is_default        BOOLEAN NOT NULL DEFAULT false,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (tenant_id, slug)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_tenant_default
    ON agents(tenant_id) WHERE is_default;
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [DefinitionStore] over one tenant's data plane.
type PostgresStore struct {
	db       DB
	tenantID string
}

// Compile-time interface check.
var _ DefinitionStore = (*PostgresStore)(nil)

// NewPostgresStore creates a definition store for the given tenant.
func NewPostgresStore(db DB, tenantID string) *PostgresStore {
	return &PostgresStore{db: db, tenantID: tenantID}
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("agent store: migrate: %w", err)
	}
	return nil
}

const agentColumns = `id, tenant_id, slug, display_name, system_prompt,
	model_profile, embedding_profile, tools, defaults, is_default`

// BySlug implements [DefinitionStore].
func (s *PostgresStore) BySlug(ctx context.Context, slug string) (*Agent, error) {
	const q = `
		SELECT ` + agentColumns + `
		FROM   agents
		WHERE  tenant_id = $1 AND slug = $2`

	a, err := scanAgent(s.db.QueryRow(ctx, q, s.tenantID, slug))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("agent store: by slug %q: %w", slug, err)
	}
	return a, nil
}

// Default implements [DefinitionStore].
func (s *PostgresStore) Default(ctx context.Context) (*Agent, error) {
	const q = `
		SELECT ` + agentColumns + `
		FROM   agents
		WHERE  tenant_id = $1 AND is_default`

	a, err := scanAgent(s.db.QueryRow(ctx, q, s.tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("agent store: default: %w", err)
	}
	return a, nil
}

// List implements [DefinitionStore].
func (s *PostgresStore) List(ctx context.Context) ([]Agent, error) {
	const q = `
		SELECT ` + agentColumns + `
		FROM   agents
		WHERE  tenant_id = $1
		ORDER  BY slug`

	rows, err := s.db.Query(ctx, q, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("agent store: list: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("agent store: list scan: %w", err)
		}
		agents = append(agents, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent store: list: %w", err)
	}
	return agents, nil
}

// scanAgent reads one agents row from any pgx row source.
func scanAgent(row pgx.Row) (*Agent, error) {
	var (
		a                       Agent
		modelJSON, embedJSON    []byte
		toolsJSON, defaultsJSON []byte
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.Slug, &a.DisplayName, &a.SystemPrompt,
		&modelJSON, &embedJSON, &toolsJSON, &defaultsJSON, &a.Default)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(modelJSON, &a.Model); err != nil {
		return nil, fmt.Errorf("unmarshal model_profile: %w", err)
	}
	if err := json.Unmarshal(embedJSON, &a.Embedding); err != nil {
		return nil, fmt.Errorf("unmarshal embedding_profile: %w", err)
	}
	if err := json.Unmarshal(toolsJSON, &a.Tools); err != nil {
		return nil, fmt.Errorf("unmarshal tools: %w", err)
	}
	if err := json.Unmarshal(defaultsJSON, &a.Defaults); err != nil {
		return nil, fmt.Errorf("unmarshal defaults: %w", err)
	}
	if a.Tools == nil {
		a.Tools = []string{}
	}
	return &a, nil
}

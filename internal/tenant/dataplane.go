package tenant

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// poolMaxConns bounds each tenant's data-plane connection pool.
const poolMaxConns = 8

// DataPlane is a live handle on one tenant's SQL+vector store. It owns a
// bounded pgx pool with pgvector types registered on every connection.
//
// Handles are created and cached by the [Registry]; credential rotation swaps
// the whole handle atomically while in-flight calls drain on the old pool.
type DataPlane struct {
	tenantID string
	cfg      DataPlaneConfig
	pool     *pgxpool.Pool
}

// openDataPlane dials the tenant store and verifies the handshake with a
// ping. The returned handle is ready for queries.
func openDataPlane(ctx context.Context, tenantID string, cfg DataPlaneConfig) (*DataPlane, error) {
	pc, err := pgxpool.ParseConfig(cfg.SQLEndpoint)
	if err != nil {
		return nil, fmt.Errorf("data plane: parse endpoint: %w", err)
	}
	if cfg.ServiceCredential != "" {
		pc.ConnConfig.Password = cfg.ServiceCredential
	}
	pc.MaxConns = poolMaxConns

	// Register pgvector types on every new connection so vector columns can
	// be scanned into and inserted from pgvector.Vector values.
	pc.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("data plane: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("data plane: handshake: %w", err)
	}

	return &DataPlane{tenantID: tenantID, cfg: cfg, pool: pool}, nil
}

// ControlPoolConfig builds the pool configuration for the control-plane
// store. A non-empty credential overrides the password carried in the URL,
// the same way data-plane service credentials are applied.
func ControlPoolConfig(url, credential string) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("control plane: parse url: %w", err)
	}
	if credential != "" {
		pc.ConnConfig.Password = credential
	}
	return pc, nil
}

// Pool exposes the underlying pgx pool for store construction.
func (d *DataPlane) Pool() *pgxpool.Pool { return d.pool }

// TenantID returns the owning tenant's ID.
func (d *DataPlane) TenantID() string { return d.tenantID }

// VectorDimensions returns the dimension of the store's vector columns.
func (d *DataPlane) VectorDimensions() int { return d.cfg.VectorDimensions }

// Ping verifies the store is reachable.
func (d *DataPlane) Ping(ctx context.Context) error {
	if err := d.pool.Ping(ctx); err != nil {
		return fmt.Errorf("data plane: ping: %w", err)
	}
	return nil
}

// Close releases the pool. pgxpool waits for acquired connections to be
// released, so in-flight calls drain before the sockets close.
func (d *DataPlane) Close() { d.pool.Close() }

// Package postgres implements the convo store interfaces on a tenant's
// SQL-with-vectors data plane (PostgreSQL + pgvector).
//
// A [Store] is always bound to exactly one tenant's pool. Obtain pools from
// the tenant registry rather than constructing them here; the registry owns
// connection lifecycle and credential rotation.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cadenzahq/cadenza/pkg/convo"
)

// DB is the database surface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface; tests supply hand-rolled mocks.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Schema is the SQL DDL for the conversational tables. The knowledge tables
// (documents, document_chunks) and the match_documents procedure are owned by
// the ingest pipeline and expected to exist already; they are not created
// here.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id               UUID PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    agent_id         TEXT NOT NULL,
    user_id          TEXT NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_activity_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    mode             TEXT NOT NULL DEFAULT 'text'
);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, last_activity_at DESC);

CREATE TABLE IF NOT EXISTS conversation_transcripts (
    turn_id         UUID NOT NULL,
    conversation_id UUID NOT NULL REFERENCES conversations(id),
    role            TEXT NOT NULL,
    content         TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    source          TEXT NOT NULL DEFAULT 'text',
    embedding       VECTOR,
    citations       JSONB,
    metadata        JSONB NOT NULL DEFAULT '{}',
    PRIMARY KEY (turn_id, role)
);
CREATE INDEX IF NOT EXISTS idx_transcripts_conversation
    ON conversation_transcripts(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS profiles (
    user_id    TEXT NOT NULL,
    tenant_id  TEXT NOT NULL,
    name       TEXT,
    email      TEXT,
    attributes JSONB NOT NULL DEFAULT '{}',
    PRIMARY KEY (user_id, tenant_id)
);
`

// Store implements [convo.TurnStore], [convo.TurnReader],
// [convo.KnowledgeSearcher], and [convo.ProfileReader] for one tenant.
// All methods are safe for concurrent use.
type Store struct {
	db       DB
	tenantID string

	// embed, when set, powers the asynchronous embedding backfill for rows
	// written without a vector. See [Store.SetBackfillEmbedder].
	embed EmbedFunc

	// onCommitted, when set, is invoked after every successful RecordTurn.
	onCommitted CommitHook
}

// EmbedFunc produces an embedding for a single text. Used only by the
// best-effort backfill; errors are logged, never surfaced.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// CommitHook observes committed turns. It must not block.
type CommitHook func(conversationID, turnID string, hasCitations bool)

// Compile-time interface checks.
var (
	_ convo.TurnStore         = (*Store)(nil)
	_ convo.TurnReader        = (*Store)(nil)
	_ convo.KnowledgeSearcher = (*Store)(nil)
	_ convo.ProfileReader     = (*Store)(nil)
)

// NewStore creates a Store bound to one tenant's data plane. The caller is
// responsible for running [Store.Migrate] once per deployment.
func NewStore(db DB, tenantID string) *Store {
	return &Store{db: db, tenantID: tenantID}
}

// SetBackfillEmbedder installs the embedder used for asynchronous embedding
// backfill. Without one, rows written without a vector stay unembedded until
// reconciliation tooling fills them.
func (s *Store) SetBackfillEmbedder(fn EmbedFunc) { s.embed = fn }

// SetCommitHook installs the hook invoked after each committed turn.
func (s *Store) SetCommitHook(h CommitHook) { s.onCommitted = h }

// Migrate executes the [Schema] DDL, creating the conversational tables if
// they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("convo store: migrate: %w", err)
	}
	return nil
}

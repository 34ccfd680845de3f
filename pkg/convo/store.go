package convo

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TurnWrite carries one row of a logical turn into [TurnStore.RecordTurn].
type TurnWrite struct {
	Content string

	// Embedding may be nil; the store then schedules an asynchronous
	// backfill (best effort, non-blocking).
	Embedding []float32

	// Citations is meaningful on the assistant row only.
	Citations []Citation

	Source   Source
	Metadata map[string]any
}

// ConversationMeta identifies the conversation a turn belongs to, used for
// the idempotent insert-if-missing of the conversation row.
type ConversationMeta struct {
	TenantID string
	AgentID  string
	UserID   string
	Mode     Source
}

// RecallQuery parameterises semantic recall over a user's prior turns.
type RecallQuery struct {
	UserID    string
	Embedding []float32

	// ExcludeTurnIDs removes turns already present in the short-term buffer
	// so no turn appears twice in one prompt.
	ExcludeTurnIDs []uuid.UUID

	TopK      int
	Threshold float64
}

// KnowledgeQuery parameterises retrieval over the tenant knowledge base.
// Results are filtered to chunks whose permitted agent slugs contain
// AgentSlug — the permission filter is enforced in the store, never by the
// caller.
type KnowledgeQuery struct {
	AgentSlug string
	Embedding []float32
	TopK      int
	Threshold float64
}

// TurnStore persists logical turns as atomic two-row groups.
//
// Implementations must guarantee that a successful RecordTurn leaves exactly
// two rows sharing the turn ID, with the user row's created_at strictly
// before the assistant row's, and that a failed RecordTurn leaves zero rows.
type TurnStore interface {
	// RecordTurn writes the user and assistant rows for turnID atomically,
	// creating the conversation row first if it does not exist.
	RecordTurn(ctx context.Context, conversationID, turnID uuid.UUID, meta ConversationMeta, user, assistant TurnWrite) error

	// UpdateTurnEmbedding backfills the embedding of a single row.
	UpdateTurnEmbedding(ctx context.Context, turnID uuid.UUID, role Role, embedding []float32) error

	// OrphanTurns lists user rows older than grace whose assistant row never
	// arrived, for reconciliation tooling.
	OrphanTurns(ctx context.Context, grace time.Duration) ([]Turn, error)
}

// TurnReader serves the assembler's short-term buffer and semantic recall.
type TurnReader interface {
	// RecentTurns returns the last n rows of the conversation, oldest first.
	RecentTurns(ctx context.Context, conversationID uuid.UUID, n int) ([]Turn, error)

	// SemanticRecall searches the user's prior turns by embedding similarity.
	// Results are ordered by similarity descending, ties broken by more
	// recent created_at first.
	SemanticRecall(ctx context.Context, q RecallQuery) ([]RecallHit, error)
}

// KnowledgeSearcher retrieves knowledge-base chunks for an agent.
type KnowledgeSearcher interface {
	// MatchKnowledge returns the top chunks the agent is permitted to see,
	// ordered by similarity descending.
	MatchKnowledge(ctx context.Context, q KnowledgeQuery) ([]KnowledgeHit, error)
}

// ProfileReader looks up user profiles. A missing profile is (nil, nil).
type ProfileReader interface {
	Profile(ctx context.Context, userID string) (*Profile, error)
}

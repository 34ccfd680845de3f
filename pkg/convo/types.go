// Package convo defines the conversational data model of the orchestration
// plane — conversations, turns, citations, knowledge hits, user profiles —
// and the store interfaces the context assembler and turn writers depend on.
//
// All data in this package lives in a tenant-owned data plane. Nothing here
// ever crosses tenants: a store instance is always bound to exactly one
// tenant's database.
package convo

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a transcript row.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Source records which modality produced a turn or conversation.
type Source string

const (
	SourceVoice Source = "voice"
	SourceText  Source = "text"
)

// IsValid reports whether s is a recognised source.
func (s Source) IsValid() bool {
	return s == SourceVoice || s == SourceText
}

// Conversation is one user's dialogue with one agent.
type Conversation struct {
	ID             uuid.UUID
	TenantID       string
	AgentID        string
	UserID         string
	CreatedAt      time.Time
	LastActivityAt time.Time
	Mode           Source
}

// Turn is a single transcript row. A logical turn is a pair of rows (one
// user, one assistant) sharing TurnID; a reader that sees only the user row
// must treat the turn as in-flight.
type Turn struct {
	TurnID         uuid.UUID
	ConversationID uuid.UUID
	Role           Role
	Content        string
	CreatedAt      time.Time
	Source         Source

	// Embedding is the turn's semantic vector, or nil when not yet backfilled.
	Embedding []float32

	// Citations is set on assistant rows only.
	Citations []Citation

	// Metadata holds free-form annotations (latency, model, degradation notes).
	Metadata map[string]any
}

// Citation references a knowledge chunk that supported an assistant turn.
type Citation struct {
	DocumentID string  `json:"document_id"`
	ChunkID    string  `json:"chunk_id"`
	Title      string  `json:"title"`
	Similarity float64 `json:"similarity"`

	// Span optionally narrows the citation to a range within the chunk.
	Span string `json:"span,omitempty"`
}

// RecallHit is a prior turn returned by semantic recall, with its cosine
// similarity to the query in [0, 1].
type RecallHit struct {
	Turn
	Similarity float64
}

// KnowledgeHit is a knowledge-base chunk returned by retrieval.
type KnowledgeHit struct {
	ChunkID    string
	DocumentID string
	Title      string
	Content    string
	Similarity float64
}

// Citation converts a hit into the Citation persisted on assistant rows.
func (h KnowledgeHit) Citation() Citation {
	return Citation{
		DocumentID: h.DocumentID,
		ChunkID:    h.ChunkID,
		Title:      h.Title,
		Similarity: h.Similarity,
	}
}

// Profile is the optional per-user profile. Absence is normal and must not
// fail context assembly.
type Profile struct {
	UserID      string
	TenantID    string
	DisplayName string
	Email       string
	Attributes  map[string]any
}

// RetrievalDefaults are the conservative retrieval parameters used when an
// agent does not override them.
type RetrievalDefaults struct {
	// BufferTurns is the short-term buffer length in logical rows.
	BufferTurns int

	// ConversationTopK and ConversationThreshold bound semantic recall over
	// prior turns.
	ConversationTopK      int
	ConversationThreshold float64

	// KnowledgeTopK and KnowledgeThreshold bound knowledge-base retrieval.
	KnowledgeTopK      int
	KnowledgeThreshold float64
}

// DefaultRetrieval returns the standard retrieval parameters.
func DefaultRetrieval() RetrievalDefaults {
	return RetrievalDefaults{
		BufferTurns:           10,
		ConversationTopK:      6,
		ConversationThreshold: 0.30,
		KnowledgeTopK:         8,
		KnowledgeThreshold:    0.30,
	}
}

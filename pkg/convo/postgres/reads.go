package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/cadenzahq/cadenza/pkg/convo"
)

// RecentTurns implements [convo.TurnReader]. It returns the last n transcript
// rows of the conversation, oldest first. Fewer than n rows returns them all.
func (s *Store) RecentTurns(ctx context.Context, conversationID uuid.UUID, n int) ([]convo.Turn, error) {
	const q = `
		SELECT turn_id, role, content, created_at, source
		FROM (
		    SELECT turn_id, role, content, created_at, source
		    FROM   conversation_transcripts
		    WHERE  conversation_id = $1
		    ORDER  BY created_at DESC
		    LIMIT  $2
		) recent
		ORDER BY created_at`

	rows, err := s.db.Query(ctx, q, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("convo store: recent turns: %w", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (convo.Turn, error) {
		var (
			t            convo.Turn
			role, source string
		)
		if err := row.Scan(&t.TurnID, &role, &t.Content, &t.CreatedAt, &source); err != nil {
			return convo.Turn{}, err
		}
		t.ConversationID = conversationID
		t.Role = convo.Role(role)
		t.Source = convo.Source(source)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("convo store: recent turns scan: %w", err)
	}
	if turns == nil {
		turns = []convo.Turn{}
	}
	return turns, nil
}

// SemanticRecall implements [convo.TurnReader]. It vector-searches the user's
// prior turns across all of their conversations within this tenant, excluding
// the turn IDs already present in the short-term buffer. Cosine distance is
// converted to similarity in [0, 1]; rows below the threshold are dropped.
func (s *Store) SemanticRecall(ctx context.Context, q convo.RecallQuery) ([]convo.RecallHit, error) {
	queryVec := pgvector.NewVector(q.Embedding)

	excluded := q.ExcludeTurnIDs
	if excluded == nil {
		excluded = []uuid.UUID{}
	}

	const sql = `
		SELECT t.turn_id, t.conversation_id, t.role, t.content, t.created_at, t.source,
		       1 - (t.embedding <=> $1) AS similarity
		FROM   conversation_transcripts t
		JOIN   conversations c ON c.id = t.conversation_id
		WHERE  c.user_id = $2
		  AND  t.embedding IS NOT NULL
		  AND  t.role IN ('user', 'assistant')
		  AND  t.turn_id != ALL($3)
		  AND  1 - (t.embedding <=> $1) >= $4
		ORDER  BY similarity DESC, t.created_at DESC
		LIMIT  $5`

	rows, err := s.db.Query(ctx, sql, queryVec, q.UserID, excluded, q.Threshold, q.TopK)
	if err != nil {
		return nil, fmt.Errorf("convo store: semantic recall: %w", err)
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (convo.RecallHit, error) {
		var (
			h            convo.RecallHit
			role, source string
		)
		if err := row.Scan(
			&h.TurnID, &h.ConversationID, &role, &h.Content,
			&h.CreatedAt, &source, &h.Similarity,
		); err != nil {
			return convo.RecallHit{}, err
		}
		h.Role = convo.Role(role)
		h.Source = convo.Source(source)
		h.Similarity = clamp01(h.Similarity)
		return h, nil
	})
	if err != nil {
		return nil, fmt.Errorf("convo store: semantic recall scan: %w", err)
	}
	if hits == nil {
		hits = []convo.RecallHit{}
	}
	return hits, nil
}

// MatchKnowledge implements [convo.KnowledgeSearcher]. Retrieval goes through
// the tenant's match_documents procedure, which filters chunks to those whose
// permitted_agent_slugs contain the agent's slug. The permission filter lives
// in the data plane so no caller can bypass it.
func (s *Store) MatchKnowledge(ctx context.Context, q convo.KnowledgeQuery) ([]convo.KnowledgeHit, error) {
	const sql = `
		SELECT chunk_id, document_id, title, content, similarity
		FROM   match_documents($1, $2, $3, $4)`

	rows, err := s.db.Query(ctx, sql, pgvector.NewVector(q.Embedding), q.AgentSlug, q.Threshold, q.TopK)
	if err != nil {
		return nil, fmt.Errorf("convo store: match knowledge: %w", err)
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (convo.KnowledgeHit, error) {
		var h convo.KnowledgeHit
		if err := row.Scan(&h.ChunkID, &h.DocumentID, &h.Title, &h.Content, &h.Similarity); err != nil {
			return convo.KnowledgeHit{}, err
		}
		h.Similarity = clamp01(h.Similarity)
		return h, nil
	})
	if err != nil {
		return nil, fmt.Errorf("convo store: match knowledge scan: %w", err)
	}
	if hits == nil {
		hits = []convo.KnowledgeHit{}
	}
	return hits, nil
}

// Profile implements [convo.ProfileReader]. A missing profile returns
// (nil, nil) — absence is normal and must not degrade context assembly.
func (s *Store) Profile(ctx context.Context, userID string) (*convo.Profile, error) {
	const q = `
		SELECT name, email, attributes
		FROM   profiles
		WHERE  user_id = $1 AND tenant_id = $2`

	var (
		p         convo.Profile
		name      *string
		email     *string
		attrsJSON []byte
	)
	err := s.db.QueryRow(ctx, q, userID, s.tenantID).Scan(&name, &email, &attrsJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("convo store: profile %q: %w", userID, err)
	}

	p.UserID = userID
	p.TenantID = s.tenantID
	if name != nil {
		p.DisplayName = *name
	}
	if email != nil {
		p.Email = *email
	}
	if len(attrsJSON) > 0 {
		if err := json.Unmarshal(attrsJSON, &p.Attributes); err != nil {
			return nil, fmt.Errorf("convo store: profile attributes: %w", err)
		}
	}
	return &p, nil
}

// clamp01 clamps a similarity into [0, 1]. Floating-point distance arithmetic
// can stray a hair outside the range.
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

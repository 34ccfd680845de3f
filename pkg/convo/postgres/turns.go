package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/cadenzahq/cadenza/pkg/convo"
)

// TrivialLength is the content length below which embedding generation is
// skipped entirely (single-word acknowledgements carry no retrieval value).
// Citations still persist for trivial turns.
const TrivialLength = 3

// backfillAttempts bounds the asynchronous embedding backfill retries.
const backfillAttempts = 3

// RecordTurn implements [convo.TurnStore]. The conversation row is created
// if missing, then both transcript rows are inserted in one transaction. The
// assistant row's created_at is the user row's plus one microsecond so the
// pair orders deterministically within the conversation.
//
// On any failure the transaction rolls back and the reader observes zero
// rows for turnID.
func (s *Store) RecordTurn(ctx context.Context, conversationID, turnID uuid.UUID, meta convo.ConversationMeta, user, assistant convo.TurnWrite) error {
	userAt := time.Now().UTC()
	assistantAt := userAt.Add(time.Microsecond)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("convo store: record turn: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const ensureConv = `
		INSERT INTO conversations (id, tenant_id, agent_id, user_id, created_at, last_activity_at, mode)
		VALUES ($1, $2, $3, $4, $5, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
		    last_activity_at = GREATEST(conversations.last_activity_at, EXCLUDED.last_activity_at)`

	if _, err := tx.Exec(ctx, ensureConv,
		conversationID, s.tenantID, meta.AgentID, meta.UserID, userAt, string(meta.Mode),
	); err != nil {
		return fmt.Errorf("convo store: record turn: ensure conversation: %w", err)
	}

	if err := insertRow(ctx, tx, conversationID, turnID, convo.RoleUser, user, userAt); err != nil {
		return fmt.Errorf("convo store: record turn: user row: %w", err)
	}
	if err := insertRow(ctx, tx, conversationID, turnID, convo.RoleAssistant, assistant, assistantAt); err != nil {
		return fmt.Errorf("convo store: record turn: assistant row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("convo store: record turn: commit: %w", err)
	}

	s.scheduleBackfill(turnID, convo.RoleUser, user)
	s.scheduleBackfill(turnID, convo.RoleAssistant, assistant)

	if s.onCommitted != nil {
		s.onCommitted(conversationID.String(), turnID.String(), len(assistant.Citations) > 0)
	}
	return nil
}

// insertRow writes a single transcript row inside the transaction.
func insertRow(ctx context.Context, tx pgx.Tx, conversationID, turnID uuid.UUID, role convo.Role, w convo.TurnWrite, at time.Time) error {
	const q = `
		INSERT INTO conversation_transcripts
		    (turn_id, conversation_id, role, content, created_at, source, embedding, citations, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	var vec any
	if w.Embedding != nil {
		vec = pgvector.NewVector(w.Embedding)
	}

	var citationsJSON any
	if role == convo.RoleAssistant && len(w.Citations) > 0 {
		b, err := json.Marshal(w.Citations)
		if err != nil {
			return fmt.Errorf("marshal citations: %w", err)
		}
		citationsJSON = b
	}

	metaJSON, err := json.Marshal(emptyMap(w.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = tx.Exec(ctx, q,
		turnID, conversationID, string(role), w.Content, at, string(w.Source),
		vec, citationsJSON, metaJSON,
	)
	return err
}

// UpdateTurnEmbedding implements [convo.TurnStore].
func (s *Store) UpdateTurnEmbedding(ctx context.Context, turnID uuid.UUID, role convo.Role, embedding []float32) error {
	const q = `
		UPDATE conversation_transcripts
		SET    embedding = $3
		WHERE  turn_id = $1 AND role = $2`

	if _, err := s.db.Exec(ctx, q, turnID, string(role), pgvector.NewVector(embedding)); err != nil {
		return fmt.Errorf("convo store: update embedding: %w", err)
	}
	return nil
}

// scheduleBackfill launches a fire-and-forget embedding backfill for a row
// written without a vector. Trivial content is skipped. Failures are logged
// and never surfaced to the turn writer.
func (s *Store) scheduleBackfill(turnID uuid.UUID, role convo.Role, w convo.TurnWrite) {
	if s.embed == nil || w.Embedding != nil || len(w.Content) < TrivialLength {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var lastErr error
		for attempt := 1; attempt <= backfillAttempts; attempt++ {
			vec, err := s.embed(ctx, w.Content)
			if err == nil {
				if err = s.UpdateTurnEmbedding(ctx, turnID, role, vec); err == nil {
					return
				}
			}
			lastErr = err
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = backfillAttempts
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		slog.Warn("embedding backfill abandoned",
			"turn_id", turnID, "role", role, "err", lastErr)
	}()
}

// OrphanTurns implements [convo.TurnStore]. It returns user rows older than
// grace that never received their assistant counterpart — the observable
// residue of TurnWriteFailed sessions.
func (s *Store) OrphanTurns(ctx context.Context, grace time.Duration) ([]convo.Turn, error) {
	const q = `
		SELECT u.turn_id, u.conversation_id, u.role, u.content, u.created_at, u.source
		FROM   conversation_transcripts u
		WHERE  u.role = 'user'
		  AND  u.created_at < now() - ($1::bigint * interval '1 microsecond')
		  AND  NOT EXISTS (
		         SELECT 1 FROM conversation_transcripts a
		         WHERE  a.turn_id = u.turn_id AND a.role = 'assistant')
		ORDER  BY u.created_at`

	rows, err := s.db.Query(ctx, q, grace.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("convo store: orphan turns: %w", err)
	}
	defer rows.Close()

	var turns []convo.Turn
	for rows.Next() {
		var (
			t            convo.Turn
			role, source string
		)
		if err := rows.Scan(&t.TurnID, &t.ConversationID, &role, &t.Content, &t.CreatedAt, &source); err != nil {
			return nil, fmt.Errorf("convo store: orphan turns scan: %w", err)
		}
		t.Role = convo.Role(role)
		t.Source = convo.Source(source)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convo store: orphan turns: %w", err)
	}
	return turns, nil
}

// emptyMap returns m if non-nil, otherwise an empty non-nil map so JSON
// marshalling produces "{}" instead of "null".
func emptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

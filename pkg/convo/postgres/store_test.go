package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/cadenzahq/cadenza/pkg/convo"
	"github.com/cadenzahq/cadenza/pkg/convo/postgres"
)

const (
	testTenant = "t-test"
	testAgent  = "agent-1"
	testDim    = 4
)

// testDSN returns the test database DSN from the environment, or skips the
// test if CADENZA_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CADENZA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CADENZA_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// knowledgeDDL stands in for the ingest pipeline's tables and procedure,
// which production deployments provision separately.
const knowledgeDDL = `
CREATE TABLE IF NOT EXISTS documents (
    id    TEXT PRIMARY KEY,
    title TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS document_chunks (
    id                    TEXT PRIMARY KEY,
    document_id           TEXT NOT NULL REFERENCES documents(id),
    content               TEXT NOT NULL,
    embedding             VECTOR,
    permitted_agent_slugs TEXT[] NOT NULL DEFAULT '{}'
);
CREATE OR REPLACE FUNCTION match_documents(query VECTOR, agent TEXT, min_similarity FLOAT, k INT)
RETURNS TABLE (chunk_id TEXT, document_id TEXT, title TEXT, content TEXT, similarity FLOAT)
LANGUAGE sql STABLE AS $$
    SELECT c.id, c.document_id, d.title, c.content, 1 - (c.embedding <=> query)
    FROM   document_chunks c
    JOIN   documents d ON d.id = c.document_id
    WHERE  agent = ANY(c.permitted_agent_slugs)
      AND  1 - (c.embedding <=> query) >= min_similarity
    ORDER  BY c.embedding <=> query
    LIMIT  k
$$;
`

// newTestStore opens a pool against the test database, resets the schema,
// and returns a Store bound to the test tenant.
func newTestStore(t *testing.T) (*postgres.Store, *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()

	cfg, err := pgxpool.ParseConfig(testDSN(t))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)

	ddl := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`DROP TABLE IF EXISTS conversation_transcripts, conversations, profiles, document_chunks, documents CASCADE`,
		postgres.Schema,
		knowledgeDDL,
	}
	for _, stmt := range ddl {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("schema setup: %v", err)
		}
	}

	return postgres.NewStore(pool, testTenant), pool
}

func meta(userID string) convo.ConversationMeta {
	return convo.ConversationMeta{
		TenantID: testTenant,
		AgentID:  testAgent,
		UserID:   userID,
		Mode:     convo.SourceText,
	}
}

func vec(vals ...float32) []float32 {
	out := make([]float32, testDim)
	copy(out, vals)
	return out
}

func TestRecordTurnAndRecentTurns(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	convID := uuid.New()

	for i, msg := range []struct{ user, assistant string }{
		{"what are your opening hours?", "We open at nine."},
		{"and on weekends?", "Ten on Saturdays, closed Sundays."},
	} {
		err := store.RecordTurn(ctx, convID, uuid.New(), meta("u1"),
			convo.TurnWrite{Content: msg.user, Source: convo.SourceText, Embedding: vec(0.1)},
			convo.TurnWrite{Content: msg.assistant, Source: convo.SourceText, Embedding: vec(0.2)},
		)
		if err != nil {
			t.Fatalf("RecordTurn %d: %v", i, err)
		}
	}

	turns, err := store.RecentTurns(ctx, convID, 10)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 4 {
		t.Fatalf("got %d rows, want 4", len(turns))
	}

	// Oldest first, user before assistant within each pair.
	for i := 0; i < len(turns)-1; i++ {
		if turns[i].CreatedAt.After(turns[i+1].CreatedAt) {
			t.Errorf("rows %d and %d out of order", i, i+1)
		}
	}
	if turns[0].Role != convo.RoleUser || turns[1].Role != convo.RoleAssistant {
		t.Errorf("first pair roles = %s, %s", turns[0].Role, turns[1].Role)
	}
	if turns[3].Content != "Ten on Saturdays, closed Sundays." {
		t.Errorf("last row content = %q", turns[3].Content)
	}
}

func TestRecentTurnsLimit(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	convID := uuid.New()

	for i := 0; i < 5; i++ {
		err := store.RecordTurn(ctx, convID, uuid.New(), meta("u1"),
			convo.TurnWrite{Content: "question", Source: convo.SourceText},
			convo.TurnWrite{Content: "answer", Source: convo.SourceText},
		)
		if err != nil {
			t.Fatalf("RecordTurn: %v", err)
		}
	}

	turns, err := store.RecentTurns(ctx, convID, 4)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 4 {
		t.Fatalf("got %d rows, want 4", len(turns))
	}

	empty, err := store.RecentTurns(ctx, uuid.New(), 10)
	if err != nil {
		t.Fatalf("RecentTurns on unknown conversation: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("unknown conversation returned %d rows", len(empty))
	}
}

func TestRecordTurnFailureLeavesNoRows(t *testing.T) {
	store, pool := newTestStore(t)
	ctx := context.Background()
	convID := uuid.New()
	turnID := uuid.New()

	// Replaying a turn ID collides with the primary key, so the whole
	// transaction must roll back.
	err := store.RecordTurn(ctx, convID, turnID, meta("u1"),
		convo.TurnWrite{Content: "hello", Source: convo.SourceText},
		convo.TurnWrite{Content: "hi there", Source: convo.SourceText},
	)
	if err != nil {
		t.Fatalf("seed RecordTurn: %v", err)
	}

	err = store.RecordTurn(ctx, convID, turnID, meta("u1"),
		convo.TurnWrite{Content: "replayed", Source: convo.SourceText},
		convo.TurnWrite{Content: "replayed", Source: convo.SourceText},
	)
	if err == nil {
		t.Fatal("duplicate turn ID should fail")
	}

	var n int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM conversation_transcripts WHERE turn_id = $1`, turnID).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("turn has %d rows after failed replay, want the original 2", n)
	}
}

func TestCommitHookFires(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	convID := uuid.New()
	turnID := uuid.New()

	type commit struct {
		conversationID, turnID string
		hasCitations           bool
	}
	var got []commit
	store.SetCommitHook(func(conversationID, tID string, hasCitations bool) {
		got = append(got, commit{conversationID, tID, hasCitations})
	})

	err := store.RecordTurn(ctx, convID, turnID, meta("u1"),
		convo.TurnWrite{Content: "hello", Source: convo.SourceText},
		convo.TurnWrite{
			Content:   "hi there",
			Source:    convo.SourceText,
			Citations: []convo.Citation{{DocumentID: "d1", ChunkID: "c1", Title: "FAQ", Similarity: 0.9}},
		},
	)
	if err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("hook fired %d times, want 1", len(got))
	}
	if got[0].turnID != turnID.String() || !got[0].hasCitations {
		t.Errorf("hook saw %+v", got[0])
	}
}

func TestSemanticRecall(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	near := uuid.New()
	far := uuid.New()
	bufferTurn := uuid.New()
	convID := uuid.New()

	write := func(turnID uuid.UUID, content string, v []float32) {
		t.Helper()
		err := store.RecordTurn(ctx, convID, turnID, meta("u1"),
			convo.TurnWrite{Content: content, Source: convo.SourceText, Embedding: v},
			convo.TurnWrite{Content: "noted", Source: convo.SourceText},
		)
		if err != nil {
			t.Fatalf("RecordTurn: %v", err)
		}
	}
	write(near, "the near turn", vec(1, 0, 0, 0))
	write(far, "the far turn", vec(0, 1, 0, 0))
	write(bufferTurn, "already in buffer", vec(1, 0, 0, 0))

	hits, err := store.SemanticRecall(ctx, convo.RecallQuery{
		UserID:         "u1",
		Embedding:      vec(1, 0, 0, 0),
		ExcludeTurnIDs: []uuid.UUID{bufferTurn},
		TopK:           5,
		Threshold:      0.5,
	})
	if err != nil {
		t.Fatalf("SemanticRecall: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1 (far turn below threshold, buffer turn excluded)", len(hits))
	}
	if hits[0].TurnID != near || hits[0].Content != "the near turn" {
		t.Errorf("hit = %+v", hits[0])
	}
	if hits[0].Similarity < 0.99 {
		t.Errorf("similarity = %f, want ~1", hits[0].Similarity)
	}

	// Another user sees nothing.
	other, err := store.SemanticRecall(ctx, convo.RecallQuery{
		UserID: "u2", Embedding: vec(1, 0, 0, 0), TopK: 5,
	})
	if err != nil {
		t.Fatalf("SemanticRecall other user: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("other user got %d hits", len(other))
	}
}

func TestMatchKnowledgeFiltersByAgent(t *testing.T) {
	store, pool := newTestStore(t)
	ctx := context.Background()

	if _, err := pool.Exec(ctx, `INSERT INTO documents (id, title) VALUES ('d1', 'Opening hours')`); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	seed := `INSERT INTO document_chunks (id, document_id, content, embedding, permitted_agent_slugs)
	         VALUES ($1, 'd1', $2, $3::vector, $4)`
	if _, err := pool.Exec(ctx, seed, "c1", "open at nine", "[1,0,0,0]", []string{testAgent}); err != nil {
		t.Fatalf("seed chunk: %v", err)
	}
	if _, err := pool.Exec(ctx, seed, "c2", "internal memo", "[1,0,0,0]", []string{"other-agent"}); err != nil {
		t.Fatalf("seed chunk: %v", err)
	}

	hits, err := store.MatchKnowledge(ctx, convo.KnowledgeQuery{
		AgentSlug: testAgent,
		Embedding: vec(1, 0, 0, 0),
		TopK:      5,
		Threshold: 0.5,
	})
	if err != nil {
		t.Fatalf("MatchKnowledge: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want only the permitted chunk", len(hits))
	}
	if hits[0].ChunkID != "c1" || hits[0].Title != "Opening hours" {
		t.Errorf("hit = %+v", hits[0])
	}
}

func TestOrphanTurns(t *testing.T) {
	store, pool := newTestStore(t)
	ctx := context.Background()
	convID := uuid.New()

	err := store.RecordTurn(ctx, convID, uuid.New(), meta("u1"),
		convo.TurnWrite{Content: "complete turn", Source: convo.SourceText},
		convo.TurnWrite{Content: "answered", Source: convo.SourceText},
	)
	if err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}

	// A lone user row, backdated past the grace window.
	orphanID := uuid.New()
	_, err = pool.Exec(ctx, `
		INSERT INTO conversation_transcripts (turn_id, conversation_id, role, content, created_at, source, metadata)
		VALUES ($1, $2, 'user', 'never answered', now() - interval '1 hour', 'text', '{}')`,
		orphanID, convID)
	if err != nil {
		t.Fatalf("seed orphan: %v", err)
	}

	orphans, err := store.OrphanTurns(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("OrphanTurns: %v", err)
	}
	if len(orphans) != 1 {
		t.Fatalf("got %d orphans, want 1", len(orphans))
	}
	if orphans[0].TurnID != orphanID || orphans[0].Content != "never answered" {
		t.Errorf("orphan = %+v", orphans[0])
	}
}

func TestProfileLookup(t *testing.T) {
	store, pool := newTestStore(t)
	ctx := context.Background()

	missing, err := store.Profile(ctx, "nobody")
	if err != nil {
		t.Fatalf("Profile missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("missing profile = %+v, want nil", missing)
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO profiles (user_id, tenant_id, name, email, attributes)
		VALUES ('u1', $1, 'Ada', 'ada@example.com', '{"tier":"gold"}')`, testTenant)
	if err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	p, err := store.Profile(ctx, "u1")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if p.DisplayName != "Ada" || p.Email != "ada@example.com" {
		t.Errorf("profile = %+v", p)
	}
	if p.Attributes["tier"] != "gold" {
		t.Errorf("attributes = %v", p.Attributes)
	}

	// Same user under a different tenant is invisible to this store.
	other := postgres.NewStore(pool, "t-other")
	none, err := other.Profile(ctx, "u1")
	if err != nil {
		t.Fatalf("Profile cross-tenant: %v", err)
	}
	if none != nil {
		t.Error("profile leaked across tenants")
	}
}

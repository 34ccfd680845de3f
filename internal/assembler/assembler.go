// Package assembler implements per-turn context assembly: the construction
// of an enhanced system prompt from the user profile, the short-term
// conversation buffer, semantic recall over past turns, and knowledge
// retrieval, under soft per-stage deadlines with graceful degradation.
//
// The pipeline runs profile fetch, buffer read, and query embedding in
// parallel; the two vector searches start as soon as the embedding is
// available. A failed or late stage contributes nothing but never prevents
// a prompt from being produced, with one exception: without a query
// embedding both searches are skipped and the degradation is recorded.
package assembler

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cadenzahq/cadenza/internal/agent"
	"github.com/cadenzahq/cadenza/internal/observe"
	"github.com/cadenzahq/cadenza/pkg/convo"
)

// Soft deadlines per stage. A stage that misses its deadline returns an
// empty contribution; the pipeline continues.
const (
	profileDeadline   = 150 * time.Millisecond
	bufferDeadline    = 200 * time.Millisecond
	embedDeadline     = 400 * time.Millisecond
	recallDeadline    = 300 * time.Millisecond
	knowledgeDeadline = 400 * time.Millisecond
)

// Total soft deadlines by mode.
const (
	TextDeadline  = 1200 * time.Millisecond
	VoiceDeadline = 700 * time.Millisecond
)

// maxMessageChars clips oversized user messages before assembly.
const maxMessageChars = 4096

// Stage names used in elapsed/degradation metadata.
const (
	StageProfile   = "profile"
	StageBuffer    = "buffer"
	StageEmbed     = "embed"
	StageRecall    = "recall"
	StageKnowledge = "knowledge"
)

// Embedder is the slice of the embedding gateway the assembler needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Reranker refines knowledge candidates. Optional; rerank is best-effort
// and skipped entirely when absent or failing.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string) ([]float64, error)
}

// Stores bundles the tenant data-plane read surfaces the pipeline queries.
type Stores struct {
	Profiles  convo.ProfileReader
	Turns     convo.TurnReader
	Knowledge convo.KnowledgeSearcher
}

// Request is one context assembly invocation.
type Request struct {
	Agent          *agent.Agent
	UserID         string
	ConversationID uuid.UUID

	// Message is the user utterance driving this turn. Clipped to 4096
	// characters.
	Message string

	// Mode selects the total soft deadline (text 1200ms, voice 700ms).
	Mode convo.Source
}

// Metadata describes how the bundle was assembled.
type Metadata struct {
	ProfileFound     bool
	ConversationHits int
	KnowledgeHits    int

	// ElapsedMS records wall time per stage.
	ElapsedMS map[string]int64

	// Degraded lists stages that timed out or failed. The special value
	// "embedding_unavailable" marks the recall and knowledge stages being
	// skipped for lack of a query embedding.
	Degraded []string

	// DroppedSections lists prompt sections removed by the token budget.
	DroppedSections []string
}

// ContextBundle is the assembled, never-persisted result of one build.
type ContextBundle struct {
	EnhancedSystemPrompt string

	// Citations mirrors the knowledge section, in its display order.
	Citations []convo.Citation

	// BufferMessages is the short-term buffer, oldest first.
	BufferMessages []convo.Turn

	// QueryEmbedding is the user message's vector when stage S3 succeeded.
	// Callers reuse it for the turn write to avoid a second embed call.
	QueryEmbedding []float32

	Metadata Metadata
}

// Builder runs the assembly pipeline. Construct one per tenant request or
// session; it is safe for concurrent Build calls.
type Builder struct {
	stores   Stores
	embedder Embedder
	reranker Reranker

	textDeadline  time.Duration
	voiceDeadline time.Duration
	metrics       *observe.Metrics

	// onDegraded observes stage degradations. May be nil; must not block.
	onDegraded func(stage string)
}

// Option is a functional option for [New].
type Option func(*Builder)

// WithReranker attaches a best-effort reranker for the knowledge stage.
func WithReranker(r Reranker) Option {
	return func(b *Builder) { b.reranker = r }
}

// WithDeadlines overrides the total soft deadlines per mode.
func WithDeadlines(text, voice time.Duration) Option {
	return func(b *Builder) {
		if text > 0 {
			b.textDeadline = text
		}
		if voice > 0 {
			b.voiceDeadline = voice
		}
	}
}

// WithDegradedHook installs a stage degradation observer.
func WithDegradedHook(fn func(stage string)) Option {
	return func(b *Builder) { b.onDegraded = fn }
}

// WithMetrics overrides the instrument set recording assembly latencies.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Builder) { b.metrics = m }
}

// New creates a Builder over the given stores and embedding gateway.
func New(stores Stores, embedder Embedder, opts ...Option) *Builder {
	b := &Builder{
		stores:        stores,
		embedder:      embedder,
		textDeadline:  TextDeadline,
		voiceDeadline: VoiceDeadline,
		metrics:       observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build assembles the context bundle for one user turn. It always returns a
// bundle; degradations surface in the metadata, never as errors. The only
// error conditions are an invalid request or a cancelled context.
func (b *Builder) Build(ctx context.Context, req Request) (*ContextBundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	message := clipMessage(req.Message)
	retrieval := req.Agent.Retrieval()

	total := b.textDeadline
	if req.Mode == convo.SourceVoice {
		total = b.voiceDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	stats := &stageStats{elapsedMS: map[string]int64{}}

	var (
		profile   *convo.Profile
		buffer    []convo.Turn
		embedding []float32
	)

	// S1-S3 are independent and run in parallel.
	var g errgroup.Group
	g.Go(b.stage(ctx, stats, StageProfile, profileDeadline, func(ctx context.Context) error {
		var err error
		profile, err = b.stores.Profiles.Profile(ctx, req.UserID)
		return err
	}))
	g.Go(b.stage(ctx, stats, StageBuffer, bufferDeadline, func(ctx context.Context) error {
		var err error
		buffer, err = b.stores.Turns.RecentTurns(ctx, req.ConversationID, retrieval.BufferTurns)
		return err
	}))
	g.Go(b.stage(ctx, stats, StageEmbed, embedDeadline, func(ctx context.Context) error {
		var err error
		embedding, err = b.embedder.Embed(ctx, message)
		return err
	}))
	g.Wait()

	var (
		recall    []convo.RecallHit
		knowledge []convo.KnowledgeHit
	)
	if len(embedding) > 0 {
		// S4 and S5 need the query embedding and run in parallel.
		var g2 errgroup.Group
		g2.Go(b.stage(ctx, stats, StageRecall, recallDeadline, func(ctx context.Context) error {
			var err error
			recall, err = b.stores.Turns.SemanticRecall(ctx, convo.RecallQuery{
				UserID:         req.UserID,
				Embedding:      embedding,
				ExcludeTurnIDs: turnIDs(buffer),
				TopK:           retrieval.ConversationTopK,
				Threshold:      retrieval.ConversationThreshold,
			})
			return err
		}))
		g2.Go(b.stage(ctx, stats, StageKnowledge, knowledgeDeadline, func(ctx context.Context) error {
			var err error
			knowledge, err = b.searchKnowledge(ctx, req.Agent, message, embedding, retrieval)
			return err
		}))
		g2.Wait()
	} else {
		stats.mu.Lock()
		stats.degraded = append(stats.degraded, "embedding_unavailable")
		stats.mu.Unlock()
		if b.onDegraded != nil {
			b.onDegraded("embedding_unavailable")
		}
	}

	recall = dropBufferedTurns(recall, buffer)
	sortRecall(recall)
	sortKnowledge(knowledge)

	prompt, dropped := composePrompt(promptInput{
		systemPrompt:     req.Agent.SystemPrompt,
		profile:          profile,
		buffer:           buffer,
		recall:           recall,
		knowledge:        knowledge,
		maxContextTokens: req.Agent.Defaults.MaxContextTokens,
	})

	bundle := &ContextBundle{
		EnhancedSystemPrompt: prompt,
		BufferMessages:       buffer,
		QueryEmbedding:       embedding,
		Metadata: Metadata{
			ProfileFound:     profile != nil,
			ConversationHits: len(recall),
			KnowledgeHits:    len(knowledge),
			ElapsedMS:        stats.elapsedMS,
			Degraded:         stats.degraded,
			DroppedSections:  dropped,
		},
	}

	// Citations mirror the knowledge section unless the budget dropped it.
	bundle.Citations = []convo.Citation{}
	if !slices.Contains(dropped, sectionKnowledge) {
		for _, h := range knowledge {
			bundle.Citations = append(bundle.Citations, h.Citation())
		}
	}

	b.metrics.RecordAssembly(ctx, string(req.Mode), time.Since(start).Seconds())
	return bundle, nil
}

// stageStats accumulates per-stage accounting across the parallel stages.
type stageStats struct {
	mu        sync.Mutex
	elapsedMS map[string]int64
	degraded  []string
}

// stage wraps one pipeline stage with its soft deadline, elapsed-time
// accounting, and degradation recording. Stage errors never propagate.
func (b *Builder) stage(ctx context.Context, stats *stageStats, name string, deadline time.Duration, fn func(ctx context.Context) error) func() error {
	return func() error {
		start := time.Now()
		stageCtx, cancel := context.WithTimeout(ctx, deadline)
		err := fn(stageCtx)
		cancel()

		elapsed := time.Since(start)
		stats.mu.Lock()
		stats.elapsedMS[name] = elapsed.Milliseconds()
		if err != nil {
			stats.degraded = append(stats.degraded, name)
		}
		stats.mu.Unlock()

		b.metrics.RecordAssemblyStage(ctx, name, elapsed.Seconds(), err != nil)
		if err != nil && b.onDegraded != nil {
			b.onDegraded(name)
		}
		return nil
	}
}

// searchKnowledge runs the knowledge stage: vector search, then best-effort
// rerank of twice the requested candidates, keeping the top K.
func (b *Builder) searchKnowledge(ctx context.Context, a *agent.Agent, message string, embedding []float32, retrieval convo.RetrievalDefaults) ([]convo.KnowledgeHit, error) {
	fetch := retrieval.KnowledgeTopK
	if b.reranker != nil {
		fetch *= 2
	}

	hits, err := b.stores.Knowledge.MatchKnowledge(ctx, convo.KnowledgeQuery{
		AgentSlug: a.Slug,
		Embedding: embedding,
		TopK:      fetch,
		Threshold: retrieval.KnowledgeThreshold,
	})
	if err != nil {
		return nil, err
	}

	if b.reranker == nil || len(hits) <= retrieval.KnowledgeTopK {
		if len(hits) > retrieval.KnowledgeTopK {
			hits = hits[:retrieval.KnowledgeTopK]
		}
		return hits, nil
	}

	docs := make([]string, len(hits))
	for i, h := range hits {
		docs[i] = h.Content
	}
	scores, err := b.reranker.Rerank(ctx, message, docs)
	if err != nil || len(scores) != len(hits) {
		// Rerank is best-effort; fall back to similarity order.
		return hits[:retrieval.KnowledgeTopK], nil
	}

	ranked := make([]rankedHit, len(hits))
	for i := range hits {
		ranked[i] = rankedHit{hits[i], scores[i]}
	}
	// Rerank score descending, chunk ID tie-break for determinism.
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].hit.ChunkID < ranked[j].hit.ChunkID
	})

	kept := make([]convo.KnowledgeHit, 0, retrieval.KnowledgeTopK)
	for i := 0; i < retrieval.KnowledgeTopK && i < len(ranked); i++ {
		kept = append(kept, ranked[i].hit)
	}
	return kept, nil
}

type rankedHit struct {
	hit   convo.KnowledgeHit
	score float64
}

// clipMessage enforces the 4096-character message bound, appending an
// ellipsis when anything was cut.
func clipMessage(s string) string {
	return excerpt(s, maxMessageChars)
}

// turnIDs collects the buffer's turn IDs for recall exclusion.
func turnIDs(buffer []convo.Turn) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(buffer))
	seen := map[uuid.UUID]bool{}
	for _, t := range buffer {
		if !seen[t.TurnID] {
			seen[t.TurnID] = true
			ids = append(ids, t.TurnID)
		}
	}
	return ids
}

// dropBufferedTurns removes recall hits that also appear in the buffer, so
// no message shows up twice across prompt sections.
func dropBufferedTurns(hits []convo.RecallHit, buffer []convo.Turn) []convo.RecallHit {
	if len(hits) == 0 || len(buffer) == 0 {
		return hits
	}
	buffered := map[uuid.UUID]bool{}
	for _, t := range buffer {
		buffered[t.TurnID] = true
	}
	kept := hits[:0]
	for _, h := range hits {
		if !buffered[h.TurnID] {
			kept = append(kept, h)
		}
	}
	return kept
}

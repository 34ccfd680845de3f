package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cadenzahq/cadenza/internal/agent"
	"github.com/cadenzahq/cadenza/internal/assembler"
	"github.com/cadenzahq/cadenza/internal/embedgw"
	"github.com/cadenzahq/cadenza/internal/fault"
	"github.com/cadenzahq/cadenza/internal/observe"
	"github.com/cadenzahq/cadenza/internal/session"
	"github.com/cadenzahq/cadenza/internal/tenant"
	"github.com/cadenzahq/cadenza/pkg/convo"
	"github.com/cadenzahq/cadenza/pkg/convo/postgres"
	"github.com/cadenzahq/cadenza/pkg/provider/llm"
)

// CommitHook observes committed turns, typically to publish realtime
// events. Must not block.
type CommitHook func(conversationID, turnID string, hasCitations bool)

// TextPipeline answers text turns inline: assemble context, complete, and
// write the turn. One pipeline serves all tenants; per-tenant state is
// resolved per call through the tenant registry.
type TextPipeline struct {
	tenants    *tenant.Registry
	sidecarURL string
	cacheSize  int
	onCommit   CommitHook
	logger     *slog.Logger
	metrics    *observe.Metrics

	deadlineOpts []assembler.Option

	mu       sync.Mutex
	gateways map[string]*embedgw.Gateway
}

var _ TextResponder = (*TextPipeline)(nil)

// PipelineOption is a functional option for [NewTextPipeline].
type PipelineOption func(*TextPipeline)

// WithSidecarURL points the local-bge embedding profile at a sidecar.
func WithSidecarURL(url string) PipelineOption {
	return func(p *TextPipeline) { p.sidecarURL = url }
}

// WithEmbedCacheSize sizes the embedding LRU of every gateway the pipeline
// builds. Non-positive values keep the gateway default.
func WithEmbedCacheSize(n int) PipelineOption {
	return func(p *TextPipeline) { p.cacheSize = n }
}

// WithPipelineMetrics overrides the instrument set recording turn writes.
func WithPipelineMetrics(m *observe.Metrics) PipelineOption {
	return func(p *TextPipeline) { p.metrics = m }
}

// WithCommitHook installs a turn-commit observer.
func WithCommitHook(h CommitHook) PipelineOption {
	return func(p *TextPipeline) { p.onCommit = h }
}

// WithAssemblerOptions forwards options to every per-call context builder.
func WithAssemblerOptions(opts ...assembler.Option) PipelineOption {
	return func(p *TextPipeline) { p.deadlineOpts = opts }
}

// WithPipelineLogger sets the pipeline's logger.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *TextPipeline) { p.logger = l }
}

// NewTextPipeline creates the inline text responder.
func NewTextPipeline(tenants *tenant.Registry, opts ...PipelineOption) *TextPipeline {
	p := &TextPipeline{
		tenants:  tenants,
		logger:   slog.Default(),
		metrics:  observe.DefaultMetrics(),
		gateways: map[string]*embedgw.Gateway{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Respond implements [TextResponder].
func (p *TextPipeline) Respond(ctx context.Context, t *tenant.Tenant, a *agent.Agent, userID string, conversationID uuid.UUID, message string) (string, error) {
	plane, err := p.tenants.DataPlaneFor(ctx, t)
	if err != nil {
		return "", err
	}
	if dim := plane.VectorDimensions(); dim != 0 && a.Embedding.Dim != dim {
		return "", fault.New(fault.InvalidDispatch,
			"text: agent %s embeds %d dimensions but tenant store holds vector(%d)", a.Slug, a.Embedding.Dim, dim)
	}

	gateway, err := p.gatewayFor(t, a.Embedding)
	if err != nil {
		return "", err
	}

	store := postgres.NewStore(plane.Pool(), t.ID)
	store.SetBackfillEmbedder(gateway.Embed)
	if p.onCommit != nil {
		store.SetCommitHook(postgres.CommitHook(p.onCommit))
	}

	builderOpts := p.deadlineOpts
	if gateway.Reranks() {
		builderOpts = append([]assembler.Option{assembler.WithReranker(gateway)}, builderOpts...)
	}
	builder := assembler.New(assembler.Stores{
		Profiles:  store,
		Turns:     store,
		Knowledge: store,
	}, gateway, builderOpts...)

	bundle, err := builder.Build(ctx, assembler.Request{
		Agent:          a,
		UserID:         userID,
		ConversationID: conversationID,
		Message:        message,
		Mode:           convo.SourceText,
	})
	if err != nil {
		return "", fmt.Errorf("text: assemble context: %w", err)
	}

	model, err := session.NewLLM(a.Model, t.ProviderKeys)
	if err != nil {
		return "", fault.Wrap(fault.InvalidDispatch, err)
	}
	completion, err := model.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: bundle.EnhancedSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: message}},
		Temperature:  a.Defaults.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("text: completion: %w", err)
	}

	turnID := uuid.New()
	meta := convo.ConversationMeta{TenantID: t.ID, AgentID: a.ID, UserID: userID, Mode: convo.SourceText}
	user := convo.TurnWrite{Content: message, Embedding: bundle.QueryEmbedding, Source: convo.SourceText}
	assistant := convo.TurnWrite{Content: completion.Content, Citations: bundle.Citations, Source: convo.SourceText}

	start := time.Now()
	if err := store.RecordTurn(ctx, conversationID, turnID, meta, user, assistant); err != nil {
		p.logger.Warn("turn write failed, retrying once", "conversation", conversationID.String(), "error", err)
		if err := store.RecordTurn(ctx, conversationID, turnID, meta, user, assistant); err != nil {
			p.metrics.RecordTurnWriteFailure(ctx, t.ID)
			return "", err
		}
	}
	p.metrics.RecordTurnWrite(ctx, t.ID, time.Since(start).Seconds())

	return completion.Content, nil
}

// gatewayFor returns the cached embedding gateway for a tenant and profile,
// creating it on first use. The key covers the credential, so key rotation
// yields a fresh gateway instead of reusing a stale client.
func (p *TextPipeline) gatewayFor(t *tenant.Tenant, profile agent.EmbeddingProfile) (*embedgw.Gateway, error) {
	key, _ := t.ProviderKey(profile.Provider)
	cacheKey := fmt.Sprintf("%s|%s|%s|%d|%s", t.ID, profile.Provider, profile.Model, profile.Dim, key)

	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.gateways[cacheKey]; ok {
		return g, nil
	}
	var gwOpts []embedgw.Option
	if p.cacheSize > 0 {
		gwOpts = append(gwOpts, embedgw.WithCacheSize(p.cacheSize))
	}
	g, err := session.NewEmbedder(profile, t.ProviderKeys, p.sidecarURL, gwOpts...)
	if err != nil {
		return nil, err
	}
	p.gateways[cacheKey] = g
	return g, nil
}

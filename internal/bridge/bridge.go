// Package bridge translates worker speech events into turn-store writes and
// a realtime pub/sub stream scoped by conversation. For every turn ID, at
// most one user and one agent speech event are acted on; repeats are
// dropped.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cadenzahq/cadenza/internal/fault"
	"github.com/cadenzahq/cadenza/internal/observe"
	"github.com/cadenzahq/cadenza/pkg/convo"
)

// Event kinds published to subscribers.
const (
	EventUserSpeech    = "user_speech_committed"
	EventAgentSpeech   = "agent_speech_committed"
	EventTurnCommitted = "turn_committed"
)

// pendingTTL bounds how long a user speech event waits for its agent
// counterpart before being forgotten.
const pendingTTL = 10 * time.Minute

// seenEvents sizes the at-most-once dedup window.
const seenEvents = 8192

// Event is the wire shape published on a conversation channel.
type Event struct {
	Kind           string           `json:"kind"`
	ConversationID string           `json:"conversation_id"`
	TurnID         string           `json:"turn_id"`
	Text           string           `json:"text,omitempty"`
	Citations      []convo.Citation `json:"citations,omitempty"`
	HasCitations   bool             `json:"has_citations,omitempty"`
	At             time.Time        `json:"at"`
}

// Channel names the pub/sub channel carrying a conversation's events.
func Channel(conversationID uuid.UUID) string {
	return "conversation:" + conversationID.String()
}

// Publisher delivers serialized events to a channel. [RedisPublisher] is the
// production implementation.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Bridge pairs speech events into atomic turn writes and publishes realtime
// updates. Safe for concurrent use; events for one turn may arrive from
// different goroutines.
type Bridge struct {
	turns   convo.TurnStore
	pub     Publisher
	logger  *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	mu      sync.Mutex
	seen    *lru.Cache[string, struct{}]
	pending map[uuid.UUID]pendingTurn
}

// pendingTurn is a buffered user speech event awaiting its agent
// counterpart.
type pendingTurn struct {
	conversationID uuid.UUID
	meta           convo.ConversationMeta
	write          convo.TurnWrite
	at             time.Time
}

// Option is a functional option for [New].
type Option func(*Bridge)

// WithLogger sets the bridge's logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithMetrics overrides the instrument set recording turn-write latency.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// New creates a Bridge writing through turns and publishing through pub.
// turns may be nil for a publish-only bridge whose callers persist turns
// themselves and only use [Bridge.TurnCommitted]; pub may be nil to write
// turns without realtime publication.
func New(turns convo.TurnStore, pub Publisher, opts ...Option) *Bridge {
	seen, _ := lru.New[string, struct{}](seenEvents)
	b := &Bridge{
		turns:   turns,
		pub:     pub,
		logger:  slog.Default(),
		metrics: observe.DefaultMetrics(),
		now:     time.Now,
		seen:    seen,
		pending: map[uuid.UUID]pendingTurn{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// UserSpeechCommitted buffers the user half of a turn and publishes the
// realtime event. A repeated event for the same turn is dropped.
func (b *Bridge) UserSpeechCommitted(ctx context.Context, conversationID, turnID uuid.UUID, meta convo.ConversationMeta, write convo.TurnWrite) error {
	b.mu.Lock()
	if b.isSeenLocked(turnID, EventUserSpeech) {
		b.mu.Unlock()
		return nil
	}
	b.markSeenLocked(turnID, EventUserSpeech)
	b.prunePendingLocked()
	b.pending[turnID] = pendingTurn{
		conversationID: conversationID,
		meta:           meta,
		write:          write,
		at:             b.now(),
	}
	b.mu.Unlock()

	b.publish(ctx, Event{
		Kind:           EventUserSpeech,
		ConversationID: conversationID.String(),
		TurnID:         turnID.String(),
		Text:           write.Content,
		At:             b.now(),
	})
	return nil
}

// AgentSpeechCommitted completes a turn: the buffered user half and this
// agent half are written atomically, then the realtime and turn-committed
// events are published. A repeated event for an already committed turn, or
// for one whose write is still in flight, is dropped; a failed write leaves
// the turn retryable.
func (b *Bridge) AgentSpeechCommitted(ctx context.Context, conversationID, turnID uuid.UUID, write convo.TurnWrite) error {
	b.mu.Lock()
	if b.isSeenLocked(turnID, EventAgentSpeech) {
		b.mu.Unlock()
		return nil
	}
	p, ok := b.pending[turnID]
	if !ok {
		b.mu.Unlock()
		return fault.New(fault.TurnWriteFailed, "bridge: turn %s: agent speech without a user speech event", turnID)
	}
	// Reserve the dedup slot before the write: a concurrent repeat for the
	// same turn is dropped while the write is in flight. A failed write
	// releases the slot, keeping the turn retryable.
	b.markSeenLocked(turnID, EventAgentSpeech)
	b.mu.Unlock()

	start := time.Now()
	if err := b.turns.RecordTurn(ctx, conversationID, turnID, p.meta, p.write, write); err != nil {
		b.mu.Lock()
		b.unmarkSeenLocked(turnID, EventAgentSpeech)
		b.mu.Unlock()
		return fmt.Errorf("bridge: commit turn %s: %w", turnID, err)
	}
	b.metrics.RecordTurnWrite(ctx, p.meta.TenantID, time.Since(start).Seconds())

	b.mu.Lock()
	delete(b.pending, turnID)
	b.mu.Unlock()

	b.publish(ctx, Event{
		Kind:           EventAgentSpeech,
		ConversationID: conversationID.String(),
		TurnID:         turnID.String(),
		Text:           write.Content,
		Citations:      write.Citations,
		At:             b.now(),
	})
	b.publish(ctx, Event{
		Kind:           EventTurnCommitted,
		ConversationID: conversationID.String(),
		TurnID:         turnID.String(),
		HasCitations:   len(write.Citations) > 0,
		At:             b.now(),
	})
	return nil
}

// TurnCommitted publishes a turn-committed event for turns written outside
// the speech path, such as inline text mode. Hook this to the turn store's
// commit callback.
func (b *Bridge) TurnCommitted(ctx context.Context, conversationID, turnID string, hasCitations bool) {
	b.publish(ctx, Event{
		Kind:           EventTurnCommitted,
		ConversationID: conversationID,
		TurnID:         turnID,
		HasCitations:   hasCitations,
		At:             b.now(),
	})
}

// publish is best effort: a failed publish is logged, never surfaced. Turn
// durability comes from the store, not the stream.
func (b *Bridge) publish(ctx context.Context, ev Event) {
	if b.pub == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("marshal event", "kind", ev.Kind, "error", err)
		return
	}
	channel := "conversation:" + ev.ConversationID
	if err := b.pub.Publish(ctx, channel, payload); err != nil {
		b.logger.Warn("publish event", "kind", ev.Kind, "channel", channel, "error", err)
	}
}

func (b *Bridge) isSeenLocked(turnID uuid.UUID, kind string) bool {
	return b.seen.Contains(turnID.String() + "\x00" + kind)
}

func (b *Bridge) markSeenLocked(turnID uuid.UUID, kind string) {
	b.seen.Add(turnID.String()+"\x00"+kind, struct{}{})
}

func (b *Bridge) unmarkSeenLocked(turnID uuid.UUID, kind string) {
	b.seen.Remove(turnID.String() + "\x00" + kind)
}

// prunePendingLocked drops user halves that never saw an agent counterpart.
func (b *Bridge) prunePendingLocked() {
	cutoff := b.now().Add(-pendingTTL)
	for id, p := range b.pending {
		if p.at.Before(cutoff) {
			b.logger.Warn("dropping stale pending turn", "turn_id", id.String())
			delete(b.pending, id)
		}
	}
}

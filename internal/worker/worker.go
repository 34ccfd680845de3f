// Package worker implements the per-room agent worker: a single-room
// process that attaches to the media plane, serves user utterances through
// the context assembler and the language model, and persists every turn
// through the event bridge. Turns are strictly serialised; overlapping
// utterances queue on the session lock.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/cadenzahq/cadenza/internal/assembler"
	"github.com/cadenzahq/cadenza/internal/dispatch"
	"github.com/cadenzahq/cadenza/internal/health"
	"github.com/cadenzahq/cadenza/internal/observe"
	"github.com/cadenzahq/cadenza/internal/supervisor"
	"github.com/cadenzahq/cadenza/pkg/convo"
	"github.com/cadenzahq/cadenza/pkg/provider/llm"
)

// Env reads the bootstrap environment the supervisor hands to every worker.
type Env struct {
	Profile  dispatch.Profile
	RoomName string
	Listen   string

	// MediaURL and MediaToken attach the worker to its room as an agent
	// participant.
	MediaURL   string
	MediaToken string
}

// Additional environment variables beyond the supervisor's set.
const (
	// EnvMediaURL is the media plane base URL for the agent attachment.
	EnvMediaURL = "CADENZA_MEDIA_URL"

	// EnvMediaToken is the agent participant token for the room.
	EnvMediaToken = "CADENZA_MEDIA_TOKEN"
)

// ReadEnv decodes the worker bootstrap environment.
func ReadEnv() (*Env, error) {
	raw := os.Getenv(supervisor.EnvProfile)
	if raw == "" {
		return nil, fmt.Errorf("worker: %s is not set", supervisor.EnvProfile)
	}
	var profile dispatch.Profile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		return nil, fmt.Errorf("worker: decode %s: %w", supervisor.EnvProfile, err)
	}

	env := &Env{
		Profile:    profile,
		RoomName:   os.Getenv(supervisor.EnvRoom),
		Listen:     os.Getenv(supervisor.EnvListen),
		MediaURL:   os.Getenv(EnvMediaURL),
		MediaToken: os.Getenv(EnvMediaToken),
	}
	if env.RoomName == "" {
		return nil, fmt.Errorf("worker: %s is not set", supervisor.EnvRoom)
	}
	// The job description carries the room attachment unless the pool
	// overrides it.
	if env.MediaURL == "" {
		env.MediaURL = profile.MediaURL
	}
	if env.MediaToken == "" {
		env.MediaToken = profile.AgentToken
	}
	return env, nil
}

// ContextBuilder is the slice of [assembler.Builder] the session needs.
type ContextBuilder interface {
	Build(ctx context.Context, req assembler.Request) (*assembler.ContextBundle, error)
}

// SpeechSink receives the paired halves of every served turn. The event
// bridge is the production implementation.
type SpeechSink interface {
	UserSpeechCommitted(ctx context.Context, conversationID, turnID uuid.UUID, meta convo.ConversationMeta, write convo.TurnWrite) error
	AgentSpeechCommitted(ctx context.Context, conversationID, turnID uuid.UUID, write convo.TurnWrite) error
}

// Session serves one room for one conversation.
type Session struct {
	profile dispatch.Profile
	media   MediaSession
	builder ContextBuilder
	model   llm.Provider
	sink    SpeechSink
	gate    *health.Gate
	logger  *slog.Logger
	metrics *observe.Metrics

	// turnMu serialises turn processing; only one user utterance is in
	// flight at a time.
	turnMu sync.Mutex
}

// SessionOption is a functional option for [NewSession].
type SessionOption func(*Session)

// WithMetrics overrides the instrument set recording session counts and
// turn-write failures.
func WithMetrics(m *observe.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// NewSession assembles a session from its collaborators.
func NewSession(profile dispatch.Profile, media MediaSession, builder ContextBuilder, model llm.Provider, sink SpeechSink, gate *health.Gate, logger *slog.Logger, opts ...SessionOption) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		profile: profile,
		media:   media,
		builder: builder,
		model:   model,
		sink:    sink,
		gate:    gate,
		logger:  logger,
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run serves room events until the room empties, the event stream closes,
// or the context is cancelled. The readiness gate opens on entry and closes
// when draining starts.
func (s *Session) Run(ctx context.Context) error {
	s.gate.SetReady()
	defer s.gate.SetNotReady("draining")

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.Background(), -1)

	for {
		select {
		case <-ctx.Done():
			s.media.Close("shutdown")
			return ctx.Err()
		case ev, ok := <-s.media.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case EventUserUtterance:
				if err := s.serveTurn(ctx, ev.Text); err != nil {
					s.logger.Error("turn failed", "room", s.profile.ConversationID.String(), "error", err)
				}
			case EventRoomEmpty:
				s.logger.Info("room empty, draining")
				s.media.Close("room empty")
				return nil
			case EventParticipantJoined, EventParticipantLeft:
				s.logger.Debug("participant change", "kind", ev.Kind, "identity", ev.Identity)
			}
		}
	}
}

// serveTurn runs one user utterance through assembly, completion, reply,
// and persistence. A failed turn write is retried once; persistent failure
// is surfaced to the session log but never ends the session.
func (s *Session) serveTurn(ctx context.Context, text string) error {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	if text == "" {
		return nil
	}

	a := s.profile.Agent()
	bundle, err := s.builder.Build(ctx, assembler.Request{
		Agent:          a,
		UserID:         s.profile.UserID,
		ConversationID: s.profile.ConversationID,
		Message:        text,
		Mode:           convo.SourceVoice,
	})
	if err != nil {
		return fmt.Errorf("assemble context: %w", err)
	}

	turnID := uuid.New()
	meta := convo.ConversationMeta{
		TenantID: s.profile.TenantID,
		AgentID:  s.profile.AgentID,
		UserID:   s.profile.UserID,
		Mode:     convo.SourceVoice,
	}
	if err := s.sink.UserSpeechCommitted(ctx, s.profile.ConversationID, turnID, meta, convo.TurnWrite{
		Content:   text,
		Embedding: bundle.QueryEmbedding,
		Source:    convo.SourceVoice,
	}); err != nil {
		return fmt.Errorf("record user speech: %w", err)
	}

	completion, err := s.model.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: bundle.EnhancedSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: text}},
		Temperature:  a.Defaults.Temperature,
	})
	if err != nil {
		return fmt.Errorf("completion: %w", err)
	}

	if err := s.media.SendSpeech(ctx, completion.Content); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}

	write := convo.TurnWrite{
		Content:   completion.Content,
		Citations: bundle.Citations,
		Source:    convo.SourceVoice,
	}
	if err := s.sink.AgentSpeechCommitted(ctx, s.profile.ConversationID, turnID, write); err != nil {
		s.logger.Warn("turn write failed, retrying once", "error", err)
		if err := s.sink.AgentSpeechCommitted(ctx, s.profile.ConversationID, turnID, write); err != nil {
			s.metrics.RecordTurnWriteFailure(ctx, s.profile.TenantID)
			return fmt.Errorf("record turn: %w", err)
		}
	}
	return nil
}

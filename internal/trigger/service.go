// Package trigger implements the inbound trigger endpoint: the single entry
// point that binds a tenant and agent, then either answers a text turn
// inline or dispatches a voice worker into a media room.
package trigger

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cadenzahq/cadenza/internal/agent"
	"github.com/cadenzahq/cadenza/internal/dispatch"
	"github.com/cadenzahq/cadenza/internal/fault"
	"github.com/cadenzahq/cadenza/internal/observe"
	"github.com/cadenzahq/cadenza/internal/tenant"
	"github.com/cadenzahq/cadenza/pkg/convo"
)

// Request is the structured trigger payload.
type Request struct {
	TenantKey      string       `json:"tenant_key"`
	AgentSlug      string       `json:"agent_slug,omitempty"`
	Mode           convo.Source `json:"mode"`
	UserID         string       `json:"user_id"`
	ConversationID string       `json:"conversation_id,omitempty"`
	RoomName       string       `json:"room_name,omitempty"`
	Message        string       `json:"message,omitempty"`
}

// AgentInfo describes the bound agent in a trigger response.
type AgentInfo struct {
	ID    string             `json:"id"`
	Name  string             `json:"name"`
	Model agent.ModelProfile `json:"model_profile"`
}

// Response is the trigger result. Text mode fills Response; voice mode
// fills the room fields.
type Response struct {
	ConversationID string    `json:"conversation_id"`
	Response       string    `json:"response,omitempty"`
	RoomName       string    `json:"room_name,omitempty"`
	ServerURL      string    `json:"server_url,omitempty"`
	UserToken      string    `json:"user_token,omitempty"`
	DispatchStatus string    `json:"dispatch_status"`
	AgentInfo      AgentInfo `json:"agent_info"`
}

// Dispatch statuses reported for inline text turns.
const (
	statusCompleted = "completed"
	statusFailed    = "failed"
)

// TenantResolver is the slice of [tenant.Registry] the service needs.
type TenantResolver interface {
	Resolve(ctx context.Context, key string) (*tenant.Tenant, error)
}

// AgentResolver is the slice of [agent.Registry] the service needs.
type AgentResolver interface {
	Resolve(ctx context.Context, t *tenant.Tenant, slug string) (*agent.Agent, error)
}

// Dispatcher is the slice of [dispatch.Controller] the service needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// TextResponder answers a text turn inline: context assembly, completion,
// and the turn write. [TextPipeline] is the production implementation.
type TextResponder interface {
	Respond(ctx context.Context, t *tenant.Tenant, a *agent.Agent, userID string, conversationID uuid.UUID, message string) (string, error)
}

// Service executes trigger requests. Safe for concurrent use.
type Service struct {
	tenants    TenantResolver
	agents     AgentResolver
	dispatcher Dispatcher
	text       TextResponder
	metrics    *observe.Metrics
	logger     *slog.Logger
}

// Option is a functional option for [NewService].
type Option func(*Service)

// WithMetrics attaches request metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the service's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService wires the trigger service.
func NewService(tenants TenantResolver, agents AgentResolver, dispatcher Dispatcher, text TextResponder, opts ...Option) *Service {
	s := &Service{
		tenants:    tenants,
		agents:     agents,
		dispatcher: dispatcher,
		text:       text,
		metrics:    observe.DefaultMetrics(),
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Trigger binds the tenant and agent, then runs the requested mode.
func (s *Service) Trigger(ctx context.Context, req Request) (*Response, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	t, err := s.tenants.Resolve(ctx, req.TenantKey)
	if err != nil {
		return nil, err
	}
	a, err := s.agents.Resolve(ctx, t, req.AgentSlug)
	if err != nil {
		return nil, err
	}

	conversationID, err := conversationID(req.ConversationID)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		ConversationID: conversationID.String(),
		AgentInfo:      AgentInfo{ID: a.ID, Name: a.DisplayName, Model: a.Model},
	}

	switch req.Mode {
	case convo.SourceText:
		answer, err := s.text.Respond(ctx, t, a, req.UserID, conversationID, req.Message)
		if err != nil {
			s.metrics.RecordDispatch(ctx, t.ID, string(req.Mode), statusFailed)
			return nil, err
		}
		resp.Response = answer
		resp.DispatchStatus = statusCompleted
		s.metrics.RecordDispatch(ctx, t.ID, string(req.Mode), statusCompleted)
		s.metrics.RecordTurnCommitted(ctx, t.ID, string(req.Mode))

	case convo.SourceVoice:
		result, err := s.dispatcher.Dispatch(ctx, dispatch.Request{
			Tenant:         t,
			Agent:          a,
			UserID:         req.UserID,
			ConversationID: conversationID,
			RoomName:       req.RoomName,
			Mode:           req.Mode,
		})
		if err != nil {
			s.metrics.RecordDispatch(ctx, t.ID, string(req.Mode), statusFailed)
			return nil, err
		}
		resp.RoomName = result.RoomName
		resp.ServerURL = result.ServerURL
		resp.UserToken = result.UserToken
		resp.DispatchStatus = string(result.WorkerClaimState)
		s.metrics.RecordDispatch(ctx, t.ID, string(req.Mode), string(result.WorkerClaimState))
	}

	return resp, nil
}

func validate(req Request) error {
	if req.TenantKey == "" {
		return fault.New(fault.InvalidDispatch, "trigger: tenant_key is required")
	}
	if req.UserID == "" {
		return fault.New(fault.InvalidDispatch, "trigger: user_id is required")
	}
	if !req.Mode.IsValid() {
		return fault.New(fault.InvalidDispatch, "trigger: mode must be voice or text")
	}
	if req.Mode == convo.SourceText && req.Message == "" {
		return fault.New(fault.InvalidDispatch, "trigger: message is required in text mode")
	}
	return nil
}

func conversationID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fault.New(fault.InvalidDispatch, "trigger: conversation_id %q is not a UUID", raw)
	}
	return id, nil
}

package trigger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/cadenzahq/cadenza/internal/agent"
	"github.com/cadenzahq/cadenza/internal/dispatch"
	"github.com/cadenzahq/cadenza/internal/fault"
	"github.com/cadenzahq/cadenza/internal/tenant"
	"github.com/cadenzahq/cadenza/pkg/convo"
)

type mockTenants struct {
	tenant *tenant.Tenant
	err    error
}

func (m *mockTenants) Resolve(context.Context, string) (*tenant.Tenant, error) {
	return m.tenant, m.err
}

type mockAgents struct {
	agent *agent.Agent
	err   error

	lastSlug string
}

func (m *mockAgents) Resolve(_ context.Context, _ *tenant.Tenant, slug string) (*agent.Agent, error) {
	m.lastSlug = slug
	return m.agent, m.err
}

type mockDispatcher struct {
	result *dispatch.Result
	err    error

	lastReq dispatch.Request
}

func (m *mockDispatcher) Dispatch(_ context.Context, req dispatch.Request) (*dispatch.Result, error) {
	m.lastReq = req
	return m.result, m.err
}

type mockText struct {
	answer string
	err    error

	lastMessage string
	lastConvID  uuid.UUID
}

func (m *mockText) Respond(_ context.Context, _ *tenant.Tenant, _ *agent.Agent, _ string, conversationID uuid.UUID, message string) (string, error) {
	m.lastMessage = message
	m.lastConvID = conversationID
	return m.answer, m.err
}

func fixtures() (*mockTenants, *mockAgents, *mockDispatcher, *mockText) {
	t := &mockTenants{tenant: &tenant.Tenant{ID: "t_acme", Slug: "acme", Active: true}}
	a := &mockAgents{agent: &agent.Agent{
		ID:          "ag_ada",
		Slug:        "ada",
		DisplayName: "Ada",
		Model:       agent.ModelProfile{LLMProvider: "groq", LLMModel: "llama-3.3-70b"},
	}}
	return t, a, &mockDispatcher{}, &mockText{answer: "The spa opens at 7am."}
}

func TestTrigger_TextMode(t *testing.T) {
	tenants, agents, disp, text := fixtures()
	s := NewService(tenants, agents, disp, text)

	resp, err := s.Trigger(context.Background(), Request{
		TenantKey: "acme",
		Mode:      convo.SourceText,
		UserID:    "U1",
		Message:   "When does the spa open?",
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	if resp.Response != "The spa opens at 7am." {
		t.Errorf("response: got %q", resp.Response)
	}
	if resp.DispatchStatus != "completed" {
		t.Errorf("dispatch status: got %q", resp.DispatchStatus)
	}
	if resp.AgentInfo.ID != "ag_ada" || resp.AgentInfo.Name != "Ada" {
		t.Errorf("agent info: %+v", resp.AgentInfo)
	}
	if resp.ConversationID == "" {
		t.Error("conversation id must be generated when absent")
	}
	if agents.lastSlug != "" {
		t.Errorf("agent slug: got %q, want default resolution", agents.lastSlug)
	}
	if text.lastConvID.String() != resp.ConversationID {
		t.Error("pipeline saw a different conversation id than the response")
	}
}

func TestTrigger_VoiceMode(t *testing.T) {
	tenants, agents, disp, text := fixtures()
	disp.result = &dispatch.Result{
		RoomName:         "r_test_1",
		UserToken:        "jwt",
		WorkerClaimState: dispatch.ClaimRunning,
		ServerURL:        "https://plane.acme.example",
	}
	s := NewService(tenants, agents, disp, text)

	conv := uuid.New()
	resp, err := s.Trigger(context.Background(), Request{
		TenantKey:      "acme",
		AgentSlug:      "ada",
		Mode:           convo.SourceVoice,
		UserID:         "U1",
		ConversationID: conv.String(),
		RoomName:       "r_test_1",
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	if resp.RoomName != "r_test_1" || resp.UserToken != "jwt" || resp.ServerURL != "https://plane.acme.example" {
		t.Errorf("room fields: %+v", resp)
	}
	if resp.DispatchStatus != "running" {
		t.Errorf("dispatch status: got %q", resp.DispatchStatus)
	}
	if resp.ConversationID != conv.String() {
		t.Errorf("conversation id: got %q, want %q", resp.ConversationID, conv.String())
	}
	if disp.lastReq.RoomName != "r_test_1" || disp.lastReq.ConversationID != conv {
		t.Errorf("dispatch request: %+v", disp.lastReq)
	}
}

func TestTrigger_Validation(t *testing.T) {
	tenants, agents, disp, text := fixtures()
	s := NewService(tenants, agents, disp, text)

	cases := []struct {
		name string
		req  Request
	}{
		{"missing tenant", Request{Mode: convo.SourceText, UserID: "U1", Message: "hi"}},
		{"missing user", Request{TenantKey: "acme", Mode: convo.SourceText, Message: "hi"}},
		{"bad mode", Request{TenantKey: "acme", Mode: "video", UserID: "U1"}},
		{"text without message", Request{TenantKey: "acme", Mode: convo.SourceText, UserID: "U1"}},
		{"bad conversation id", Request{TenantKey: "acme", Mode: convo.SourceText, UserID: "U1", Message: "hi", ConversationID: "not-a-uuid"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Trigger(context.Background(), tc.req); !fault.Is(err, fault.InvalidDispatch) {
				t.Errorf("got %v, want InvalidDispatch fault", err)
			}
		})
	}
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/trigger", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_TextRoundTrip(t *testing.T) {
	tenants, agents, disp, text := fixtures()
	s := NewService(tenants, agents, disp, text)

	rec := post(t, s.Handler(), `{"tenant_key":"acme","mode":"text","user_id":"U1","message":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Response != "The spa opens at 7am." || resp.DispatchStatus != "completed" {
		t.Errorf("response: %+v", resp)
	}
}

func TestHandler_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(*mockTenants, *mockAgents, *mockDispatcher)
		body   string
		status int
	}{
		{
			"unknown tenant",
			func(mt *mockTenants, _ *mockAgents, _ *mockDispatcher) {
				mt.tenant, mt.err = nil, tenant.ErrNotFound
			},
			`{"tenant_key":"ghost","mode":"text","user_id":"U1","message":"hi"}`,
			http.StatusNotFound,
		},
		{
			"degraded tenant",
			func(mt *mockTenants, _ *mockAgents, _ *mockDispatcher) {
				mt.tenant, mt.err = nil, fault.New(fault.TenantUnavailable, "data plane down")
			},
			`{"tenant_key":"acme","mode":"text","user_id":"U1","message":"hi"}`,
			http.StatusServiceUnavailable,
		},
		{
			"unknown agent",
			func(_ *mockTenants, ma *mockAgents, _ *mockDispatcher) {
				ma.agent, ma.err = nil, fault.New(fault.AgentNotFound, "no agent ghost")
			},
			`{"tenant_key":"acme","agent_slug":"ghost","mode":"text","user_id":"U1","message":"hi"}`,
			http.StatusNotFound,
		},
		{
			"media plane down",
			func(_ *mockTenants, _ *mockAgents, md *mockDispatcher) {
				md.result, md.err = nil, fault.New(fault.DispatchUnavailable, "plane down")
			},
			`{"tenant_key":"acme","mode":"voice","user_id":"U1"}`,
			http.StatusBadGateway,
		},
		{
			"invalid request",
			func(*mockTenants, *mockAgents, *mockDispatcher) {},
			`{"tenant_key":"acme","mode":"text","user_id":"U1"}`,
			http.StatusUnprocessableEntity,
		},
		{
			"malformed json",
			func(*mockTenants, *mockAgents, *mockDispatcher) {},
			`{"tenant_key":`,
			http.StatusBadRequest,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tenants, agents, disp, text := fixtures()
			tc.setup(tenants, agents, disp)
			s := NewService(tenants, agents, disp, text)

			rec := post(t, s.Handler(), tc.body)
			if rec.Code != tc.status {
				t.Errorf("status: got %d, want %d (body %s)", rec.Code, tc.status, rec.Body.String())
			}
		})
	}
}

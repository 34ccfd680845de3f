package mediaplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cadenzahq/cadenza/internal/fault"
	"github.com/cadenzahq/cadenza/internal/tenant"
)

func testClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(tenant.MediaPlaneConfig{
		URL:       url,
		APIKey:    "key_test",
		APISecret: "secret_test_secret_test_secret_t",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestCreateRoom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/rooms" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth == "" {
			t.Error("missing Authorization header")
		}
		var req CreateRoomRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Name != "cadenza_concierge_123_abc" {
			t.Errorf("room name: got %q", req.Name)
		}
		if len(req.JobDescription) == 0 {
			t.Error("job description missing")
		}
		json.NewEncoder(w).Encode(Room{Name: req.Name, EmptyTimeout: req.EmptyTimeout})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	room, err := c.CreateRoom(context.Background(), CreateRoomRequest{
		Name:           "cadenza_concierge_123_abc",
		EmptyTimeout:   300,
		JobDescription: json.RawMessage(`{"agent_id":"ag_1"}`),
	})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if room.Name != "cadenza_concierge_123_abc" {
		t.Errorf("got room %q", room.Name)
	}
}

func TestCreateRoom_4xxIsInvalidDispatch(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad job description", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.CreateRoom(context.Background(), CreateRoomRequest{Name: "r"})
	if !fault.Is(err, fault.InvalidDispatch) {
		t.Fatalf("got %v, want InvalidDispatch fault", err)
	}
	if calls.Load() != 1 {
		t.Errorf("4xx retried: %d calls, want 1", calls.Load())
	}
}

func TestCreateRoom_5xxRetriesOnceThenUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.CreateRoom(context.Background(), CreateRoomRequest{Name: "r"})
	if !fault.Is(err, fault.DispatchUnavailable) {
		t.Fatalf("got %v, want DispatchUnavailable fault", err)
	}
	if calls.Load() != 2 {
		t.Errorf("got %d calls, want 2 (one retry)", calls.Load())
	}
}

func TestCreateRoom_5xxThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(Room{Name: "r"})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	if _, err := c.CreateRoom(context.Background(), CreateRoomRequest{Name: "r"}); err != nil {
		t.Fatalf("CreateRoom should succeed on retry: %v", err)
	}
}

func TestListParticipants(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/rooms/myroom/participants" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"participants": []Participant{
				{Identity: "user-1", Kind: "user"},
				{Identity: "agent-concierge", Kind: "agent"},
			},
		})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	parts, err := c.ListParticipants(context.Background(), "myroom")
	if err != nil {
		t.Fatalf("ListParticipants: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("got %d participants, want 2", len(parts))
	}
	if parts[1].Kind != "agent" {
		t.Errorf("got kind %q, want agent", parts[1].Kind)
	}
}

func TestMintParticipantToken(t *testing.T) {
	c := testClient(t, "http://plane.example")
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	signed, err := c.MintParticipantToken("user-1", "myroom", 5*time.Minute)
	if err != nil {
		t.Fatalf("MintParticipantToken: %v", err)
	}

	var claims tokenClaims
	_, err = jwt.ParseWithClaims(signed, &claims, func(*jwt.Token) (any, error) {
		return []byte("secret_test_secret_test_secret_t"), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(func() time.Time { return base }))
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}

	if claims.Subject != "user-1" {
		t.Errorf("subject: got %q", claims.Subject)
	}
	if claims.Issuer != "key_test" {
		t.Errorf("issuer: got %q", claims.Issuer)
	}
	if claims.Grants.Room != "myroom" || !claims.Grants.RoomJoin {
		t.Errorf("grants: got %+v", claims.Grants)
	}
	if got := claims.ExpiresAt.Time; !got.Equal(base.Add(5 * time.Minute)) {
		t.Errorf("expiry: got %v, want %v", got, base.Add(5*time.Minute))
	}
}

func TestMintParticipantToken_ClampsTTL(t *testing.T) {
	c := testClient(t, "http://plane.example")
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	for _, ttl := range []time.Duration{0, time.Hour} {
		signed, err := c.MintParticipantToken("user-1", "myroom", ttl)
		if err != nil {
			t.Fatalf("MintParticipantToken(%v): %v", ttl, err)
		}
		var claims tokenClaims
		if _, err := jwt.ParseWithClaims(signed, &claims, func(*jwt.Token) (any, error) {
			return []byte("secret_test_secret_test_secret_t"), nil
		}, jwt.WithTimeFunc(func() time.Time { return base })); err != nil {
			t.Fatalf("parse token: %v", err)
		}
		if got := claims.ExpiresAt.Time; !got.Equal(base.Add(MaxTokenTTL)) {
			t.Errorf("ttl %v: expiry got %v, want clamp to %v", ttl, got, base.Add(MaxTokenTTL))
		}
	}
}

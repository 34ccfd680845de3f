// Package mediaplane implements the client for a tenant's media plane: room
// creation with attached job descriptions, participant listing, and join
// token minting.
//
// The media plane is an external WebRTC SFU deployment owned by the tenant.
// This client only drives its control API; media itself flows between the
// worker, the plane, and the end user.
package mediaplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cadenzahq/cadenza/internal/fault"
	"github.com/cadenzahq/cadenza/internal/resilience"
	"github.com/cadenzahq/cadenza/internal/tenant"
)

// Room is the media plane's view of a created room.
type Room struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`

	// EmptyTimeout is how long the plane keeps the room alive with no
	// participants before destroying it, in seconds.
	EmptyTimeout int `json:"empty_timeout"`
}

// Participant is one connected room member.
type Participant struct {
	Identity string    `json:"identity"`
	Kind     string    `json:"kind"` // "user" or "agent"
	JoinedAt time.Time `json:"joined_at"`
}

// CreateRoomRequest describes a room to create. JobDescription is attached
// verbatim; the plane routes a single job carrying it to a matching worker
// pool.
type CreateRoomRequest struct {
	Name            string          `json:"name"`
	EmptyTimeout    int             `json:"empty_timeout,omitempty"`
	WorkerPoolLabel string          `json:"worker_pool_label,omitempty"`
	JobDescription  json.RawMessage `json:"job_description,omitempty"`
}

// Client talks to one tenant's media plane. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  []byte
	httpClient *http.Client

	// now is a test hook for token minting.
	now func() time.Time
}

// Option is a functional option for [NewClient].
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Client from the tenant's media-plane credentials.
func NewClient(cfg tenant.MediaPlaneConfig, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mediaplane: url must not be empty")
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("mediaplane: api keypair must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		apiSecret:  []byte(cfg.APISecret),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// retrySchedule is the media-plane retry policy: one extra attempt with a
// jittered 250ms-2s backoff on 5xx responses.
var retrySchedule = resilience.RetryConfig{
	Attempts:  2,
	BaseDelay: 250 * time.Millisecond,
	MaxDelay:  2 * time.Second,
}

// CreateRoom creates a room with the job description attached. Creating a
// room that already exists returns the existing room; the plane treats the
// call as idempotent on name.
func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (*Room, error) {
	if req.Name == "" {
		return nil, fault.New(fault.InvalidDispatch, "mediaplane: room name must not be empty")
	}
	var room Room
	if err := c.call(ctx, http.MethodPost, "/v1/rooms", req, &room); err != nil {
		return nil, fmt.Errorf("mediaplane: create room %q: %w", req.Name, err)
	}
	return &room, nil
}

// ListParticipants returns the current members of a room. An unknown room
// yields an InvalidDispatch fault.
func (c *Client) ListParticipants(ctx context.Context, roomName string) ([]Participant, error) {
	var out struct {
		Participants []Participant `json:"participants"`
	}
	path := "/v1/rooms/" + url.PathEscape(roomName) + "/participants"
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("mediaplane: list participants %q: %w", roomName, err)
	}
	return out.Participants, nil
}

// DeleteRoom tears a room down, disconnecting all participants.
func (c *Client) DeleteRoom(ctx context.Context, roomName string) error {
	path := "/v1/rooms/" + url.PathEscape(roomName)
	if err := c.call(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("mediaplane: delete room %q: %w", roomName, err)
	}
	return nil
}

// call issues one authenticated JSON request, retrying 5xx responses once.
// 4xx responses map to InvalidDispatch; persistent 5xx to
// DispatchUnavailable.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	err := resilience.Retry(ctx, retrySchedule, func(ctx context.Context) error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return resilience.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		token, err := c.adminToken()
		if err != nil {
			return resilience.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return resilience.Permanent(fmt.Errorf("decode response: %w", err))
			}
			return nil

		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return resilience.Permanent(fault.New(fault.InvalidDispatch,
				"media plane rejected request: %d %s", resp.StatusCode, strings.TrimSpace(string(msg))))

		default:
			return fmt.Errorf("media plane returned %d", resp.StatusCode)
		}
	})
	if err == nil {
		return nil
	}
	if _, ok := fault.KindOf(err); ok {
		return err
	}
	return fault.Wrap(fault.DispatchUnavailable, err)
}

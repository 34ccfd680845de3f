// Package dispatch implements the dispatch controller: deriving room names,
// building job descriptions, instructing the media plane to create rooms, and
// waiting for a worker to claim the job. Dispatch is idempotent per room
// name; concurrent calls for the same room collapse to one job.
package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cadenzahq/cadenza/internal/agent"
	"github.com/cadenzahq/cadenza/internal/fault"
	"github.com/cadenzahq/cadenza/internal/mediaplane"
	"github.com/cadenzahq/cadenza/internal/tenant"
	"github.com/cadenzahq/cadenza/pkg/convo"
)

const (
	// defaultRoomPrefix heads generated room names.
	defaultRoomPrefix = "cadenza"

	// defaultEmptyTimeout is how long, in seconds, the media plane keeps a
	// room alive with no participants before destroying it.
	defaultEmptyTimeout = 300

	// claimDeadline bounds the wait for a worker to claim the job. A room
	// whose job is unclaimed by then is reported pending, not failed; the
	// worker may still attach.
	claimDeadline = 8 * time.Second

	// claimPollInterval is the participant-list polling cadence.
	claimPollInterval = 500 * time.Millisecond
)

// ClaimState describes how far the worker got in claiming the job.
type ClaimState string

const (
	ClaimPending ClaimState = "pending"
	ClaimRunning ClaimState = "running"
	ClaimFailed  ClaimState = "failed"
)

// Profile is the job description attached to a room. The worker receives it
// verbatim via its environment. Credentials ride along by value for worker
// convenience; they remain resolvable from the tenant ID as the source of
// truth.
type Profile struct {
	TenantID       string                 `json:"tenant_id"`
	AgentID        string                 `json:"agent_id"`
	AgentSlug      string                 `json:"agent_slug"`
	SystemPrompt   string                 `json:"system_prompt"`
	Model          agent.ModelProfile     `json:"model_profile"`
	UserID         string                 `json:"user_id"`
	ConversationID uuid.UUID              `json:"conversation_id"`
	ProviderKeys   map[string]string      `json:"provider_keys"`
	Embedding      agent.EmbeddingProfile `json:"embedding_profile"`
	Defaults       agent.Defaults         `json:"defaults,omitempty"`

	// MediaURL and AgentToken attach the worker to its room as the agent
	// participant. The token is room-scoped and expires with the dispatch.
	MediaURL   string `json:"media_url,omitempty"`
	AgentToken string `json:"agent_token,omitempty"`
}

// Agent reconstructs the agent view a worker needs from its job
// description.
func (p Profile) Agent() *agent.Agent {
	return &agent.Agent{
		ID:           p.AgentID,
		TenantID:     p.TenantID,
		Slug:         p.AgentSlug,
		SystemPrompt: p.SystemPrompt,
		Model:        p.Model,
		Embedding:    p.Embedding,
		Defaults:     p.Defaults,
	}
}

// Request is one dispatch invocation. RoomName is optional; a name is
// generated when absent.
type Request struct {
	Tenant         *tenant.Tenant
	Agent          *agent.Agent
	UserID         string
	ConversationID uuid.UUID
	RoomName       string
	Mode           convo.Source
}

// Result is the outcome of a dispatch. Identical room names yield identical
// results while the job is live.
type Result struct {
	RoomName         string     `json:"room_name"`
	UserToken        string     `json:"user_token"`
	WorkerClaimState ClaimState `json:"worker_claim_state"`
	ServerURL        string     `json:"server_url"`
}

// MediaPlane is the slice of [mediaplane.Client] the controller needs.
type MediaPlane interface {
	CreateRoom(ctx context.Context, req mediaplane.CreateRoomRequest) (*mediaplane.Room, error)
	ListParticipants(ctx context.Context, roomName string) ([]mediaplane.Participant, error)
	MintParticipantToken(identity, roomName string, ttl time.Duration) (string, error)
}

// PlaneFactory opens a media-plane client for a tenant's configured plane.
type PlaneFactory func(t *tenant.Tenant) (MediaPlane, error)

// Spawner is notified after a room is created so an embedded worker pool can
// launch a worker for it. Remote pools ignore this path and pick the job up
// from the media plane's scheduler instead.
type Spawner func(roomName string, jobDescription []byte)

// DefaultPlaneFactory builds real clients from the tenant's media-plane
// credentials.
func DefaultPlaneFactory(t *tenant.Tenant) (MediaPlane, error) {
	return mediaplane.NewClient(t.MediaPlane)
}

// Controller creates rooms and tracks live dispatches. Safe for concurrent
// use.
type Controller struct {
	planes PlaneFactory
	spawn  Spawner
	logger *slog.Logger

	prefix       string
	poolLabel    string
	emptyTimeout int
	deadline     time.Duration
	poll         time.Duration
	now          func() time.Time

	mu      sync.Mutex
	jobs    map[string]*job
	expired map[string]bool
}

// job tracks one room's dispatch. Concurrent dispatches for the same room
// wait on done and share the result.
type job struct {
	done chan struct{}

	result     *Result
	err        error
	finishedAt time.Time
}

// Option is a functional option for [NewController].
type Option func(*Controller)

// WithRoomPrefix overrides the generated room name prefix.
func WithRoomPrefix(prefix string) Option {
	return func(c *Controller) { c.prefix = prefix }
}

// WithWorkerPool selects the worker pool label attached to created rooms.
// The media plane's scheduler routes the job to a matching pool.
func WithWorkerPool(label string) Option {
	return func(c *Controller) { c.poolLabel = label }
}

// WithEmptyTimeout overrides how many participant-free seconds the media
// plane keeps a room alive.
func WithEmptyTimeout(seconds int) Option {
	return func(c *Controller) {
		if seconds > 0 {
			c.emptyTimeout = seconds
		}
	}
}

// WithClaimWait overrides the claim deadline and polling interval.
func WithClaimWait(deadline, poll time.Duration) Option {
	return func(c *Controller) {
		if deadline > 0 {
			c.deadline = deadline
		}
		if poll > 0 {
			c.poll = poll
		}
	}
}

// WithSpawner registers an embedded worker pool. When set, every created
// room's job description is handed to fn so a local worker can claim it.
func WithSpawner(fn Spawner) Option {
	return func(c *Controller) { c.spawn = fn }
}

// WithLogger sets the controller's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// NewController creates a dispatch controller over the given plane factory.
func NewController(planes PlaneFactory, opts ...Option) *Controller {
	c := &Controller{
		planes:       planes,
		logger:       slog.Default(),
		prefix:       defaultRoomPrefix,
		emptyTimeout: defaultEmptyTimeout,
		deadline:     claimDeadline,
		poll:         claimPollInterval,
		now:          time.Now,
		jobs:         map[string]*job{},
		expired:      map[string]bool{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// MarkExpired records a tenant's provider credential as known-expired.
// Subsequent dispatches needing that credential fail before any network call.
func (c *Controller) MarkExpired(tenantID, provider string) {
	c.mu.Lock()
	c.expired[tenantID+"\x00"+provider] = true
	c.mu.Unlock()
}

// ClearExpired drops a known-expired marker, typically after key rotation.
func (c *Controller) ClearExpired(tenantID, provider string) {
	c.mu.Lock()
	delete(c.expired, tenantID+"\x00"+provider)
	c.mu.Unlock()
}

// Dispatch creates (or joins) the room for the request and returns the
// resulting claim. Two dispatches with the same room name collapse to the
// same job; the second caller receives the first's result.
func (c *Controller) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	profile := buildProfile(req)
	if provider, ok := c.expiredProvider(req.Tenant.ID, profile.ProviderKeys); ok {
		return nil, fault.New(fault.CredentialsExpired, "dispatch: tenant %s: %s credential is expired", req.Tenant.ID, provider)
	}

	roomName := req.RoomName
	if roomName == "" {
		var err error
		roomName, err = c.generateRoomName(req.Agent.Slug)
		if err != nil {
			return nil, err
		}
	}

	j, owner := c.claimJob(roomName)
	if !owner {
		select {
		case <-j.done:
			return j.result, j.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	result, err := c.run(ctx, roomName, req, profile)
	c.finishJob(roomName, j, result, err)
	return result, err
}

// Forget drops the completed dispatch record for a room, allowing a fresh
// dispatch under the same name. Called when the supervisor terminates the
// room's worker.
func (c *Controller) Forget(roomName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if j, ok := c.jobs[roomName]; ok && !j.finishedAt.IsZero() {
		delete(c.jobs, roomName)
	}
}

// claimJob returns the room's job entry and whether the caller owns it.
// Completed entries older than the token lifetime are evicted so the room
// can be redispatched after the media plane has reclaimed it.
func (c *Controller) claimJob(roomName string) (*job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if j, ok := c.jobs[roomName]; ok {
		if j.finishedAt.IsZero() || c.now().Sub(j.finishedAt) < mediaplane.MaxTokenTTL {
			return j, false
		}
		delete(c.jobs, roomName)
	}
	j := &job{done: make(chan struct{})}
	c.jobs[roomName] = j
	return j, true
}

func (c *Controller) finishJob(roomName string, j *job, result *Result, err error) {
	c.mu.Lock()
	j.result = result
	j.err = err
	j.finishedAt = c.now()
	if err != nil {
		// Failed dispatches do not pin the room name.
		delete(c.jobs, roomName)
	}
	c.mu.Unlock()
	close(j.done)
}

// run performs the actual dispatch: room creation, token mint, claim wait.
func (c *Controller) run(ctx context.Context, roomName string, req Request, profile Profile) (*Result, error) {
	plane, err := c.planes(req.Tenant)
	if err != nil {
		return nil, fault.Wrap(fault.DispatchUnavailable, fmt.Errorf("dispatch: open media plane for tenant %s: %w", req.Tenant.ID, err))
	}

	agentToken, err := plane.MintParticipantToken("agent", roomName, mediaplane.MaxTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("dispatch: mint agent token: %w", err)
	}
	profile.MediaURL = req.Tenant.MediaPlane.URL
	profile.AgentToken = agentToken

	description, err := json.Marshal(profile)
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshal job description: %w", err)
	}

	if _, err := plane.CreateRoom(ctx, mediaplane.CreateRoomRequest{
		Name:            roomName,
		EmptyTimeout:    c.emptyTimeout,
		WorkerPoolLabel: c.poolLabel,
		JobDescription:  description,
	}); err != nil {
		return nil, err
	}

	token, err := plane.MintParticipantToken(req.UserID, roomName, mediaplane.MaxTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("dispatch: mint user token: %w", err)
	}

	if c.spawn != nil {
		c.spawn(roomName, description)
	}

	state := c.waitForClaim(ctx, plane, roomName)
	c.logger.Info("dispatched room",
		"tenant", req.Tenant.ID,
		"agent", req.Agent.Slug,
		"room", roomName,
		"claim", string(state))

	return &Result{
		RoomName:         roomName,
		UserToken:        token,
		WorkerClaimState: state,
		ServerURL:        req.Tenant.MediaPlane.URL,
	}, nil
}

// waitForClaim polls the room's participant list until an agent participant
// appears or the claim deadline passes. Polling errors are tolerated; an
// unclaimed room is pending, never failed.
func (c *Controller) waitForClaim(ctx context.Context, plane MediaPlane, roomName string) ClaimState {
	deadline := time.NewTimer(c.deadline)
	defer deadline.Stop()
	tick := time.NewTicker(c.poll)
	defer tick.Stop()

	for {
		parts, err := plane.ListParticipants(ctx, roomName)
		if err == nil {
			for _, p := range parts {
				if p.Kind == "agent" {
					return ClaimRunning
				}
			}
		}
		select {
		case <-ctx.Done():
			return ClaimPending
		case <-deadline.C:
			return ClaimPending
		case <-tick.C:
		}
	}
}

// generateRoomName derives "{prefix}_{slug}_{ts}_{nonce}" with at least 64
// bits of nonce entropy.
func (c *Controller) generateRoomName(slug string) (string, error) {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("dispatch: room nonce: %w", err)
	}
	return fmt.Sprintf("%s_%s_%d_%s", c.prefix, slug, c.now().Unix(), hex.EncodeToString(nonce)), nil
}

// expiredProvider reports the first provider in the key subset that is on
// the known-expired list.
func (c *Controller) expiredProvider(tenantID string, keys map[string]string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for provider := range keys {
		if c.expired[tenantID+"\x00"+provider] {
			return provider, true
		}
	}
	return "", false
}

// buildProfile assembles the job description, restricting the credential
// payload to the providers the agent actually uses.
func buildProfile(req Request) Profile {
	providers := []string{
		req.Agent.Model.LLMProvider,
		req.Agent.Model.STTProvider,
		req.Agent.Model.TTSProvider,
		req.Agent.Embedding.Provider,
	}
	keys := map[string]string{}
	for _, p := range providers {
		if p == "" {
			continue
		}
		if v, ok := req.Tenant.ProviderKey(p); ok {
			keys[p] = v
		}
	}
	return Profile{
		TenantID:       req.Tenant.ID,
		AgentID:        req.Agent.ID,
		AgentSlug:      req.Agent.Slug,
		SystemPrompt:   req.Agent.SystemPrompt,
		Model:          req.Agent.Model,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		ProviderKeys:   keys,
		Embedding:      req.Agent.Embedding,
		Defaults:       req.Agent.Defaults,
	}
}

// validate rejects requests that contradict tenant or agent configuration.
func validate(req Request) error {
	if req.Tenant == nil || req.Agent == nil {
		return fault.New(fault.InvalidDispatch, "dispatch: tenant and agent are required")
	}
	if req.UserID == "" {
		return fault.New(fault.InvalidDispatch, "dispatch: user_id is required")
	}
	if req.ConversationID == uuid.Nil {
		return fault.New(fault.InvalidDispatch, "dispatch: conversation_id is required")
	}
	if req.Mode == convo.SourceVoice && (req.Agent.Model.STTProvider == "" || req.Agent.Model.TTSProvider == "") {
		return fault.New(fault.InvalidDispatch, "dispatch: agent %s has no voice pipeline configured", req.Agent.Slug)
	}
	return nil
}

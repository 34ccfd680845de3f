// Package config provides the configuration schema and loader for the
// Cadenza orchestration plane.
package config

import "time"

// LogLevel controls log verbosity for the Cadenza server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Cadenza.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader],
// then overridden by the recognised environment variables via [ApplyEnv].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Context      ContextConfig      `yaml:"context"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Realtime     RealtimeConfig     `yaml:"realtime"`
	Worker       WorkerConfig       `yaml:"worker"`
}

// ServerConfig holds network and logging settings for the trigger endpoint.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ControlPlaneConfig locates the store of tenants and agents.
type ControlPlaneConfig struct {
	// URL is the control-plane PostgreSQL connection string.
	// Overridden by CONTROL_PLANE_URL.
	URL string `yaml:"url"`

	// Credential is the service credential presented to the control plane.
	// Overridden by CONTROL_PLANE_CREDENTIAL.
	Credential string `yaml:"credential"`
}

// DispatchConfig tunes media-room creation and worker dispatch.
type DispatchConfig struct {
	// RoomPrefix prefixes generated room names. Default "cadenza".
	RoomPrefix string `yaml:"room_prefix"`

	// EmptyTimeoutSeconds is passed to the media plane when creating rooms;
	// the plane destroys a room after this many participant-free seconds.
	// Overridden by DEFAULT_EMPTY_TIMEOUT_SECONDS. Default 300.
	EmptyTimeoutSeconds int `yaml:"empty_timeout_seconds"`

	// WorkerPoolLabel selects which worker pool claims dispatched jobs.
	// Overridden by WORKER_POOL_LABEL.
	WorkerPoolLabel string `yaml:"worker_pool_label"`
}

// ContextConfig tunes the context assembler's soft deadlines.
type ContextConfig struct {
	// TextDeadlineMS is the total soft deadline for text-mode assembly.
	// Overridden by CONTEXT_DEADLINE_MS_TEXT. Default 1200.
	TextDeadlineMS int `yaml:"text_deadline_ms"`

	// VoiceDeadlineMS is the total soft deadline for voice-mode assembly.
	// Overridden by CONTEXT_DEADLINE_MS_VOICE. Default 700.
	VoiceDeadlineMS int `yaml:"voice_deadline_ms"`
}

// TextDeadline returns the text-mode assembly deadline as a duration.
func (c ContextConfig) TextDeadline() time.Duration {
	return time.Duration(c.TextDeadlineMS) * time.Millisecond
}

// VoiceDeadline returns the voice-mode assembly deadline as a duration.
func (c ContextConfig) VoiceDeadline() time.Duration {
	return time.Duration(c.VoiceDeadlineMS) * time.Millisecond
}

// EmbeddingConfig tunes the embedding/rerank gateway.
type EmbeddingConfig struct {
	// SidecarURL is the HTTP base URL of the embedder/reranker sidecar used
	// for the siliconflow and local-bge profiles.
	SidecarURL string `yaml:"sidecar_url"`

	// CacheSize is the embedding LRU capacity.
	// Overridden by EMBED_CACHE_SIZE. Default 10000.
	CacheSize int `yaml:"cache_size"`
}

// RealtimeConfig locates the pub/sub broker the event bridge publishes to.
type RealtimeConfig struct {
	// RedisAddr is the Redis address for realtime turn events
	// (e.g., "localhost:6379"). Empty disables publication; the transcript
	// table remains the source of truth either way.
	RedisAddr string `yaml:"redis_addr"`
}

// WorkerConfig holds settings for spawned per-room workers.
type WorkerConfig struct {
	// Binary is the worker executable launched per room.
	// Default "cadenza-worker".
	Binary string `yaml:"binary"`

	// ReadyTimeout bounds how long a fresh worker may take to pass its
	// readiness probe before the supervisor respawns it. Default 30s.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

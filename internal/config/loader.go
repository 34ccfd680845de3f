package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [LoadFromReader] for unset values.
const (
	DefaultEmptyTimeoutSeconds = 300
	DefaultTextDeadlineMS      = 1200
	DefaultVoiceDeadlineMS     = 700
	DefaultEmbedCacheSize      = 10000
	DefaultRoomPrefix          = "cadenza"
	DefaultWorkerBinary        = "cadenza-worker"
	DefaultWorkerReadyTimeout  = 30 * time.Second
)

// Load reads the YAML configuration file at path, applies defaults and
// environment overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and the
// recognised environment overrides, and validates the result. Useful in
// tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields with the package defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Dispatch.RoomPrefix == "" {
		cfg.Dispatch.RoomPrefix = DefaultRoomPrefix
	}
	if cfg.Dispatch.EmptyTimeoutSeconds <= 0 {
		cfg.Dispatch.EmptyTimeoutSeconds = DefaultEmptyTimeoutSeconds
	}
	if cfg.Context.TextDeadlineMS <= 0 {
		cfg.Context.TextDeadlineMS = DefaultTextDeadlineMS
	}
	if cfg.Context.VoiceDeadlineMS <= 0 {
		cfg.Context.VoiceDeadlineMS = DefaultVoiceDeadlineMS
	}
	if cfg.Embedding.CacheSize <= 0 {
		cfg.Embedding.CacheSize = DefaultEmbedCacheSize
	}
	if cfg.Worker.Binary == "" {
		cfg.Worker.Binary = DefaultWorkerBinary
	}
	if cfg.Worker.ReadyTimeout <= 0 {
		cfg.Worker.ReadyTimeout = DefaultWorkerReadyTimeout
	}
}

// ApplyEnv overrides cfg fields from the recognised environment variables.
// Malformed integer values are ignored in favour of the existing value.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("CONTROL_PLANE_URL"); v != "" {
		cfg.ControlPlane.URL = v
	}
	if v := os.Getenv("CONTROL_PLANE_CREDENTIAL"); v != "" {
		cfg.ControlPlane.Credential = v
	}
	if v := os.Getenv("WORKER_POOL_LABEL"); v != "" {
		cfg.Dispatch.WorkerPoolLabel = v
	}
	setIntEnv("DEFAULT_EMPTY_TIMEOUT_SECONDS", &cfg.Dispatch.EmptyTimeoutSeconds)
	setIntEnv("CONTEXT_DEADLINE_MS_TEXT", &cfg.Context.TextDeadlineMS)
	setIntEnv("CONTEXT_DEADLINE_MS_VOICE", &cfg.Context.VoiceDeadlineMS)
	setIntEnv("EMBED_CACHE_SIZE", &cfg.Embedding.CacheSize)
}

// setIntEnv parses the named environment variable into *dst when present and
// a valid positive integer.
func setIntEnv(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return
	}
	*dst = n
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.ControlPlane.URL == "" {
		errs = append(errs, errors.New("control_plane.url is required (or set CONTROL_PLANE_URL)"))
	}
	if cfg.Context.TextDeadlineMS < cfg.Context.VoiceDeadlineMS {
		errs = append(errs, fmt.Errorf("context.text_deadline_ms (%d) must not be below context.voice_deadline_ms (%d)",
			cfg.Context.TextDeadlineMS, cfg.Context.VoiceDeadlineMS))
	}
	if cfg.Dispatch.EmptyTimeoutSeconds < 10 {
		errs = append(errs, fmt.Errorf("dispatch.empty_timeout_seconds %d is too low; rooms would be reaped before workers attach", cfg.Dispatch.EmptyTimeoutSeconds))
	}

	return errors.Join(errs...)
}

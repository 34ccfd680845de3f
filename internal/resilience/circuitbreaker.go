// Package resilience provides retry and circuit-breaker primitives shared by
// the outbound clients (media plane, embedding gateway).
//
// [Retry] runs an operation with full-jitter exponential backoff.
// [CircuitBreaker] fails fast once a backend has produced enough consecutive
// failures, probing it again after a cooldown.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is a breaker's operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the cooldown
	// elapses.
	StateOpen

	// StateHalfOpen lets a single probe call through; its outcome decides
	// between closing and re-opening.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero-value fields get
// sensible defaults.
type CircuitBreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// MaxFailures is how many consecutive failures trip the breaker.
	// Default: 5.
	MaxFailures int

	// ResetTimeout is the cooldown before the first probe call.
	// Default: 30s.
	ResetTimeout time.Duration
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	return c
}

// CircuitBreaker fails fast on a backend that keeps erroring. After
// MaxFailures consecutive failures it rejects calls for ResetTimeout, then
// admits one probe: a successful probe closes the breaker, a failed one
// restarts the cooldown.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a breaker with the supplied configuration.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults()}
}

// Execute runs fn unless the breaker is rejecting calls, in which case it
// returns [ErrCircuitOpen] without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.stateLocked() {
	case StateOpen:
		cb.mu.Unlock()
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.probing {
			// Another goroutine holds the probe slot.
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
	if err != nil {
		cb.failures++
		if cb.failures == cb.cfg.MaxFailures {
			cb.openedAt = time.Now()
			slog.Warn("circuit breaker opened",
				"name", cb.cfg.Name, "consecutive_failures", cb.failures)
		} else if cb.failures > cb.cfg.MaxFailures {
			// Failed probe: restart the cooldown.
			cb.openedAt = time.Now()
			slog.Warn("circuit breaker re-opened after failed probe", "name", cb.cfg.Name)
		}
		return err
	}

	if cb.failures >= cb.cfg.MaxFailures {
		slog.Info("circuit breaker closed after successful probe", "name", cb.cfg.Name)
	}
	cb.failures = 0
	return nil
}

// State reports the breaker's current mode.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

// stateLocked derives the mode from the failure count and cooldown clock.
// Caller holds cb.mu.
func (cb *CircuitBreaker) stateLocked() State {
	if cb.failures < cb.cfg.MaxFailures {
		return StateClosed
	}
	if time.Since(cb.openedAt) < cb.cfg.ResetTimeout {
		return StateOpen
	}
	return StateHalfOpen
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probing = false
}

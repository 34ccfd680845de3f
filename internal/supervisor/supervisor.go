// Package supervisor drives worker lifecycles: one worker process per media
// room, spawned with its job description, probed for readiness, respawned on
// startup failure, and drained when its room empties.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cadenzahq/cadenza/internal/fault"
)

// State is a worker's lifecycle position. Transitions to Terminated are
// terminal.
type State string

const (
	StateSpawning    State = "spawning"
	StateRegistering State = "registering"
	StateReady       State = "ready"
	StateServing     State = "serving"
	StateDraining    State = "draining"
	StateTerminated  State = "terminated"
)

const (
	// startupWindow is the period after spawn in which readiness failures
	// trigger a respawn instead of a crash report.
	startupWindow = 30 * time.Second

	// probeInterval is the readiness polling cadence during startup.
	probeInterval = time.Second

	// probeFailLimit is the number of consecutive readiness failures that
	// kills a starting worker.
	probeFailLimit = 3

	// respawnLimit bounds how many replacement workers one room gets before
	// the dispatch is declared failed.
	respawnLimit = 3

	// reapGrace is how long a duplicate worker gets to exit after its
	// termination signal before being killed.
	reapGrace = 5 * time.Second

	// drainDeadline bounds a drain: a worker that has not exited by then is
	// killed.
	drainDeadline = 60 * time.Second
)

// Worker is one spawned worker process. Implementations wrap a local process
// or a container.
type Worker interface {
	// Ready probes the worker's readiness endpoint.
	Ready(ctx context.Context) error

	// Terminate asks the worker to exit gracefully.
	Terminate() error

	// Kill forcibly ends the worker.
	Kill() error

	// Done is closed when the process has exited.
	Done() <-chan struct{}

	// ExitErr reports how the process exited. Valid only after Done is
	// closed; nil means a clean exit.
	ExitErr() error
}

// Launcher spawns a worker for a room with its serialized job description.
type Launcher func(ctx context.Context, roomName string, jobDescription []byte) (Worker, error)

// Handle tracks one room's worker across respawns.
type Handle struct {
	RoomName string

	mu         sync.Mutex
	state      State
	reason     string
	worker     Worker
	spawnedAt  time.Time
	generation int

	// done is closed when the handle reaches Terminated.
	done chan struct{}
}

// State returns the worker's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err reports why the handle terminated, or nil while it is live or after a
// clean exit.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateTerminated && h.reason != "" {
		return fault.New(fault.WorkerCrash, "supervisor: room %s: %s", h.RoomName, h.reason)
	}
	return nil
}

// Done is closed once the handle reaches Terminated.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// transition moves the handle to next unless it is already terminal.
func (h *Handle) transition(next State, reason string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateTerminated {
		return false
	}
	h.state = next
	if reason != "" {
		h.reason = reason
	}
	if next == StateTerminated {
		close(h.done)
	}
	return true
}

func (h *Handle) currentWorker() Worker {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.worker
}

// Supervisor enforces the one-worker-per-room invariant. Safe for concurrent
// use.
type Supervisor struct {
	launch Launcher
	logger *slog.Logger

	startupWindow time.Duration
	probeInterval time.Duration
	reapGrace     time.Duration
	drainDeadline time.Duration

	mu      sync.Mutex
	workers map[string][]*Handle
}

// Option is a functional option for [New].
type Option func(*Supervisor)

// WithLogger sets the supervisor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithTimings overrides the lifecycle timings. Zero values keep defaults.
func WithTimings(startup, probe, reap, drain time.Duration) Option {
	return func(s *Supervisor) {
		if startup > 0 {
			s.startupWindow = startup
		}
		if probe > 0 {
			s.probeInterval = probe
		}
		if reap > 0 {
			s.reapGrace = reap
		}
		if drain > 0 {
			s.drainDeadline = drain
		}
	}
}

// New creates a Supervisor spawning workers through launch.
func New(launch Launcher, opts ...Option) *Supervisor {
	s := &Supervisor{
		launch:        launch,
		logger:        slog.Default(),
		startupWindow: startupWindow,
		probeInterval: probeInterval,
		reapGrace:     reapGrace,
		drainDeadline: drainDeadline,
		workers:       map[string][]*Handle{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// EnsureWorker spawns a worker for the room unless a live one already
// exists. Idempotent on room name: the live handle is returned as-is. When
// duplicates are found, the newest survives and the rest are reaped.
func (s *Supervisor) EnsureWorker(ctx context.Context, roomName string, jobDescription []byte) (*Handle, error) {
	s.mu.Lock()
	live := s.liveLocked(roomName)
	if len(live) > 0 {
		survivor := live[len(live)-1]
		doomed := live[:len(live)-1]
		s.mu.Unlock()
		for _, h := range doomed {
			s.logger.Warn("reaping duplicate worker", "room", roomName)
			go s.stop(h, "duplicate worker reaped", s.reapGrace)
		}
		return survivor, nil
	}

	h := &Handle{
		RoomName: roomName,
		state:    StateSpawning,
		done:     make(chan struct{}),
	}
	s.workers[roomName] = append(s.workers[roomName], h)
	s.mu.Unlock()

	if err := s.spawn(ctx, h, jobDescription); err != nil {
		h.transition(StateTerminated, err.Error())
		s.remove(h)
		return nil, fault.Wrap(fault.WorkerCrash, fmt.Errorf("supervisor: spawn worker for room %s: %w", roomName, err))
	}

	go s.supervise(ctx, h, jobDescription)
	return h, nil
}

// Terminate drains and stops the room's worker. A missing worker is not an
// error.
func (s *Supervisor) Terminate(roomName, reason string) {
	s.mu.Lock()
	live := s.liveLocked(roomName)
	s.mu.Unlock()
	for _, h := range live {
		s.logger.Info("terminating worker", "room", roomName, "reason", reason)
		s.stop(h, "", s.reapGrace)
	}
}

// RoomEmpty signals that the room lost its last non-agent participant. The
// worker drains and must exit within the drain deadline.
func (s *Supervisor) RoomEmpty(roomName string) {
	s.mu.Lock()
	live := s.liveLocked(roomName)
	s.mu.Unlock()
	for _, h := range live {
		if h.transition(StateDraining, "") {
			go s.stop(h, "", s.drainDeadline)
		}
	}
}

// MarkServing records that the room's worker has attached to its room and is
// serving traffic.
func (s *Supervisor) MarkServing(roomName string) {
	s.mu.Lock()
	live := s.liveLocked(roomName)
	s.mu.Unlock()
	for _, h := range live {
		h.mu.Lock()
		if h.state == StateReady {
			h.state = StateServing
		}
		h.mu.Unlock()
	}
}

// Handle returns the live handle for a room, or nil.
func (s *Supervisor) Handle(roomName string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.liveLocked(roomName)
	if len(live) == 0 {
		return nil
	}
	return live[len(live)-1]
}

// liveLocked returns the room's non-terminated handles, oldest first. Caller
// holds s.mu.
func (s *Supervisor) liveLocked(roomName string) []*Handle {
	var live []*Handle
	for _, h := range s.workers[roomName] {
		if h.State() != StateTerminated {
			live = append(live, h)
		}
	}
	return live
}

func (s *Supervisor) remove(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles := s.workers[h.RoomName]
	for i, other := range handles {
		if other == h {
			s.workers[h.RoomName] = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(s.workers[h.RoomName]) == 0 {
		delete(s.workers, h.RoomName)
	}
}

// spawn launches a worker process and attaches it to the handle.
func (s *Supervisor) spawn(ctx context.Context, h *Handle, jobDescription []byte) error {
	w, err := s.launch(ctx, h.RoomName, jobDescription)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.worker = w
	h.spawnedAt = time.Now()
	h.generation++
	h.state = StateRegistering
	h.mu.Unlock()
	return nil
}

// supervise runs the startup readiness loop and then watches for process
// exit. A worker failing its probe three times in a row during the startup
// window is killed and respawned, up to the respawn limit; after that the
// room's dispatch is declared failed.
func (s *Supervisor) supervise(ctx context.Context, h *Handle, jobDescription []byte) {
	for {
		ok := s.awaitReady(ctx, h)
		if ok {
			s.watch(ctx, h)
			return
		}
		if h.State() == StateTerminated {
			return
		}

		h.mu.Lock()
		generation := h.generation
		worker := h.worker
		h.mu.Unlock()

		worker.Kill()
		if generation > respawnLimit {
			s.logger.Error("worker failed to become ready, giving up",
				"room", h.RoomName, "attempts", generation)
			h.transition(StateTerminated, fmt.Sprintf("dispatch failed after %d spawn attempts", generation))
			s.remove(h)
			return
		}

		s.logger.Warn("respawning worker", "room", h.RoomName, "generation", generation)
		h.transition(StateSpawning, "")
		if err := s.spawn(ctx, h, jobDescription); err != nil {
			h.transition(StateTerminated, fmt.Sprintf("respawn: %v", err))
			s.remove(h)
			return
		}
	}
}

// awaitReady probes until the worker passes its readiness check. Returns
// false when the probe fails three consecutive times or the startup window
// elapses without success.
func (s *Supervisor) awaitReady(ctx context.Context, h *Handle) bool {
	w := h.currentWorker()
	deadline := time.NewTimer(s.startupWindow)
	defer deadline.Stop()
	tick := time.NewTicker(s.probeInterval)
	defer tick.Stop()

	failures := 0
	for {
		probeCtx, cancel := context.WithTimeout(ctx, s.probeInterval)
		err := w.Ready(probeCtx)
		cancel()
		if err == nil {
			h.mu.Lock()
			if h.state == StateRegistering {
				h.state = StateReady
			}
			h.mu.Unlock()
			return true
		}
		failures++
		if failures >= probeFailLimit {
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-w.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}

// watch waits for the worker process to exit and records how it went. An
// unclean exit outside a drain or terminate is a crash; a clean exit means
// the worker finished its room (last participant left) and went away.
func (s *Supervisor) watch(ctx context.Context, h *Handle) {
	w := h.currentWorker()
	select {
	case <-ctx.Done():
		s.stop(h, "", s.reapGrace)
	case <-w.Done():
		h.mu.Lock()
		draining := h.state == StateDraining
		h.mu.Unlock()
		if !draining && w.ExitErr() != nil {
			s.logger.Error("worker exited unexpectedly", "room", h.RoomName, "error", w.ExitErr())
			h.transition(StateTerminated, "worker exited unexpectedly")
		} else {
			h.transition(StateTerminated, "")
		}
		s.remove(h)
	}
}

// stop drains a worker: graceful terminate, then kill after the grace
// period. The reason, when set, marks the termination as abnormal.
func (s *Supervisor) stop(h *Handle, reason string, grace time.Duration) {
	h.mu.Lock()
	if h.state == StateTerminated {
		h.mu.Unlock()
		return
	}
	if h.state != StateDraining {
		h.state = StateDraining
	}
	w := h.worker
	h.mu.Unlock()

	if w == nil {
		h.transition(StateTerminated, reason)
		s.remove(h)
		return
	}

	w.Terminate()
	select {
	case <-w.Done():
	case <-time.After(grace):
		w.Kill()
		select {
		case <-w.Done():
		case <-time.After(grace):
		}
	}
	h.transition(StateTerminated, reason)
	s.remove(h)
}

// Package health serves the liveness and readiness probes.
//
// /healthz answers 200 for any live process. /readyz answers 200 only while
// every registered [Checker] passes, with a JSON body reporting each check.
//
// Workers gate their readiness on session state with [Gate]: the probe fails
// until the media-plane attach completes and fails again once draining
// starts, so the supervisor's strike counting sees real lifecycle edges.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil while the dependency
// can serve and an error describing the outage otherwise.
type Checker struct {
	// Name keys the check's entry in the /readyz response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Handler answers the probe endpoints. The checker set is fixed at
// construction; probes may run concurrently.
type Handler struct {
	checkers []Checker
}

// New builds a [Handler] over the given checkers.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register mounts /healthz and /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz reports liveness. A process that can answer HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeProbe(w, http.StatusOK, "ok", nil)
}

// Readyz runs every checker, each under its own [checkTimeout], and answers
// 503 if any fails. Checkers run concurrently.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range h.checkers {
		g.Go(func() error {
			err := c.Check(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
			} else {
				checks[c.Name] = "ok"
			}
			// Let the remaining checks finish so the response names every
			// failure, not just the first.
			return nil
		})
	}
	g.Wait()

	status, verdict := http.StatusOK, "ok"
	for _, v := range checks {
		if v != "ok" {
			status, verdict = http.StatusServiceUnavailable, "fail"
			break
		}
	}
	writeProbe(w, status, verdict, checks)
}

func writeProbe(w http.ResponseWriter, status int, verdict string, checks map[string]string) {
	body := struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks,omitempty"`
	}{Status: verdict, Checks: checks}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

package trigger

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cadenzahq/cadenza/internal/fault"
	"github.com/cadenzahq/cadenza/internal/tenant"
)

// Handler serves POST /v1/trigger.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/trigger", s.handleTrigger)
	return mux
}

func (s *Service) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	resp, err := s.Trigger(r.Context(), req)
	if err != nil {
		status, msg := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("trigger failed", "tenant", req.TenantKey, "mode", string(req.Mode), "error", err)
		}
		writeError(w, status, msg)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: msg})
}

// statusFor maps domain faults onto HTTP statuses. Unknown errors are
// internal and their details stay out of the response.
func statusFor(err error) (int, string) {
	if errors.Is(err, tenant.ErrNotFound) {
		return http.StatusNotFound, "unknown tenant"
	}
	kind, ok := fault.KindOf(err)
	if !ok {
		return http.StatusInternalServerError, "internal error"
	}
	switch kind {
	case fault.InvalidDispatch:
		return http.StatusUnprocessableEntity, err.Error()
	case fault.AgentNotFound:
		return http.StatusNotFound, err.Error()
	case fault.TenantUnavailable:
		return http.StatusServiceUnavailable, "tenant unavailable"
	case fault.DispatchUnavailable, fault.CredentialsExpired:
		return http.StatusBadGateway, "dispatch unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

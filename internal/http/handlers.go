package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/core"
	"github.com/example/ride-dispatch/internal/models"
)

const readyTimeout = 2 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady fails while the location index is down or any registered
// dependency does not answer.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.core.Ready(); err != nil {
		http.Error(w, "dispatch not ready", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	for _, c := range s.checks {
		if err := c.Ping(ctx); err != nil {
			s.logger.Warn("readiness_check_failed", "check", c.Name, "error", err)
			http.Error(w, c.Name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	id, _ := callerOf(r)
	if id.Role != models.RoleRider {
		writeError(w, fmt.Errorf("%w: only riders request rides", core.ErrRoleNotAllowed))
		return
	}
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", core.ErrBadRequest, err))
		return
	}
	rd, err := s.core.RequestRide(id.ParticipantID, req, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rd)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id, _ := callerOf(r)
	actor := models.Actor{ID: id.ParticipantID, Role: id.Role}
	view, err := s.core.GetRide(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	id, _ := callerOf(r)
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, fmt.Errorf("%w: %v", core.ErrBadRequest, err))
			return
		}
	}
	actor := models.Actor{ID: id.ParticipantID, Role: id.Role}
	rd, err := s.core.CancelRide(actor, mux.Vars(r)["id"], body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := core.ErrorCode(err)
	writeJSON(w, statusFor(code), models.ErrorPayload{Code: code, Message: err.Error()})
}

func statusFor(code string) int {
	switch code {
	case "authentication_failed":
		return http.StatusUnauthorized
	case "role_not_allowed", "not_authorized_for_ride":
		return http.StatusForbidden
	case "ride_not_found":
		return http.StatusNotFound
	case "bad_request", "invalid_coordinate":
		return http.StatusBadRequest
	case "active_ride_exists", "stale_transition", "offer_no_longer_valid", "code_mismatch":
		return http.StatusConflict
	case "dispatch_unavailable", "no_drivers_available":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

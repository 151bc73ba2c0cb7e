package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goodtune/khome/internal/enforce"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Enforcer is the enforcement scheduler surface the handlers drive.
type Enforcer interface {
	EnforceQuotaExhausted(ctx context.Context, entityID string, req enforce.Request) (*enforce.Enforcement, error)
	Cancel(entityID string) bool
	AllPending() []enforce.Enforcement
	History(filter enforce.Filter) []enforce.Enforcement
}

// EnforceRequest is the body of an enforce quota command.
type EnforceRequest struct {
	DeviceID    string         `json:"deviceId"`
	User        string         `json:"user"`
	UserName    string         `json:"userName"`
	Action      enforce.Action `json:"action"`
	GracePeriod *int           `json:"gracePeriod"`
	Reason      string         `json:"reason"`
}

// EnforcementHandler handles enforcement commands.
type EnforcementHandler struct {
	enforcer Enforcer
	logger   zerolog.Logger
}

// NewEnforcementHandler creates a new enforcement handler.
func NewEnforcementHandler(enforcer Enforcer, logger zerolog.Logger) *EnforcementHandler {
	return &EnforcementHandler{
		enforcer: enforcer,
		logger:   logger.With().Str("handler", "enforcement").Logger(),
	}
}

// Enforce schedules (or immediately runs) an enforcement for a device.
func (h *EnforcementHandler) Enforce(w http.ResponseWriter, r *http.Request) {
	var req EnforceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	e, err := h.enforcer.EnforceQuotaExhausted(r.Context(), req.DeviceID, enforce.Request{
		UserID:      req.User,
		UserName:    req.UserName,
		Action:      req.Action,
		GracePeriod: req.GracePeriod,
		Reason:      req.Reason,
	})
	if e != nil && e.Status == enforce.StatusFailed {
		// Immediate execution ran and failed; the record is in history
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"success":     false,
			"message":     "Enforcement failed: " + e.Error,
			"enforcement": e,
		})
		return
	}
	if err != nil {
		switch {
		case errors.Is(err, enforce.ErrAlreadyPending):
			writeError(w, http.StatusConflict, "Enforcement already pending for this device")
		case errors.Is(err, enforce.ErrInvalidAction), errors.Is(err, enforce.ErrInvalidGracePeriod):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, enforce.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "Enforcement is shutting down")
		default:
			h.logger.Error().Err(err).Str("entity_id", req.DeviceID).Msg("Enforcement failed")
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	message := "Enforcement scheduled"
	if e.Status == enforce.StatusExecuted {
		message = "Enforcement executed"
	}

	writeSuccess(w, map[string]interface{}{
		"message":     message,
		"enforcement": e,
	})
}

// Cancel cancels the pending enforcement on a device.
func (h *EnforcementHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["deviceId"]

	if !h.enforcer.Cancel(entityID) {
		writeError(w, http.StatusNotFound, "No pending enforcement for this device")
		return
	}

	writeJSON(w, http.StatusOK, Response{Success: true})
}

// Pending lists pending enforcements, optionally for one user.
func (h *EnforcementHandler) Pending(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")

	pending := make([]enforce.Enforcement, 0)
	for _, e := range h.enforcer.AllPending() {
		if user == "" || e.UserID == user {
			pending = append(pending, e)
		}
	}

	writeSuccess(w, map[string]interface{}{"enforcements": pending})
}

// History lists finished enforcements filtered by user, status and since (RFC 3339).
func (h *EnforcementHandler) History(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := enforce.Filter{
		UserID: query.Get("user"),
		Status: enforce.Status(query.Get("status")),
	}
	if since := query.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since parameter (use RFC 3339)")
			return
		}
		filter.Since = t
	}

	history := h.enforcer.History(filter)
	if history == nil {
		history = []enforce.Enforcement{}
	}
	writeSuccess(w, map[string]interface{}{"enforcements": history})
}

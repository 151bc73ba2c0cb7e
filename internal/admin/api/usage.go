package api

import (
	"net/http"

	"github.com/goodtune/khome/internal/usage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// UsageSource is the session tracker surface the handlers read.
type UsageSource interface {
	ActiveSessions() []usage.Session
	TodayUsage(userID string) usage.Report
}

// UsageHandler handles session and usage queries.
type UsageHandler struct {
	source UsageSource
	logger zerolog.Logger
}

// NewUsageHandler creates a new usage handler.
func NewUsageHandler(source UsageSource, logger zerolog.Logger) *UsageHandler {
	return &UsageHandler{
		source: source,
		logger: logger.With().Str("handler", "usage").Logger(),
	}
}

// Sessions lists the open sessions.
func (h *UsageHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, map[string]interface{}{"sessions": h.source.ActiveSessions()})
}

// Today returns a user's usage for the current local day.
func (h *UsageHandler) Today(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	writeSuccess(w, map[string]interface{}{"usage": h.source.TodayUsage(userID)})
}

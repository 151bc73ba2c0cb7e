package api

import (
	"net/http"

	"github.com/goodtune/khome/internal/discovery"
	"github.com/goodtune/khome/internal/events"
	"github.com/goodtune/khome/internal/links"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// LinkTable is the link registry surface the handlers drive.
type LinkTable interface {
	Add(l links.Link) error
	Remove(entityID string) bool
	All() []links.Link
}

// SuggestionsRequest lists the users to suggest links for.
type SuggestionsRequest struct {
	Users []discovery.User `json:"users"`
}

// LinkHandler handles device link requests.
type LinkHandler struct {
	table   LinkTable
	catalog Catalog
	logger  zerolog.Logger

	// Changed receives the full link table after every change.
	Changed events.Topic[[]links.Link]
}

// NewLinkHandler creates a new link handler.
func NewLinkHandler(table LinkTable, catalog Catalog, logger zerolog.Logger) *LinkHandler {
	return &LinkHandler{
		table:   table,
		catalog: catalog,
		logger:  logger.With().Str("handler", "links").Logger(),
	}
}

// Create links a device. An existing link for the device is replaced.
func (h *LinkHandler) Create(w http.ResponseWriter, r *http.Request) {
	var link links.Link
	if err := decode(r, &link); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Every Add failure is a validation error
	if err := h.table.Add(link); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.Changed.Publish(h.table.All())
	writeJSON(w, http.StatusOK, Response{Success: true})
}

// Delete unlinks a device.
func (h *LinkHandler) Delete(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["deviceId"]

	if !h.table.Remove(entityID) {
		writeError(w, http.StatusNotFound, "Device link not found")
		return
	}

	h.Changed.Publish(h.table.All())
	writeJSON(w, http.StatusOK, Response{Success: true})
}

// List returns every link.
func (h *LinkHandler) List(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, map[string]interface{}{"links": h.table.All()})
}

// Suggestions proposes links for the given users from discovered devices.
func (h *LinkHandler) Suggestions(w http.ResponseWriter, r *http.Request) {
	var req SuggestionsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	suggestions := h.catalog.SuggestLinks(req.Users)
	h.logger.Debug().Int("users", len(req.Users)).Int("suggestions", len(suggestions)).Msg("Link suggestions computed")
	if suggestions == nil {
		suggestions = []discovery.Suggestion{}
	}
	writeSuccess(w, map[string]interface{}{"suggestions": suggestions})
}

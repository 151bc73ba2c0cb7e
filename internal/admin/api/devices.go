package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goodtune/khome/internal/discovery"
	"github.com/goodtune/khome/internal/events"
	"github.com/goodtune/khome/internal/hub"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Catalog is the discovery surface the handlers drive.
type Catalog interface {
	Scan(ctx context.Context) ([]discovery.Device, error)
	All() []discovery.Device
	SuggestLinks(users []discovery.User) []discovery.Suggestion
}

// StateReader reads entity state from the hub.
type StateReader interface {
	GetState(ctx context.Context, entityID string) (*hub.EntityState, error)
	GetHistory(ctx context.Context, entityID string, start, end time.Time) ([]hub.EntityState, error)
}

const (
	defaultHistoryHours = 24
	maxHistoryHours     = 7 * 24
)

// DeviceController switches devices and their plugs.
type DeviceController interface {
	TurnOnDevice(ctx context.Context, entityID string) error
	TurnOffDevice(ctx context.Context, entityID string) error
	RestorePower(ctx context.Context, entityID string) error
}

// ControlRequest names a device control action.
type ControlRequest struct {
	Action string `json:"action"`
}

// DeviceHandler handles device-related API requests.
type DeviceHandler struct {
	catalog    Catalog
	states     StateReader
	controller DeviceController
	logger     zerolog.Logger

	// Discovered receives the device list after every successful scan.
	Discovered events.Topic[[]discovery.Device]
}

// NewDeviceHandler creates a new device handler.
func NewDeviceHandler(catalog Catalog, states StateReader, controller DeviceController, logger zerolog.Logger) *DeviceHandler {
	return &DeviceHandler{
		catalog:    catalog,
		states:     states,
		controller: controller,
		logger:     logger.With().Str("handler", "device").Logger(),
	}
}

// Discover scans the hub for devices.
func (h *DeviceHandler) Discover(w http.ResponseWriter, r *http.Request) {
	devices, err := h.catalog.Scan(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Device discovery failed")
		writeError(w, http.StatusBadGateway, "Device discovery failed: "+err.Error())
		return
	}

	h.Discovered.Publish(devices)
	writeSuccess(w, map[string]interface{}{"devices": devices})
}

// List returns the devices found by the last scan.
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, map[string]interface{}{"devices": h.catalog.All()})
}

// State returns the live state of one entity.
func (h *DeviceHandler) State(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["deviceId"]

	state, err := h.states.GetState(r.Context(), entityID)
	if err != nil {
		if errors.Is(err, hub.ErrEntityNotFound) {
			writeError(w, http.StatusNotFound, "Device not found")
			return
		}
		h.logger.Error().Err(err).Str("entity_id", entityID).Msg("Failed to get device state")
		writeError(w, http.StatusBadGateway, "Failed to get device state")
		return
	}

	writeSuccess(w, map[string]interface{}{"state": state})
}

// History returns the state changes of one entity over the last ?hours
// (default 24, at most a week).
func (h *DeviceHandler) History(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["deviceId"]

	hours := defaultHistoryHours
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxHistoryHours {
			writeError(w, http.StatusBadRequest, "hours must be between 1 and 168")
			return
		}
		hours = n
	}

	end := time.Now()
	history, err := h.states.GetHistory(r.Context(), entityID, end.Add(-time.Duration(hours)*time.Hour), end)
	if err != nil {
		h.logger.Error().Err(err).Str("entity_id", entityID).Msg("Failed to get device history")
		writeError(w, http.StatusBadGateway, "Failed to get device history")
		return
	}

	writeSuccess(w, map[string]interface{}{"history": history})
}

// Control turns a device on or off, or restores its power.
func (h *DeviceHandler) Control(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["deviceId"]

	var req ControlRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var err error
	switch req.Action {
	case "turn_on":
		err = h.controller.TurnOnDevice(r.Context(), entityID)
	case "turn_off":
		err = h.controller.TurnOffDevice(r.Context(), entityID)
	case "restore_power":
		err = h.controller.RestorePower(r.Context(), entityID)
	default:
		writeError(w, http.StatusBadRequest, "Unknown action: "+req.Action)
		return
	}

	if err != nil {
		h.logger.Error().Err(err).Str("entity_id", entityID).Str("action", req.Action).Msg("Device control failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, Response{Success: true})
}

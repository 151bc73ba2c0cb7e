package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goodtune/khome/internal/hub"
	"github.com/rs/zerolog"
)

// connectTimeout bounds the dial and auth handshake of a connect command.
const connectTimeout = 30 * time.Second

// Hub is the connection surface the handlers drive.
type Hub interface {
	Configure(url, token string)
	TestConnection(ctx context.Context) bool
	Connect(ctx context.Context) error
	Disconnect()
	Status() hub.Status
}

// CredentialTester tests credentials without touching the live connection.
type CredentialTester func(ctx context.Context, url, token string) bool

// CredentialsRequest carries hub credentials.
type CredentialsRequest struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// ConnectionHandler handles hub connection commands.
type ConnectionHandler struct {
	hub    Hub
	tester CredentialTester
	logger zerolog.Logger
}

// NewConnectionHandler creates a new connection handler. tester is used to
// test credentials that differ from the configured ones.
func NewConnectionHandler(h Hub, tester CredentialTester, logger zerolog.Logger) *ConnectionHandler {
	return &ConnectionHandler{
		hub:    h,
		tester: tester,
		logger: logger.With().Str("handler", "connection").Logger(),
	}
}

// Test checks that the hub API answers. Without credentials in the body the
// configured ones are tested.
func (h *ConnectionHandler) Test(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var ok bool
	switch {
	case req.URL == "" && req.Token == "":
		ok = h.hub.TestConnection(r.Context())
	case req.URL == "" || req.Token == "":
		writeError(w, http.StatusBadRequest, "Both url and token are required")
		return
	default:
		ok = h.tester(r.Context(), req.URL, req.Token)
	}

	if !ok {
		writeJSON(w, http.StatusOK, Response{Success: false, Message: "Connection failed"})
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "Connection successful"})
}

// Connect configures the hub when credentials are given and opens the event channel.
func (h *ConnectionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.URL != "" || req.Token != "" {
		if req.URL == "" || req.Token == "" {
			writeError(w, http.StatusBadRequest, "Both url and token are required")
			return
		}
		h.hub.Configure(req.URL, req.Token)
	}

	ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
	defer cancel()

	if err := h.hub.Connect(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("Connect command failed")
		switch {
		case errors.Is(err, hub.ErrNotConfigured):
			writeError(w, http.StatusBadRequest, "Hub is not configured")
		case errors.Is(err, hub.ErrAuthInvalid):
			writeError(w, http.StatusUnauthorized, "Hub rejected the access token")
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, Response{Success: true, Message: "Connected"})
}

// Disconnect closes the event channel.
func (h *ConnectionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	h.hub.Disconnect()
	writeJSON(w, http.StatusOK, Response{Success: true})
}

// Status returns the connection status.
func (h *ConnectionHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, map[string]interface{}{"status": h.hub.Status()})
}

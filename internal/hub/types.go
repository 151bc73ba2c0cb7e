package hub

import (
	"encoding/json"
	"strings"
	"time"
)

// EntityState is a snapshot of one hub entity.
type EntityState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Domain returns the entity id prefix, e.g. "media_player".
func (s EntityState) Domain() string {
	return Domain(s.EntityID)
}

// Attr returns the string form of attribute key, or "" when unset.
func (s EntityState) Attr(key string) string {
	if s.Attributes == nil {
		return ""
	}
	v, ok := s.Attributes[key].(string)
	if !ok {
		return ""
	}
	return v
}

// Domain returns the part of entityID before the first dot.
func Domain(entityID string) string {
	domain, _, _ := strings.Cut(entityID, ".")
	return domain
}

// StateChangedEvent is published for every state_changed event from the hub.
// OldState is nil for newly created entities and NewState is nil for removed ones.
type StateChangedEvent struct {
	EntityID string       `json:"entity_id"`
	OldState *EntityState `json:"old_state"`
	NewState *EntityState `json:"new_state"`
}

// ConnectedEvent is published when a transport to the hub is established.
type ConnectedEvent struct {
	URL       string `json:"url"`
	Transport string `json:"transport"` // "websocket" or "rest"
}

// DisconnectedEvent is published when the event channel closes.
type DisconnectedEvent struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// AuthenticatedEvent is published after a successful handshake.
type AuthenticatedEvent struct {
	HAVersion string `json:"ha_version,omitempty"`
}

// ReconnectingEvent is published when a reconnect attempt is scheduled.
type ReconnectingEvent struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
}

// ErrorEvent carries a classified failure.
type ErrorEvent struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// Status summarizes the connection.
type Status struct {
	Configured        bool   `json:"configured"`
	Connected         bool   `json:"connected"`
	Authenticated     bool   `json:"authenticated"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	URL               string `json:"url,omitempty"`
	Version           string `json:"version,omitempty"`
}

// message is the envelope for every frame on the event channel.
type message struct {
	ID          int64           `json:"id,omitempty"`
	Type        string          `json:"type"`
	AccessToken string          `json:"access_token,omitempty"`
	EventType   string          `json:"event_type,omitempty"`
	Success     bool            `json:"success,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *RemoteError    `json:"error,omitempty"`
	Event       *eventPayload   `json:"event,omitempty"`
	Message     string          `json:"message,omitempty"`
	HAVersion   string          `json:"ha_version,omitempty"`
}

type eventPayload struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

const (
	msgAuthRequired    = "auth_required"
	msgAuth            = "auth"
	msgAuthOK          = "auth_ok"
	msgAuthInvalid     = "auth_invalid"
	msgSubscribeEvents = "subscribe_events"
	msgEvent           = "event"
	msgResult          = "result"

	eventStateChanged = "state_changed"
)

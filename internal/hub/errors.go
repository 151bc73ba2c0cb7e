package hub

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned when no hub URL or token has been set.
	ErrNotConfigured = errors.New("hub: connection not configured")

	// ErrAuthInvalid is returned when the hub rejects the access token.
	ErrAuthInvalid = errors.New("hub: authentication failed")

	// ErrNotConnected is returned when the event channel is closed.
	ErrNotConnected = errors.New("hub: not connected")

	// ErrRequestTimeout is returned when a correlated command gets no response in time.
	ErrRequestTimeout = errors.New("hub: request timed out")

	// ErrMaxReconnects is published when reconnection gives up.
	ErrMaxReconnects = errors.New("hub: max reconnection attempts reached")

	// ErrEntityNotFound is returned when the hub has no entity with the requested id.
	ErrEntityNotFound = errors.New("hub: entity not found")

	// ErrUnexpectedMessage is returned when the hub breaks the handshake sequence.
	ErrUnexpectedMessage = errors.New("hub: unexpected message")
)

// RemoteError is a failure reported by the hub in a result message.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return "hub: " + e.Message
	}
	return fmt.Sprintf("hub: %s: %s", e.Code, e.Message)
}

// StatusError is returned for a non-2xx REST response.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hub: unexpected HTTP status %s", e.Status)
}

// ServiceCallError is returned when a remote action invocation fails.
type ServiceCallError struct {
	Domain  string
	Service string
	Err     error
}

func (e *ServiceCallError) Error() string {
	return fmt.Sprintf("hub: service call %s.%s failed: %v", e.Domain, e.Service, e.Err)
}

func (e *ServiceCallError) Unwrap() error {
	return e.Err
}

// ErrorKind classifies published error events.
type ErrorKind string

const (
	KindConnection        ErrorKind = "connection"
	KindAuthFailed        ErrorKind = "auth_failed"
	KindTransport         ErrorKind = "transport"
	KindMaxReconnects     ErrorKind = "max_reconnects"
	KindAPI               ErrorKind = "api_error"
	KindServiceCallFailed ErrorKind = "service_call_failed"
)

// Package hub maintains the authenticated event channel to the home
// automation hub and performs one-shot REST calls against it.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goodtune/khome/internal/events"
	"github.com/goodtune/khome/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DefaultRequestTimeout bounds a correlated command on the event channel.
const DefaultRequestTimeout = 30 * time.Second

// Config holds connection manager settings.
type Config struct {
	URL                  string
	Token                string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	RequestTimeout       time.Duration
	RESTTimeout          time.Duration
}

type commandResult struct {
	result json.RawMessage
	err    error
}

// Manager owns the event channel to the hub. It authenticates, subscribes to
// state changes, correlates command responses and reconnects with
// exponential backoff after unexpected closures.
type Manager struct {
	url            string
	token          string
	maxReconnects  int
	requestTimeout time.Duration

	rest   *restClient
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu                sync.Mutex
	conn              *websocket.Conn
	authenticated     bool
	manualClose       bool
	nextID            int64
	pending           map[int64]chan commandResult
	reconnectAttempts int
	reconnectTimer    *time.Timer
	backoff           *backoff.ExponentialBackOff
	version           string // reported by the hub during authentication

	writeMu sync.Mutex

	StateChanged  events.Topic[StateChangedEvent]
	Connected     events.Topic[ConnectedEvent]
	Disconnected  events.Topic[DisconnectedEvent]
	Authenticated events.Topic[AuthenticatedEvent]
	Reconnecting  events.Topic[ReconnectingEvent]
	Errors        events.Topic[ErrorEvent]
}

// NewManager creates a connection manager. It does not connect.
func NewManager(config Config, logger zerolog.Logger) *Manager {
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = DefaultReconnectDelay
	}
	if config.MaxReconnectAttempts == 0 {
		config.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.RESTTimeout == 0 {
		config.RESTTimeout = DefaultRESTTimeout
	}

	return &Manager{
		url:            strings.TrimRight(config.URL, "/"),
		token:          config.Token,
		maxReconnects:  config.MaxReconnectAttempts,
		requestTimeout: config.RequestTimeout,
		rest:           newRESTClient(config.RESTTimeout),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.RESTTimeout,
		},
		logger:  logger.With().Str("component", "hub").Logger(),
		pending: make(map[int64]chan commandResult),
		nextID:  1,
		backoff: newReconnectBackOff(config.ReconnectDelay),
	}
}

// Configure replaces the hub URL and access token. An open channel keeps
// using the old credentials until the next Connect.
func (m *Manager) Configure(hubURL, token string) {
	m.mu.Lock()
	m.url = strings.TrimRight(hubURL, "/")
	m.token = token
	m.mu.Unlock()

	m.logger.Info().Str("url", redactURL(hubURL)).Msg("Hub connection configured")
}

// IsConfigured reports whether both URL and token are set.
func (m *Manager) IsConfigured() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url != "" && m.token != ""
}

// IsConnected reports whether the event channel is open and authenticated.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && m.authenticated
}

// Status returns a snapshot of the connection with credentials redacted.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Status{
		Configured:        m.url != "" && m.token != "",
		Connected:         m.conn != nil,
		Authenticated:     m.authenticated,
		ReconnectAttempts: m.reconnectAttempts,
		URL:               redactURL(m.url),
		Version:           m.version,
	}
}

func (m *Manager) credentials() (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url, m.token
}

// TestConnection performs a one-shot API check without touching the event
// channel. It never returns an error; failures are published on Errors.
func (m *Manager) TestConnection(ctx context.Context) bool {
	baseURL, token := m.credentials()
	if baseURL == "" || token == "" {
		m.publishError(KindConnection, ErrNotConfigured)
		return false
	}

	var status struct {
		Message string `json:"message"`
	}
	if _, err := m.rest.do(ctx, http.MethodGet, baseURL, token, "/api/", nil, nil, &status); err != nil {
		m.logger.Warn().Err(err).Msg("Hub connection test failed")
		m.publishError(KindConnection, err)
		return false
	}

	if status.Message != apiRunningMessage {
		m.logger.Warn().Str("message", status.Message).Msg("Unexpected hub API response")
		m.publishError(KindConnection, fmt.Errorf("%w: %q", ErrUnexpectedMessage, status.Message))
		return false
	}

	m.Connected.Publish(ConnectedEvent{URL: redactURL(baseURL), Transport: "rest"})
	return true
}

// Connect opens the event channel, authenticates and subscribes to state
// changes. It returns once authenticated. An existing channel is closed
// first. Transport failures schedule a reconnect; an invalid token does not.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.url == "" || m.token == "" {
		m.mu.Unlock()
		return ErrNotConfigured
	}
	m.manualClose = false
	m.stopReconnectLocked()
	old := m.detachLocked()
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	err := m.dial(ctx)
	if err != nil && !errors.Is(err, ErrAuthInvalid) && ctx.Err() == nil {
		m.scheduleReconnect()
	}
	return err
}

// Disconnect closes the event channel and stops reconnecting. Pending
// commands fail with ErrNotConnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manualClose = true
	m.stopReconnectLocked()
	m.reconnectAttempts = 0
	m.backoff.Reset()
	conn := m.detachLocked()
	m.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		m.Disconnected.Publish(DisconnectedEvent{Code: websocket.CloseNormalClosure, Reason: "client disconnect"})
		m.logger.Info().Msg("Disconnected from hub")
	}
}

// dial establishes and authenticates one channel.
func (m *Manager) dial(ctx context.Context) error {
	baseURL, token := m.credentials()
	wsURL, err := websocketURL(baseURL)
	if err != nil {
		m.publishError(KindConnection, err)
		return err
	}

	m.logger.Info().Str("url", redactURL(wsURL)).Msg("Connecting to hub")

	conn, _, err := m.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		err = fmt.Errorf("dial hub: %w", err)
		m.publishError(KindTransport, err)
		return err
	}

	m.Connected.Publish(ConnectedEvent{URL: redactURL(baseURL), Transport: "websocket"})

	haVersion, err := m.handshake(ctx, conn, token)
	if err != nil {
		_ = conn.Close()
		if errors.Is(err, ErrAuthInvalid) {
			m.logger.Error().Err(err).Msg("Hub rejected access token")
			m.publishError(KindAuthFailed, err)
		} else {
			m.publishError(KindTransport, err)
		}
		return err
	}

	m.mu.Lock()
	if m.manualClose {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	// A reconnect timer that already fired can race a Connect command
	old := m.detachLocked()
	m.conn = conn
	m.authenticated = true
	m.version = haVersion
	m.reconnectAttempts = 0
	m.backoff.Reset()
	subID := m.nextID
	m.nextID++
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
		m.logger.Debug().Msg("Closed superseded hub connection")
	}

	metrics.HubConnected.Set(1)
	m.logger.Info().Str("ha_version", haVersion).Msg("Authenticated with hub")
	m.Authenticated.Publish(AuthenticatedEvent{HAVersion: haVersion})

	go m.readLoop(conn)

	if err := m.write(conn, message{ID: subID, Type: msgSubscribeEvents, EventType: eventStateChanged}); err != nil {
		m.logger.Error().Err(err).Msg("Failed to subscribe to state changes")
		return fmt.Errorf("subscribe: %w", err)
	}
	m.logger.Debug().Int64("id", subID).Msg("Subscribed to state_changed events")

	return nil
}

// handshake runs auth_required -> auth -> auth_ok|auth_invalid.
func (m *Manager) handshake(ctx context.Context, conn *websocket.Conn, token string) (string, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(m.requestTimeout)
	}
	_ = conn.SetReadDeadline(deadline)
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("handshake: %w", err)
		}

		switch msg.Type {
		case msgAuthRequired:
			m.logger.Debug().Str("ha_version", msg.HAVersion).Msg("Hub requested authentication")
			if err := m.write(conn, message{Type: msgAuth, AccessToken: token}); err != nil {
				return "", fmt.Errorf("handshake: %w", err)
			}
		case msgAuthOK:
			return msg.HAVersion, nil
		case msgAuthInvalid:
			if msg.Message != "" {
				return "", fmt.Errorf("%w: %s", ErrAuthInvalid, msg.Message)
			}
			return "", ErrAuthInvalid
		default:
			return "", fmt.Errorf("%w during handshake: %q", ErrUnexpectedMessage, msg.Type)
		}
	}
}

// readLoop dispatches inbound frames until the channel closes.
func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			m.handleClose(conn, err)
			return
		}
		m.dispatch(msg)
	}
}

func (m *Manager) dispatch(msg message) {
	switch msg.Type {
	case msgEvent:
		if msg.Event == nil || msg.Event.EventType != eventStateChanged {
			return
		}
		var ev StateChangedEvent
		if err := json.Unmarshal(msg.Event.Data, &ev); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to decode state_changed event")
			return
		}
		metrics.HubStateEvents.Inc()
		m.StateChanged.Publish(ev)

	case msgResult:
		m.mu.Lock()
		ch, ok := m.pending[msg.ID]
		delete(m.pending, msg.ID)
		m.mu.Unlock()
		if !ok {
			m.logger.Debug().Int64("id", msg.ID).Msg("Dropping result with no pending request")
			return
		}

		if msg.Success {
			ch <- commandResult{result: msg.Result}
			return
		}
		remote := msg.Error
		if remote == nil {
			remote = &RemoteError{Message: "request failed"}
		}
		ch <- commandResult{err: remote}

	default:
		m.logger.Debug().Str("type", msg.Type).Msg("Ignoring hub message")
	}
}

// handleClose tears down state for conn and schedules a reconnect unless the
// close was requested.
func (m *Manager) handleClose(conn *websocket.Conn, readErr error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.detachLocked()
	manual := m.manualClose
	m.mu.Unlock()

	ev := DisconnectedEvent{Code: websocket.CloseAbnormalClosure, Reason: readErr.Error()}
	var closeErr *websocket.CloseError
	if errors.As(readErr, &closeErr) {
		ev.Code = closeErr.Code
		ev.Reason = closeErr.Text
	}

	m.logger.Warn().Int("code", ev.Code).Str("reason", ev.Reason).Msg("Hub connection closed")
	m.Disconnected.Publish(ev)

	if !manual {
		m.scheduleReconnect()
	}
}

// detachLocked clears the current channel and fails every pending command.
// It returns the detached connection for the caller to close.
func (m *Manager) detachLocked() *websocket.Conn {
	conn := m.conn
	m.conn = nil
	m.authenticated = false
	for id, ch := range m.pending {
		ch <- commandResult{err: ErrNotConnected}
		delete(m.pending, id)
	}
	metrics.HubConnected.Set(0)
	return conn
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// scheduleReconnect arms the next reconnect attempt, or publishes
// ErrMaxReconnects once the attempt ceiling is reached.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.manualClose {
		m.mu.Unlock()
		return
	}
	if m.reconnectAttempts >= m.maxReconnects {
		attempts := m.reconnectAttempts
		m.mu.Unlock()

		m.logger.Error().Int("attempts", attempts).Msg("Giving up reconnecting to hub")
		m.publishError(KindMaxReconnects, ErrMaxReconnects)
		return
	}

	delay := m.backoff.NextBackOff()
	m.reconnectAttempts++
	attempt := m.reconnectAttempts
	m.stopReconnectLocked()
	m.reconnectTimer = time.AfterFunc(delay, m.reconnect)
	m.mu.Unlock()

	metrics.HubReconnects.Inc()
	m.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Scheduling hub reconnect")
	m.Reconnecting.Publish(ReconnectingEvent{Attempt: attempt, Delay: delay})
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	if m.manualClose || m.conn != nil {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.requestTimeout)
	defer cancel()

	if err := m.dial(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Hub reconnect failed")
		if !errors.Is(err, ErrAuthInvalid) {
			m.scheduleReconnect()
		}
	}
}

// SendCommand sends a correlated command on the event channel and waits for
// its result. It fails immediately with ErrNotConnected when the channel is
// closed and with ErrRequestTimeout when no result arrives in time; a late
// result is then dropped.
func (m *Manager) SendCommand(ctx context.Context, msgType string, payload map[string]any) (json.RawMessage, error) {
	m.mu.Lock()
	conn := m.conn
	if conn == nil || !m.authenticated {
		m.mu.Unlock()
		metrics.HubRequests.WithLabelValues(msgType, "not_connected").Inc()
		return nil, ErrNotConnected
	}
	id := m.nextID
	m.nextID++
	ch := make(chan commandResult, 1)
	m.pending[id] = ch
	m.mu.Unlock()

	frame := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		frame[k] = v
	}
	frame["id"] = id
	frame["type"] = msgType

	if err := m.write(conn, frame); err != nil {
		m.forget(id)
		metrics.HubRequests.WithLabelValues(msgType, "error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	timer := time.NewTimer(m.requestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		result := "success"
		if res.err != nil {
			result = "error"
		}
		metrics.HubRequests.WithLabelValues(msgType, result).Inc()
		return res.result, res.err
	case <-timer.C:
		m.forget(id)
		metrics.HubRequests.WithLabelValues(msgType, "timeout").Inc()
		m.logger.Warn().Int64("id", id).Str("type", msgType).Msg("Hub command timed out")
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		m.forget(id)
		return nil, ctx.Err()
	}
}

func (m *Manager) forget(id int64) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// PendingRequests returns the number of commands awaiting a result.
func (m *Manager) PendingRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) write(conn *websocket.Conn, v any) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// CallService invokes domain.service on the hub through the REST API.
// The hub may answer with an empty body, in which case the result is nil.
func (m *Manager) CallService(ctx context.Context, domain, service string, data map[string]any) (json.RawMessage, error) {
	baseURL, token := m.credentials()
	if baseURL == "" || token == "" {
		return nil, &ServiceCallError{Domain: domain, Service: service, Err: ErrNotConfigured}
	}
	if data == nil {
		data = map[string]any{}
	}

	path := fmt.Sprintf("/api/services/%s/%s", url.PathEscape(domain), url.PathEscape(service))
	raw, err := m.rest.do(ctx, http.MethodPost, baseURL, token, path, nil, data, nil)
	if err != nil {
		metrics.ServiceCalls.WithLabelValues(domain, service, "error").Inc()
		callErr := &ServiceCallError{Domain: domain, Service: service, Err: err}
		m.logger.Error().Err(err).Str("domain", domain).Str("service", service).Msg("Service call failed")
		m.publishError(KindServiceCallFailed, callErr)
		return nil, callErr
	}

	metrics.ServiceCalls.WithLabelValues(domain, service, "success").Inc()
	m.logger.Debug().
		Str("domain", domain).
		Str("service", service).
		Interface("data", data).
		Msg("Service called")

	if len(raw) == 0 {
		return nil, nil
	}
	return json.RawMessage(raw), nil
}

// GetStates returns every entity known to the hub.
func (m *Manager) GetStates(ctx context.Context) ([]EntityState, error) {
	var states []EntityState
	if err := m.get(ctx, "/api/states", nil, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// GetState returns one entity, or ErrEntityNotFound.
func (m *Manager) GetState(ctx context.Context, entityID string) (*EntityState, error) {
	var state EntityState
	if err := m.get(ctx, "/api/states/"+url.PathEscape(entityID), nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// GetHistory returns the state history of entityID between start and end.
func (m *Manager) GetHistory(ctx context.Context, entityID string, start, end time.Time) ([]EntityState, error) {
	query := url.Values{}
	query.Set("filter_entity_id", entityID)
	if !end.IsZero() {
		query.Set("end_time", end.Format(time.RFC3339))
	}

	var history [][]EntityState
	path := "/api/history/period/" + url.PathEscape(start.Format(time.RFC3339))
	if err := m.get(ctx, path, query, &history); err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return []EntityState{}, nil
	}
	return history[0], nil
}

func (m *Manager) get(ctx context.Context, path string, query url.Values, out any) error {
	baseURL, token := m.credentials()
	if baseURL == "" || token == "" {
		return ErrNotConfigured
	}
	if _, err := m.rest.do(ctx, http.MethodGet, baseURL, token, path, query, nil, out); err != nil {
		if !errors.Is(err, ErrEntityNotFound) {
			m.publishError(KindAPI, err)
		}
		return err
	}
	return nil
}

func (m *Manager) publishError(kind ErrorKind, err error) {
	m.Errors.Publish(ErrorEvent{Kind: kind, Message: err.Error(), Err: err})
}

// websocketURL rewrites an http(s) hub URL to its websocket endpoint.
func websocketURL(hubURL string) (string, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return "", fmt.Errorf("invalid hub url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid hub url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/websocket"
	return u.String(), nil
}

// redactURL hides any credentials embedded in rawURL.
func redactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.String()
}

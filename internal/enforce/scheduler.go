package enforce

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/khome/internal/clock"
	"github.com/goodtune/khome/internal/events"
	"github.com/goodtune/khome/internal/hub"
	"github.com/goodtune/khome/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultGracePeriod   = 60
	DefaultNotifyService = "persistent_notification"
	DefaultSettleDelay   = 5 * time.Second
	DefaultHistoryLimit  = 500

	defaultUserName = "Child"
	defaultReason   = "Quota exhausted"

	executeTimeout = 2 * time.Minute
	sinkTimeout    = 5 * time.Second
)

// Config holds enforcement configuration
type Config struct {
	DefaultGracePeriod  int
	EnableNotifications bool
	NotifyService       string
	SettleDelay         time.Duration
	HistoryLimit        int
}

// Scheduler turns quota exhaustion into device-control actions after a
// grace period.
type Scheduler struct {
	caller  ServiceCaller
	links   LinkLookup
	devices CapabilityLookup
	policy  ActionPolicy
	sink    HistorySink
	clock   clock.Clock
	config  Config
	logger  zerolog.Logger

	// graceUnit scales grace periods into timer durations.
	graceUnit time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEntry
	history []Enforcement
	closed  bool

	Scheduled     events.Topic[Enforcement]
	Executed      events.Topic[Enforcement]
	Failed        events.Topic[Enforcement]
	Cancelled     events.Topic[Enforcement]
	Restored      events.Topic[RestoreEvent]
	PowerRestored events.Topic[RestoreEvent]
}

type pendingEntry struct {
	enforcement *Enforcement
	timer       *time.Timer
}

// NewScheduler creates a new enforcement scheduler. linkLookup may be nil.
func NewScheduler(caller ServiceCaller, linkLookup LinkLookup, config Config, logger zerolog.Logger) *Scheduler {
	if config.DefaultGracePeriod < 0 {
		config.DefaultGracePeriod = DefaultGracePeriod
	}
	if config.NotifyService == "" {
		config.NotifyService = DefaultNotifyService
	}
	if config.SettleDelay == 0 {
		config.SettleDelay = DefaultSettleDelay
	}
	if config.HistoryLimit == 0 {
		config.HistoryLimit = DefaultHistoryLimit
	}

	return &Scheduler{
		caller:    caller,
		links:     linkLookup,
		clock:     clock.RealClock{},
		config:    config,
		logger:    logger.With().Str("component", "enforcement").Logger(),
		graceUnit: time.Second,
		pending:   make(map[string]*pendingEntry),
	}
}

// SetDeviceCatalog sets the source of device capabilities.
func (s *Scheduler) SetDeviceCatalog(devices CapabilityLookup) { s.devices = devices }

// SetActionPolicy sets the policy consulted when a request names no action.
func (s *Scheduler) SetActionPolicy(policy ActionPolicy) { s.policy = policy }

// SetHistorySink sets where finished enforcements are stored.
func (s *Scheduler) SetHistorySink(sink HistorySink) { s.sink = sink }

// SetClock replaces the clock used for timestamps.
func (s *Scheduler) SetClock(clk clock.Clock) { s.clock = clk }

// EnforceQuotaExhausted schedules an enforcement on entityID. With a zero
// grace period it runs immediately and the returned enforcement carries the
// outcome.
func (s *Scheduler) EnforceQuotaExhausted(ctx context.Context, entityID string, req Request) (*Enforcement, error) {
	if req.Action != "" && !req.Action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, req.Action)
	}
	if req.GracePeriod != nil && *req.GracePeriod < 0 {
		return nil, ErrInvalidGracePeriod
	}

	if s.IsPending(entityID) {
		s.logger.Warn().Str("entity_id", entityID).Msg("Enforcement already pending")
		return nil, ErrAlreadyPending
	}

	action, grace := s.resolveAction(ctx, entityID, req)

	userName := req.UserName
	if userName == "" {
		userName = defaultUserName
	}
	reason := req.Reason
	if reason == "" {
		reason = defaultReason
	}

	now := s.clock.Now()
	enf := &Enforcement{
		ID:          uuid.NewString(),
		EntityID:    entityID,
		UserID:      req.UserID,
		UserName:    userName,
		Action:      action,
		GracePeriod: grace,
		Reason:      reason,
		StartTime:   now,
		ExecuteTime: now.Add(time.Duration(grace) * time.Second),
		Status:      StatusPending,
	}

	// Reserve the slot before any remote call so a concurrent request is rejected.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := s.pending[entityID]; exists {
		s.mu.Unlock()
		return nil, ErrAlreadyPending
	}
	entry := &pendingEntry{enforcement: enf}
	s.pending[entityID] = entry
	count := len(s.pending)
	snapshot := *enf
	s.mu.Unlock()

	metrics.EnforcementsPending.Set(float64(count))
	s.logger.Info().
		Str("enforcement_id", enf.ID).
		Str("entity_id", entityID).
		Str("action", string(action)).
		Int("grace_period", grace).
		Msg("Enforcing quota exhaustion")

	if grace > 0 && s.config.EnableNotifications {
		s.sendWarning(ctx, entityID, userName, grace, reason)
	}

	s.Scheduled.Publish(snapshot)

	if grace == 0 {
		return s.Execute(ctx, entityID)
	}

	s.mu.Lock()
	if entry.enforcement.Status == StatusPending && s.pending[entityID] == entry {
		entry.timer = time.AfterFunc(time.Duration(grace)*s.graceUnit, func() {
			ctx, cancel := context.WithTimeout(context.Background(), executeTimeout)
			defer cancel()
			_, _ = s.Execute(ctx, entityID)
		})
	}
	s.mu.Unlock()

	return &snapshot, nil
}

// resolveAction applies request, policy and configured defaults.
func (s *Scheduler) resolveAction(ctx context.Context, entityID string, req Request) (Action, int) {
	action := req.Action
	var policyGrace *int

	if action == "" {
		action = ActionTurnOff
		if s.policy != nil {
			decision, err := s.policy.Decide(ctx, s.facts(entityID, req.UserID))
			switch {
			case err != nil:
				s.logger.Warn().Err(err).Str("entity_id", entityID).Msg("Action policy failed, using turn_off")
			case decision.Action.Valid():
				action = decision.Action
				policyGrace = decision.GracePeriod
			default:
				s.logger.Warn().Str("entity_id", entityID).Str("action", string(decision.Action)).Msg("Action policy returned unknown action, using turn_off")
			}
		}
	}

	switch {
	case req.GracePeriod != nil:
		return action, *req.GracePeriod
	case policyGrace != nil && *policyGrace >= 0:
		return action, *policyGrace
	default:
		return action, s.config.DefaultGracePeriod
	}
}

func (s *Scheduler) facts(entityID, userID string) Facts {
	f := Facts{
		EntityID: entityID,
		Domain:   hub.Domain(entityID),
		UserID:   userID,
	}
	if s.devices != nil {
		f.Capabilities, _ = s.devices.Capabilities(entityID)
	}
	if f.Capabilities == nil {
		f.Capabilities = []string{}
	}
	if s.links != nil {
		if link, ok := s.links.Get(entityID); ok {
			f.LinkType = string(link.Type)
			if f.UserID == "" {
				f.UserID = link.UserID
			}
			if link.PowerControl != nil {
				f.HasPowerControl = true
				f.EnforceQuota = link.PowerControl.EnforceQuota
				f.PowerGrace = link.PowerControl.GracePeriod
			}
		}
	}
	return f
}

// Execute runs the pending enforcement on entityID now. It returns
// ErrNoPending when nothing is pending or the enforcement is already
// running. A failed action is recorded and never retried.
func (s *Scheduler) Execute(ctx context.Context, entityID string) (*Enforcement, error) {
	s.mu.Lock()
	entry, ok := s.pending[entityID]
	if !ok || entry.enforcement.Status != StatusPending {
		s.mu.Unlock()
		return nil, ErrNoPending
	}
	entry.enforcement.Status = StatusExecuting
	if entry.timer != nil {
		entry.timer.Stop()
	}
	enf := entry.enforcement
	action := enf.Action
	userName := enf.UserName
	s.mu.Unlock()

	s.logger.Info().
		Str("enforcement_id", enf.ID).
		Str("entity_id", entityID).
		Str("action", string(action)).
		Msg("Executing enforcement")

	result, err := s.dispatch(ctx, entityID, action, userName)

	s.mu.Lock()
	now := s.clock.Now()
	if err != nil {
		enf.Status = StatusFailed
		enf.Error = err.Error()
	} else {
		enf.Status = StatusExecuted
		enf.ExecutedTime = &now
		enf.Result = result
	}
	delete(s.pending, entityID)
	s.appendHistoryLocked(*enf)
	count := len(s.pending)
	snapshot := *enf
	s.mu.Unlock()

	metrics.EnforcementsPending.Set(float64(count))
	metrics.EnforcementsTotal.WithLabelValues(string(action), string(snapshot.Status)).Inc()
	s.store(snapshot)

	if err != nil {
		s.logger.Error().Err(err).Str("entity_id", entityID).Msg("Enforcement failed")
		s.Failed.Publish(snapshot)
		return &snapshot, err
	}

	s.Executed.Publish(snapshot)
	return &snapshot, nil
}

// Cancel withdraws the pending enforcement on entityID. An enforcement that
// has started executing cannot be cancelled.
func (s *Scheduler) Cancel(entityID string) bool {
	s.mu.Lock()
	entry, ok := s.pending[entityID]
	if !ok || entry.enforcement.Status != StatusPending {
		s.mu.Unlock()
		return false
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	now := s.clock.Now()
	enf := entry.enforcement
	enf.Status = StatusCancelled
	enf.CancelledTime = &now
	delete(s.pending, entityID)
	s.appendHistoryLocked(*enf)
	count := len(s.pending)
	snapshot := *enf
	s.mu.Unlock()

	metrics.EnforcementsPending.Set(float64(count))
	metrics.EnforcementsTotal.WithLabelValues(string(snapshot.Action), string(StatusCancelled)).Inc()
	s.store(snapshot)

	s.logger.Info().Str("entity_id", entityID).Msg("Enforcement cancelled")
	s.Cancelled.Publish(snapshot)
	return true
}

func (s *Scheduler) appendHistoryLocked(e Enforcement) {
	s.history = append(s.history, e)
	if len(s.history) > s.config.HistoryLimit {
		n := copy(s.history, s.history[len(s.history)-s.config.HistoryLimit:])
		s.history = s.history[:n]
	}
}

func (s *Scheduler) store(e Enforcement) {
	if s.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := s.sink.AppendEnforcement(ctx, e); err != nil {
		s.logger.Error().Err(err).Str("enforcement_id", e.ID).Msg("Failed to store enforcement history")
	}
}

// LoadHistory places previously stored enforcements, oldest first, ahead of
// the in-memory history. Entries already present are skipped and the
// oldest are dropped beyond the limit.
func (s *Scheduler) LoadHistory(entries []Enforcement) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := make(map[string]bool, len(s.history))
	for _, e := range s.history {
		known[e.ID] = true
	}

	loaded := make([]Enforcement, 0, len(entries)+len(s.history))
	for _, e := range entries {
		if e.ID == "" || known[e.ID] {
			continue
		}
		known[e.ID] = true
		loaded = append(loaded, e)
	}
	added := len(loaded)

	s.history = append(loaded, s.history...)
	if len(s.history) > s.config.HistoryLimit {
		s.history = s.history[len(s.history)-s.config.HistoryLimit:]
	}
	return added
}

// IsPending reports whether entityID has an enforcement waiting or running.
func (s *Scheduler) IsPending(entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[entityID]
	return ok
}

// Pending returns the pending enforcement on entityID.
func (s *Scheduler) Pending(entityID string) (Enforcement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[entityID]
	if !ok {
		return Enforcement{}, false
	}
	return *entry.enforcement, true
}

// AllPending returns every pending enforcement ordered by execute time.
func (s *Scheduler) AllPending() []Enforcement {
	s.mu.Lock()
	out := make([]Enforcement, 0, len(s.pending))
	for _, entry := range s.pending {
		out = append(out, *entry.enforcement)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ExecuteTime.Equal(out[j].ExecuteTime) {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].ExecuteTime.Before(out[j].ExecuteTime)
	})
	return out
}

// History returns finished enforcements matching filter, oldest first.
func (s *Scheduler) History(filter Filter) []Enforcement {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Enforcement
	for i := range s.history {
		if filter.matches(&s.history[i]) {
			out = append(out, s.history[i])
		}
	}
	return out
}

// ClearHistory drops the in-memory history.
func (s *Scheduler) ClearHistory() {
	s.mu.Lock()
	s.history = nil
	s.mu.Unlock()
}

// Close stops every grace timer. Pending enforcements stay visible but will
// not run, and new requests are refused.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for _, entry := range s.pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
}

func (s *Scheduler) sendWarning(ctx context.Context, entityID, userName string, grace int, reason string) {
	msg := fmt.Sprintf("%s, your %s! Device will turn off in %d seconds.", userName, strings.ToLower(reason), grace)
	if err := s.notify(ctx, "Parental Controls Warning", msg); err != nil {
		s.logger.Error().Err(err).Str("entity_id", entityID).Msg("Failed to send warning notification")
		return
	}
	s.logger.Info().Str("entity_id", entityID).Msg("Warning sent")
}

func (s *Scheduler) notify(ctx context.Context, title, msg string) error {
	_, err := s.caller.CallService(ctx, "notify", s.config.NotifyService, map[string]any{
		"message": msg,
		"title":   title,
	})
	return err
}

package usage

import (
	"context"
	"math"
	"sort"
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
	// DefaultFlushInterval is how often unreported usage is emitted
	DefaultFlushInterval = 60 * time.Second

	// DefaultHistoryLimit caps the finished sessions kept per user
	DefaultHistoryLimit = 1000

	reportTimeout = 5 * time.Second
)

// Resolver decides which user is active on a device at an instant
type Resolver interface {
	Resolve(entityID string, at time.Time) (string, bool)
}

// Reporter receives usage for delivery outside the process
type Reporter interface {
	ReportUsage(ctx context.Context, updates []Update) error
	SaveRecord(ctx context.Context, record Record) error
}

// StateFeed delivers hub state changes
type StateFeed interface {
	Subscribe(fn func(hub.StateChangedEvent)) func()
}

// Tracker turns device state changes into per-user usage sessions
type Tracker struct {
	resolver      Resolver
	reporter      Reporter
	clock         clock.Clock
	flushInterval time.Duration
	historyLimit  int
	sessions      map[string]*Session // key: entity id
	history       map[string][]Record // key: user id
	logger        zerolog.Logger
	mu            sync.RWMutex

	unsubscribe func()
	stopChan    chan struct{}
	done        chan struct{}
	stopped     bool // refuses new sessions once Stop has begun

	SessionStarted events.Topic[Session]
	SessionUpdated events.Topic[Session]
	SessionEnded   events.Topic[Record]
	UsageUpdates   events.Topic[[]Update]
}

// Config holds tracker configuration
type Config struct {
	FlushInterval time.Duration
	HistoryLimit  int
	Clock         clock.Clock
}

// NewTracker creates a new usage tracker. reporter may be nil.
func NewTracker(resolver Resolver, reporter Reporter, config Config, logger zerolog.Logger) *Tracker {
	if config.FlushInterval == 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.HistoryLimit == 0 {
		config.HistoryLimit = DefaultHistoryLimit
	}
	if config.Clock == nil {
		config.Clock = clock.RealClock{}
	}

	return &Tracker{
		resolver:      resolver,
		reporter:      reporter,
		clock:         config.Clock,
		flushInterval: config.FlushInterval,
		historyLimit:  config.HistoryLimit,
		sessions:      make(map[string]*Session),
		history:       make(map[string][]Record),
		logger:        logger.With().Str("component", "usage-tracker").Logger(),
	}
}

// Start subscribes to feed and begins periodic flushing
func (t *Tracker) Start(feed StateFeed) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopChan != nil {
		t.logger.Warn().Msg("Usage tracker already started")
		return
	}

	t.stopped = false
	t.unsubscribe = feed.Subscribe(t.ProcessStateChange)
	t.stopChan = make(chan struct{})
	t.done = make(chan struct{})
	go t.flushLoop(t.stopChan, t.done)

	t.logger.Info().Dur("flush_interval", t.flushInterval).Msg("Usage tracker started")
}

// Stop unsubscribes, stops flushing and closes every open session
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopChan == nil {
		t.mu.Unlock()
		return
	}
	unsubscribe := t.unsubscribe
	stopChan, done := t.stopChan, t.done
	t.stopChan, t.done, t.unsubscribe = nil, nil, nil
	// An event already being delivered can still arrive after unsubscribe.
	t.stopped = true
	t.mu.Unlock()

	unsubscribe()
	close(stopChan)
	<-done

	t.EndAllSessions()
	t.logger.Info().Msg("Usage tracker stopped")
}

func (t *Tracker) flushLoop(stopChan <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Flush()
		case <-stopChan:
			return
		}
	}
}

// ProcessStateChange applies one hub state transition.
//
// Sessions start only when the device resolves to a user. Updates and ends
// apply to an existing session even if the device no longer resolves, so a
// session is never left open by a rule window closing.
func (t *Tracker) ProcessStateChange(ev hub.StateChangedEvent) {
	wasActive := ev.OldState != nil && IsActiveState(ev.OldState.State)
	isActive := ev.NewState != nil && IsActiveState(ev.NewState.State)

	switch {
	case !wasActive && isActive:
		t.startSession(ev.EntityID, ev.NewState)
	case wasActive && !isActive:
		t.EndSession(ev.EntityID)
	case wasActive && isActive:
		t.updateSession(ev.EntityID, ev.NewState)
	}
}

func (t *Tracker) startSession(entityID string, state *hub.EntityState) {
	now := t.clock.Now()

	userID, ok := t.resolver.Resolve(entityID, now)
	if !ok {
		t.logger.Debug().Str("entity_id", entityID).Msg("No active user for device, ignoring")
		return
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		t.logger.Debug().Str("entity_id", entityID).Msg("Usage tracker stopped, ignoring")
		return
	}
	if _, exists := t.sessions[entityID]; exists {
		t.mu.Unlock()
		t.logger.Debug().Str("entity_id", entityID).Msg("Session already open")
		return
	}

	session := &Session{
		ID:           uuid.NewString(),
		EntityID:     entityID,
		UserID:       userID,
		ActivityType: Classify(state.Attributes),
		StartTime:    now,
		LastUpdate:   now,
		State:        state.State,
	}
	t.sessions[entityID] = session
	snapshot := *session
	count := len(t.sessions)
	t.mu.Unlock()

	metrics.ActiveSessions.Set(float64(count))
	t.logger.Info().
		Str("session_id", snapshot.ID).
		Str("entity_id", entityID).
		Str("user_id", userID).
		Str("activity", string(snapshot.ActivityType)).
		Msg("Started usage session")

	t.SessionStarted.Publish(snapshot)
}

func (t *Tracker) updateSession(entityID string, state *hub.EntityState) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	session, ok := t.sessions[entityID]
	if !ok {
		t.mu.Unlock()
		// Device was already on when we started watching it.
		t.startSession(entityID, state)
		return
	}

	now := t.clock.Now()
	t.accumulateLocked(session, now)
	session.State = state.State
	session.ActivityType = Classify(state.Attributes)
	snapshot := *session
	t.mu.Unlock()

	t.logger.Debug().
		Str("session_id", snapshot.ID).
		Str("entity_id", entityID).
		Str("state", snapshot.State).
		Dur("total_active", snapshot.TotalActive).
		Msg("Session updated")

	t.SessionUpdated.Publish(snapshot)
}

// EndSession finalizes the open session on entityID, if any. Elapsed time
// since the last update is accumulated first when the recorded state was active.
func (t *Tracker) EndSession(entityID string) (Record, bool) {
	t.mu.Lock()
	record, update, ok := t.endSessionLocked(entityID, t.clock.Now())
	count := len(t.sessions)
	t.mu.Unlock()

	if !ok {
		return Record{}, false
	}

	metrics.ActiveSessions.Set(float64(count))
	t.afterEnd(record, update)
	return record, true
}

// EndAllSessions finalizes every open session.
func (t *Tracker) EndAllSessions() []Record {
	t.mu.Lock()
	now := t.clock.Now()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	records := make([]Record, 0, len(ids))
	updates := make([]*Update, 0, len(ids))
	for _, id := range ids {
		record, update, ok := t.endSessionLocked(id, now)
		if ok {
			records = append(records, record)
			updates = append(updates, update)
		}
	}
	t.mu.Unlock()

	metrics.ActiveSessions.Set(0)
	for i := range records {
		t.afterEnd(records[i], updates[i])
	}
	return records
}

// endSessionLocked must be called with the lock held.
func (t *Tracker) endSessionLocked(entityID string, now time.Time) (Record, *Update, bool) {
	session, ok := t.sessions[entityID]
	if !ok {
		return Record{}, nil, false
	}

	t.accumulateLocked(session, now)
	delete(t.sessions, entityID)

	record := Record{
		SessionID:    session.ID,
		EntityID:     session.EntityID,
		UserID:       session.UserID,
		ActivityType: session.ActivityType,
		QuotaType:    session.ActivityType.Quota(),
		StartTime:    session.StartTime,
		EndTime:      now,
		Duration:     now.Sub(session.StartTime),
		ActiveTime:   session.TotalActive,
	}
	t.appendHistoryLocked(record)

	// Hand over whatever the last flush did not report.
	var update *Update
	if remainder := session.TotalActive - session.Reported; remainder > 0 {
		u := newUpdate(session, remainder, now)
		update = &u
	}

	return record, update, true
}

func (t *Tracker) afterEnd(record Record, update *Update) {
	t.logger.Info().
		Str("session_id", record.SessionID).
		Str("entity_id", record.EntityID).
		Str("user_id", record.UserID).
		Str("activity", string(record.ActivityType)).
		Dur("active_time", record.ActiveTime).
		Msg("Ended usage session")

	if update != nil {
		t.emitUpdates([]Update{*update})
	}

	if t.reporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()
		if err := t.reporter.SaveRecord(ctx, record); err != nil {
			t.logger.Error().Err(err).Str("session_id", record.SessionID).Msg("Failed to save usage record")
		}
	}

	t.SessionEnded.Publish(record)
}

// appendHistoryLocked adds record to the user's history, evicting the oldest beyond the limit.
func (t *Tracker) appendHistoryLocked(record Record) {
	h := append(t.history[record.UserID], record)
	if len(h) > t.historyLimit {
		n := copy(h, h[len(h)-t.historyLimit:])
		h = h[:n]
	}
	t.history[record.UserID] = h
}

// LoadHistory merges previously stored records into the per-user history,
// keeping it ordered by end time and within the limit. Records already
// present are skipped. It returns how many records were added.
func (t *Tracker) LoadHistory(records []Record) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	touched := make(map[string]bool)
	added := 0
	for _, record := range records {
		if record.UserID == "" || t.hasRecordLocked(record.UserID, record.SessionID) {
			continue
		}
		t.history[record.UserID] = append(t.history[record.UserID], record)
		touched[record.UserID] = true
		added++
	}

	for userID := range touched {
		h := t.history[userID]
		sort.SliceStable(h, func(i, j int) bool { return h[i].EndTime.Before(h[j].EndTime) })
		if len(h) > t.historyLimit {
			n := copy(h, h[len(h)-t.historyLimit:])
			h = h[:n]
		}
		t.history[userID] = h
	}

	return added
}

func (t *Tracker) hasRecordLocked(userID, sessionID string) bool {
	if sessionID == "" {
		return false
	}
	for _, r := range t.history[userID] {
		if r.SessionID == sessionID {
			return true
		}
	}
	return false
}

// accumulateLocked adds the time since the last update when the recorded state was active.
func (t *Tracker) accumulateLocked(session *Session, now time.Time) {
	if IsActiveState(session.State) && now.After(session.LastUpdate) {
		session.TotalActive += now.Sub(session.LastUpdate)
	}
	session.LastUpdate = now
}

// Flush accumulates active time on every open session and emits what has
// not been reported yet.
func (t *Tracker) Flush() []Update {
	t.mu.Lock()
	now := t.clock.Now()
	var updates []Update
	for _, session := range t.sessions {
		t.accumulateLocked(session, now)
		unreported := session.TotalActive - session.Reported
		if unreported <= 0 {
			continue
		}
		updates = append(updates, newUpdate(session, unreported, now))
		session.Reported = session.TotalActive
	}
	t.mu.Unlock()

	if len(updates) == 0 {
		return nil
	}

	sort.Slice(updates, func(i, j int) bool { return updates[i].EntityID < updates[j].EntityID })
	t.emitUpdates(updates)

	t.logger.Debug().Int("updates", len(updates)).Msg("Flushed usage updates")
	return updates
}

func (t *Tracker) emitUpdates(updates []Update) {
	for _, u := range updates {
		metrics.UsageMinutesConsumed.WithLabelValues(u.UserID, string(u.ActivityType)).Add(u.UnreportedMinutes)
	}

	if t.reporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()
		if err := t.reporter.ReportUsage(ctx, updates); err != nil {
			t.logger.Error().Err(err).Int("updates", len(updates)).Msg("Failed to report usage")
		}
	}

	t.UsageUpdates.Publish(updates)
}

func newUpdate(session *Session, unreported time.Duration, now time.Time) Update {
	return Update{
		EntityID:          session.EntityID,
		UserID:            session.UserID,
		ActivityType:      session.ActivityType,
		QuotaType:         session.ActivityType.Quota(),
		Unreported:        unreported,
		UnreportedMinutes: unreported.Minutes(),
		Timestamp:         now,
	}
}

// Session returns the open session on entityID.
func (t *Tracker) Session(entityID string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.sessions[entityID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// IsDeviceActive reports whether entityID has an open session.
func (t *Tracker) IsDeviceActive(entityID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.sessions[entityID]
	return ok
}

// ActiveSessions returns every open session ordered by start time.
func (t *Tracker) ActiveSessions() []Session {
	return t.activeSessions(func(*Session) bool { return true })
}

// ActiveSessionsForUser returns the open sessions attributed to userID.
func (t *Tracker) ActiveSessionsForUser(userID string) []Session {
	return t.activeSessions(func(s *Session) bool { return s.UserID == userID })
}

func (t *Tracker) activeSessions(keep func(*Session) bool) []Session {
	t.mu.RLock()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		if keep(s) {
			out = append(out, *s)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// History returns the finished sessions kept for userID, oldest first.
func (t *Tracker) History(userID string) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Record(nil), t.history[userID]...)
}

// Users returns every user with history, sorted.
func (t *Tracker) Users() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	users := make([]string, 0, len(t.history))
	for u := range t.history {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// ClearHistory drops the history of userID, or of every user when userID is empty.
func (t *Tracker) ClearHistory(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if userID == "" {
		t.history = make(map[string][]Record)
		return
	}
	delete(t.history, userID)
}

// PruneHistory drops records that ended before cutoff and returns how many were removed.
func (t *Tracker) PruneHistory(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for userID, records := range t.history {
		kept := records[:0]
		for _, r := range records {
			if r.EndTime.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(t.history, userID)
			continue
		}
		t.history[userID] = kept
	}
	return removed
}

// UsageReport totals the records of userID that lie entirely within [start, end].
func (t *Tracker) UsageReport(userID string, start, end time.Time) Report {
	report := Report{
		UserID:            userID,
		Start:             start,
		End:               end,
		ByActivity:        make(map[ActivityType]time.Duration),
		MinutesByActivity: make(map[ActivityType]int),
	}

	t.mu.RLock()
	for _, r := range t.history[userID] {
		if r.StartTime.Before(start) || r.EndTime.After(end) {
			continue
		}
		report.ByActivity[r.ActivityType] += r.ActiveTime
		report.Total += r.ActiveTime
		report.SessionCount++
	}
	t.mu.RUnlock()

	for activity, d := range report.ByActivity {
		report.MinutesByActivity[activity] = roundMinutes(d)
	}
	report.TotalMinutes = roundMinutes(report.Total)

	return report
}

// TodayUsage reports userID's usage for the current local calendar day.
func (t *Tracker) TodayUsage(userID string) Report {
	start := startOfDay(t.clock.Now())
	return t.UsageReport(userID, start, start.AddDate(0, 0, 1))
}

func startOfDay(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

func roundMinutes(d time.Duration) int {
	return int(math.Round(d.Minutes()))
}

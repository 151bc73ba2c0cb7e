package links

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/khome/internal/clock"
	"github.com/rs/zerolog"
)

// DefaultPowerGracePeriod is the grace period in seconds applied to power
// control wiring when none is given.
const DefaultPowerGracePeriod = 60

var (
	timeRangePattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d-([01]\d|2[0-3]):[0-5]\d$`)

	weekdayTags = [...]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}
)

// Registry holds device links and the derived user -> devices index.
type Registry struct {
	links  map[string]*Link               // key: entity id
	byUser map[string]map[string]struct{} // key: user id -> entity ids
	clock  clock.Clock
	logger zerolog.Logger
	mu     sync.RWMutex
}

// NewRegistry creates an empty link registry.
func NewRegistry(clk clock.Clock, logger zerolog.Logger) *Registry {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Registry{
		links:  make(map[string]*Link),
		byUser: make(map[string]map[string]struct{}),
		clock:  clk,
		logger: logger.With().Str("component", "link-registry").Logger(),
	}
}

// Load replaces every link. Invalid links are skipped and reported in the
// returned error.
func (r *Registry) Load(links []Link) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.links = make(map[string]*Link, len(links))
	r.byUser = make(map[string]map[string]struct{})

	var errs []error
	for _, l := range links {
		if err := r.putLocked(l); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.EntityID, err))
		}
	}

	r.logger.Info().Int("links", len(r.links)).Msg("Device links loaded")

	return errors.Join(errs...)
}

// Add creates or replaces the link for l.EntityID.
func (r *Registry) Add(l Link) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.putLocked(l); err != nil {
		return err
	}

	r.logger.Info().
		Str("entity_id", l.EntityID).
		Str("user_id", l.UserID).
		Str("type", string(r.links[l.EntityID].Type)).
		Msg("Device linked")

	return nil
}

// Remove deletes the link for entityID. It reports whether a link existed.
func (r *Registry) Remove(entityID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.links[entityID]; !ok {
		return false
	}
	r.deleteLocked(entityID)

	r.logger.Info().Str("entity_id", entityID).Msg("Device unlinked")
	return true
}

// Update applies a partial change to an existing link. It never creates a link.
func (r *Registry) Update(entityID string, upd LinkUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.links[entityID]
	if !ok {
		return ErrLinkNotFound
	}

	next := existing.clone()
	if upd.UserID != nil {
		next.UserID = *upd.UserID
	}
	if upd.DeviceName != nil {
		next.DeviceName = *upd.DeviceName
	}
	if upd.Type != nil {
		next.Type = *upd.Type
	}
	if upd.UsageRules != nil {
		next.UsageRules = cloneRules(*upd.UsageRules)
	}

	if err := normalize(&next); err != nil {
		return err
	}

	r.deleteLocked(entityID)
	r.insertLocked(next)

	r.logger.Debug().Str("entity_id", entityID).Msg("Device link updated")
	return nil
}

// Get returns a copy of the link for entityID.
func (r *Registry) Get(entityID string) (Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.links[entityID]
	if !ok {
		return Link{}, false
	}
	return l.clone(), true
}

// IsLinked reports whether entityID has a link.
func (r *Registry) IsLinked(entityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.links[entityID]
	return ok
}

// Count returns the number of links.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

// All returns every link ordered by entity id.
func (r *Registry) All() []Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filterLocked(func(*Link) bool { return true })
}

// Export returns a snapshot suitable for persistence.
func (r *Registry) Export() []Link {
	return r.All()
}

// ByType returns the links of type t.
func (r *Registry) ByType(t LinkType) []Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filterLocked(func(l *Link) bool { return l.Type == t })
}

// UserDevices returns the entity ids that can be attributed to userID.
func (r *Registry) UserDevices(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LinksForUser returns the links that can attribute usage to userID.
func (r *Registry) LinksForUser(userID string) []Link {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	return r.filterLocked(func(l *Link) bool {
		_, ok := set[l.EntityID]
		return ok
	})
}

// SetPowerControl wires entityID to the plug plugEntityID. A non-positive
// grace period falls back to DefaultPowerGracePeriod.
func (r *Registry) SetPowerControl(entityID, plugEntityID string, gracePeriod int, enforceQuota bool) error {
	if plugEntityID == "" {
		return ErrMissingEntityID
	}
	if gracePeriod <= 0 {
		gracePeriod = DefaultPowerGracePeriod
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.links[entityID]
	if !ok {
		return ErrLinkNotFound
	}
	l.PowerControl = &PowerControl{
		EntityID:     plugEntityID,
		GracePeriod:  gracePeriod,
		EnforceQuota: enforceQuota,
	}

	r.logger.Info().
		Str("entity_id", entityID).
		Str("power_entity_id", plugEntityID).
		Int("grace_period", gracePeriod).
		Msg("Power control configured")

	return nil
}

// RemovePowerControl clears the plug wiring for entityID.
func (r *Registry) RemovePowerControl(entityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.links[entityID]
	if !ok {
		return ErrLinkNotFound
	}
	l.PowerControl = nil
	return nil
}

// Clear removes every link.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.links = make(map[string]*Link)
	r.byUser = make(map[string]map[string]struct{})
	r.mu.Unlock()
}

// Resolve returns the user active on entityID at instant at.
//
// Exclusive links always resolve to their user and family links never
// resolve. Shared links evaluate their rules in order and the first match
// wins; a shared link without rules resolves to its own user, if any.
func (r *Registry) Resolve(entityID string, at time.Time) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.links[entityID]
	if !ok {
		return "", false
	}

	switch l.Type {
	case Exclusive:
		return l.UserID, l.UserID != ""
	case Family:
		return "", false
	case Shared:
		if len(l.UsageRules) == 0 {
			return l.UserID, l.UserID != ""
		}
		day := weekdayTags[at.Weekday()]
		hhmm := at.Format("15:04")
		for _, rule := range l.UsageRules {
			if rule.matches(day, hhmm) {
				return rule.UserID, rule.UserID != ""
			}
		}
	}

	return "", false
}

// matches reports whether the rule covers weekday tag day at clock time hhmm.
// Time comparison is lexicographic on zero-padded HH:MM and inclusive at both ends.
func (u UsageRule) matches(day, hhmm string) bool {
	if len(u.Weekdays) > 0 {
		found := false
		for _, d := range u.Weekdays {
			if d == day {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if u.TimeRange == "" {
		return true
	}
	start, end, ok := strings.Cut(u.TimeRange, "-")
	if !ok {
		return false
	}
	return start <= hhmm && hhmm <= end
}

// putLocked validates l and stores it, replacing any existing link.
func (r *Registry) putLocked(l Link) error {
	next := l.clone()
	if err := normalize(&next); err != nil {
		return err
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = r.clock.Now()
	}

	if _, ok := r.links[next.EntityID]; ok {
		r.deleteLocked(next.EntityID)
	}
	r.insertLocked(next)
	return nil
}

func (r *Registry) insertLocked(l Link) {
	r.links[l.EntityID] = &l
	for _, userID := range l.users() {
		set, ok := r.byUser[userID]
		if !ok {
			set = make(map[string]struct{})
			r.byUser[userID] = set
		}
		set[l.EntityID] = struct{}{}
	}
}

// deleteLocked removes the link and every reverse index entry pointing at it.
func (r *Registry) deleteLocked(entityID string) {
	l, ok := r.links[entityID]
	if !ok {
		return
	}
	for _, userID := range l.users() {
		if set, ok := r.byUser[userID]; ok {
			delete(set, entityID)
			if len(set) == 0 {
				delete(r.byUser, userID)
			}
		}
	}
	delete(r.links, entityID)
}

func (r *Registry) filterLocked(keep func(*Link) bool) []Link {
	out := make([]Link, 0, len(r.links))
	for _, l := range r.links {
		if keep(l) {
			out = append(out, l.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// normalize validates l in place, lower-casing weekday tags and defaulting the type.
func normalize(l *Link) error {
	if l.EntityID == "" {
		return ErrMissingEntityID
	}
	if l.Type == "" {
		l.Type = Exclusive
	}
	if !l.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidLinkType, l.Type)
	}
	if l.Type == Exclusive && l.UserID == "" {
		return ErrMissingUser
	}

	for i := range l.UsageRules {
		rule := &l.UsageRules[i]
		if rule.TimeRange != "" && !timeRangePattern.MatchString(rule.TimeRange) {
			return fmt.Errorf("%w: %q", ErrInvalidTimeRange, rule.TimeRange)
		}
		for j, d := range rule.Weekdays {
			tag, err := weekdayTag(d)
			if err != nil {
				return err
			}
			rule.Weekdays[j] = tag
		}
	}

	return nil
}

// weekdayTag maps "Monday", "MON" or "mon" to "mon".
func weekdayTag(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) >= 3 {
		for _, tag := range weekdayTags {
			if strings.HasPrefix(s, tag) {
				return tag, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidWeekday, s)
}

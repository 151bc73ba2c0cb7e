package links

import (
	"errors"
	"time"
)

var (
	// ErrLinkNotFound is returned when updating a device that has no link.
	ErrLinkNotFound = errors.New("links: device link not found")

	// ErrMissingEntityID is returned for links without an entity identifier.
	ErrMissingEntityID = errors.New("links: entity id is required")

	// ErrInvalidLinkType is returned for an unknown link type.
	ErrInvalidLinkType = errors.New("links: invalid link type")

	// ErrMissingUser is returned when an exclusive link names no user.
	ErrMissingUser = errors.New("links: user id is required")

	// ErrInvalidTimeRange is returned for a rule time range not in HH:MM-HH:MM form.
	ErrInvalidTimeRange = errors.New("links: invalid time range")

	// ErrInvalidWeekday is returned for a rule weekday outside sun..sat.
	ErrInvalidWeekday = errors.New("links: invalid weekday")
)

// LinkType describes who a device belongs to.
type LinkType string

const (
	// Exclusive devices always belong to one user.
	Exclusive LinkType = "exclusive"
	// Shared devices are attributed by ordered usage rules.
	Shared LinkType = "shared"
	// Family devices are never attributed to a user.
	Family LinkType = "family"
)

// Valid reports whether t is a known link type.
func (t LinkType) Valid() bool {
	switch t {
	case Exclusive, Shared, Family:
		return true
	}
	return false
}

// UsageRule attributes a shared device to a user for a weekday set and time window.
// An empty Weekdays list matches every day; an empty TimeRange matches all day.
type UsageRule struct {
	UserID    string   `json:"user_id" mapstructure:"user_id"`
	Weekdays  []string `json:"weekdays,omitempty" mapstructure:"weekdays"`
	TimeRange string   `json:"time_range,omitempty" mapstructure:"time_range"`
}

// PowerControl wires a device to the smart plug that feeds it.
type PowerControl struct {
	EntityID     string `json:"entity_id" mapstructure:"entity_id"`
	GracePeriod  int    `json:"grace_period" mapstructure:"grace_period"` // seconds
	EnforceQuota bool   `json:"enforce_quota" mapstructure:"enforce_quota"`
}

// Link binds a hub entity to a household member.
type Link struct {
	EntityID     string        `json:"entity_id" mapstructure:"entity_id"`
	UserID       string        `json:"user_id,omitempty" mapstructure:"user_id"`
	DeviceName   string        `json:"device_name,omitempty" mapstructure:"device_name"`
	Type         LinkType      `json:"type" mapstructure:"type"`
	UsageRules   []UsageRule   `json:"usage_rules,omitempty" mapstructure:"usage_rules"`
	PowerControl *PowerControl `json:"power_control,omitempty" mapstructure:"power_control"`
	CreatedAt    time.Time     `json:"created_at" mapstructure:"-"`
}

// LinkUpdate carries a partial change to an existing link. Nil fields are left untouched.
type LinkUpdate struct {
	UserID     *string      `json:"user_id,omitempty"`
	DeviceName *string      `json:"device_name,omitempty"`
	Type       *LinkType    `json:"type,omitempty"`
	UsageRules *[]UsageRule `json:"usage_rules,omitempty"`
}

// clone returns a deep copy of l.
func (l Link) clone() Link {
	out := l
	out.UsageRules = cloneRules(l.UsageRules)
	if l.PowerControl != nil {
		pc := *l.PowerControl
		out.PowerControl = &pc
	}
	return out
}

func cloneRules(rules []UsageRule) []UsageRule {
	if rules == nil {
		return nil
	}
	out := make([]UsageRule, len(rules))
	for i, r := range rules {
		out[i] = r
		out[i].Weekdays = append([]string(nil), r.Weekdays...)
	}
	return out
}

// users returns every user the link can attribute usage to.
func (l Link) users() []string {
	var out []string
	if l.UserID != "" {
		out = append(out, l.UserID)
	}
	for _, r := range l.UsageRules {
		if r.UserID != "" {
			out = append(out, r.UserID)
		}
	}
	return out
}

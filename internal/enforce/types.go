package enforce

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/goodtune/khome/internal/links"
)

var (
	// ErrAlreadyPending is returned when the device already has a pending enforcement.
	ErrAlreadyPending = errors.New("enforcement already pending")

	// ErrNoPending is returned when there is no pending enforcement to act on.
	ErrNoPending = errors.New("no pending enforcement")

	// ErrInvalidAction is returned for an action outside the supported set.
	ErrInvalidAction = errors.New("invalid enforcement action")

	// ErrInvalidGracePeriod is returned for a negative grace period.
	ErrInvalidGracePeriod = errors.New("grace period must not be negative")

	// ErrClosed is returned once the scheduler has been closed.
	ErrClosed = errors.New("enforcement scheduler closed")
)

// Action is what happens to a device when its grace period runs out.
type Action string

const (
	ActionWarn     Action = "warn"
	ActionPause    Action = "pause"
	ActionTurnOff  Action = "turn_off"
	ActionCutPower Action = "cut_power"
)

// Valid reports whether a is a supported action.
func (a Action) Valid() bool {
	switch a {
	case ActionWarn, ActionPause, ActionTurnOff, ActionCutPower:
		return true
	}
	return false
}

// Status is the lifecycle state of an enforcement.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Enforcement is one scheduled device-control action.
type Enforcement struct {
	ID            string     `json:"id"`
	EntityID      string     `json:"entityId"`
	UserID        string     `json:"userId,omitempty"`
	UserName      string     `json:"userName"`
	Action        Action     `json:"action"`
	GracePeriod   int        `json:"gracePeriod"`
	Reason        string     `json:"reason"`
	StartTime     time.Time  `json:"startTime"`
	ExecuteTime   time.Time  `json:"executeTime"`
	ExecutedTime  *time.Time `json:"executedTime,omitempty"`
	CancelledTime *time.Time `json:"cancelledTime,omitempty"`
	Status        Status     `json:"status"`
	Result        *Result    `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Result describes what an executed action did.
type Result struct {
	Action               string `json:"action"`
	EntityID             string `json:"entityId"`
	PowerControlEntityID string `json:"powerControlEntityId,omitempty"`
}

// Request carries the caller's options for EnforceQuotaExhausted.
type Request struct {
	UserID      string `json:"user"`
	UserName    string `json:"userName"`
	Action      Action `json:"action"`
	GracePeriod *int   `json:"gracePeriod"`
	Reason      string `json:"reason"`
}

// Filter narrows History. Zero fields match everything.
type Filter struct {
	UserID string
	Status Status
	Since  time.Time
}

func (f Filter) matches(e *Enforcement) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && e.StartTime.Before(f.Since) {
		return false
	}
	return true
}

// RestoreEvent is published when access to a device is given back.
type RestoreEvent struct {
	EntityID             string `json:"entityId"`
	PowerControlEntityID string `json:"powerControlEntityId,omitempty"`
}

// Facts describe a device to the action policy.
type Facts struct {
	EntityID        string   `json:"entity_id"`
	Domain          string   `json:"domain"`
	UserID          string   `json:"user_id,omitempty"`
	LinkType        string   `json:"link_type,omitempty"`
	Capabilities    []string `json:"capabilities"`
	HasPowerControl bool     `json:"has_power_control"`
	EnforceQuota    bool     `json:"enforce_quota"`
	PowerGrace      int      `json:"power_grace_period"`
}

// Decision is the action policy's choice for a device.
type Decision struct {
	Action      Action `json:"action"`
	GracePeriod *int   `json:"grace_period,omitempty"`
}

// ServiceCaller invokes named actions on the hub.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) (json.RawMessage, error)
}

// LinkLookup returns the link of a device.
type LinkLookup interface {
	Get(entityID string) (links.Link, bool)
}

// CapabilityLookup returns the capabilities discovery found for a device.
type CapabilityLookup interface {
	Capabilities(entityID string) ([]string, bool)
}

// ActionPolicy picks an action when the request does not name one.
type ActionPolicy interface {
	Decide(ctx context.Context, facts Facts) (Decision, error)
}

// HistorySink stores finished enforcements outside the process.
type HistorySink interface {
	AppendEnforcement(ctx context.Context, e Enforcement) error
}

package usage

import (
	"time"
)

// Session represents an open usage session on one device
type Session struct {
	ID           string        `json:"id"`
	EntityID     string        `json:"entity_id"`
	UserID       string        `json:"user_id"`
	ActivityType ActivityType  `json:"activity_type"`
	StartTime    time.Time     `json:"start_time"`
	LastUpdate   time.Time     `json:"last_update"`
	TotalActive  time.Duration `json:"total_active"`
	Reported     time.Duration `json:"reported"`
	State        string        `json:"state"` // last recorded device state
}

// Record is the immutable result of a finished session
type Record struct {
	SessionID    string        `json:"session_id"`
	EntityID     string        `json:"entity_id"`
	UserID       string        `json:"user_id"`
	ActivityType ActivityType  `json:"activity_type"`
	QuotaType    QuotaType     `json:"quota_type"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Duration     time.Duration `json:"duration"`
	ActiveTime   time.Duration `json:"active_time"`
}

// Update is one unreported slice of active time emitted by a flush
type Update struct {
	EntityID          string        `json:"entity_id"`
	UserID            string        `json:"user_id"`
	ActivityType      ActivityType  `json:"activity_type"`
	QuotaType         QuotaType     `json:"quota_type"`
	Unreported        time.Duration `json:"unreported"`
	UnreportedMinutes float64       `json:"unreported_minutes"`
	Timestamp         time.Time     `json:"timestamp"`
}

// Report aggregates finished sessions for one user over a window
type Report struct {
	UserID            string                         `json:"user_id"`
	Start             time.Time                      `json:"start"`
	End               time.Time                      `json:"end"`
	ByActivity        map[ActivityType]time.Duration `json:"by_activity"`
	Total             time.Duration                  `json:"total"`
	MinutesByActivity map[ActivityType]int           `json:"minutes_by_activity"`
	TotalMinutes      int                            `json:"total_minutes"`
	SessionCount      int                            `json:"session_count"`
}

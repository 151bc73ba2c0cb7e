package admin

import (
	"github.com/goodtune/khome/internal/discovery"
	"github.com/goodtune/khome/internal/enforce"
	"github.com/goodtune/khome/internal/hub"
	"github.com/goodtune/khome/internal/links"
	"github.com/goodtune/khome/internal/usage"
)

// Notification types on the event stream.
const (
	TypeConnectionStatus     = "connection_status"
	TypeError                = "error"
	TypeDevices              = "devices"
	TypeDeviceLinks          = "device_links"
	TypeActiveSessions       = "active_sessions"
	TypeTodayUsage           = "today_usage"
	TypeUsageUpdate          = "usage_update"
	TypeEnforcementScheduled = "enforcement_scheduled"
	TypeEnforcementExecuted  = "enforcement_executed"
	TypeEnforcementFailed    = "enforcement_failed"
	TypeEnforcementCancelled = "enforcement_cancelled"
	TypeDeviceRestored       = "device_restored"
	TypePowerRestored        = "power_restored"
)

// Sources are the components whose notifications reach stream clients.
// Nil sources are skipped.
type Sources struct {
	Hub       *hub.Manager
	Tracker   *usage.Tracker
	Scheduler *enforce.Scheduler
	Reset     *usage.ResetScheduler
}

// Subscribe forwards notifications from src to the stream. The returned
// function removes every subscription.
func (s *Server) Subscribe(src Sources) func() {
	var unsubs []func()
	add := func(u func()) { unsubs = append(unsubs, u) }

	add(s.devices.Discovered.Subscribe(func(devices []discovery.Device) {
		s.stream.Broadcast(TypeDevices, devices)
	}))
	add(s.links.Changed.Subscribe(func(table []links.Link) {
		s.stream.Broadcast(TypeDeviceLinks, table)
	}))

	if h := src.Hub; h != nil {
		status := func() { s.stream.Broadcast(TypeConnectionStatus, h.Status()) }
		add(h.Connected.Subscribe(func(hub.ConnectedEvent) { status() }))
		add(h.Authenticated.Subscribe(func(hub.AuthenticatedEvent) { status() }))
		add(h.Disconnected.Subscribe(func(hub.DisconnectedEvent) { status() }))
		add(h.Reconnecting.Subscribe(func(hub.ReconnectingEvent) { status() }))
		add(h.Errors.Subscribe(func(ev hub.ErrorEvent) {
			s.stream.Broadcast(TypeError, ev)
		}))
	}

	if t := src.Tracker; t != nil {
		sessions := func() { s.stream.Broadcast(TypeActiveSessions, t.ActiveSessions()) }
		add(t.SessionStarted.Subscribe(func(usage.Session) { sessions() }))
		add(t.SessionUpdated.Subscribe(func(usage.Session) { sessions() }))
		add(t.SessionEnded.Subscribe(func(r usage.Record) {
			sessions()
			s.stream.Broadcast(TypeTodayUsage, t.TodayUsage(r.UserID))
		}))
		add(t.UsageUpdates.Subscribe(func(updates []usage.Update) {
			s.stream.Broadcast(TypeUsageUpdate, updates)
		}))
	}

	if r := src.Reset; r != nil {
		add(r.Summaries.Subscribe(func(report usage.Report) {
			s.stream.Broadcast(TypeTodayUsage, report)
		}))
	}

	if sc := src.Scheduler; sc != nil {
		forward := func(msgType string) func(enforce.Enforcement) {
			return func(e enforce.Enforcement) { s.stream.Broadcast(msgType, e) }
		}
		add(sc.Scheduled.Subscribe(forward(TypeEnforcementScheduled)))
		add(sc.Executed.Subscribe(forward(TypeEnforcementExecuted)))
		add(sc.Failed.Subscribe(forward(TypeEnforcementFailed)))
		add(sc.Cancelled.Subscribe(forward(TypeEnforcementCancelled)))
		add(sc.Restored.Subscribe(func(ev enforce.RestoreEvent) {
			s.stream.Broadcast(TypeDeviceRestored, ev)
		}))
		add(sc.PowerRestored.Subscribe(func(ev enforce.RestoreEvent) {
			s.stream.Broadcast(TypePowerRestored, ev)
		}))
	}

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

package enforce

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/khome/internal/links"
	"github.com/rs/zerolog"
)

type serviceCall struct {
	Domain   string
	Service  string
	EntityID string
}

type fakeCaller struct {
	mu    sync.Mutex
	calls []serviceCall
	fail  map[string]error // key: domain.service
}

func (f *fakeCaller) CallService(_ context.Context, domain, service string, data map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, _ := data["entity_id"].(string)
	f.calls = append(f.calls, serviceCall{Domain: domain, Service: service, EntityID: id})
	if err := f.fail[domain+"."+service]; err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *fakeCaller) Calls() []serviceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]serviceCall(nil), f.calls...)
}

type staticLinks map[string]links.Link

func (l staticLinks) Get(entityID string) (links.Link, bool) {
	link, ok := l[entityID]
	return link, ok
}

type staticCaps map[string][]string

func (c staticCaps) Capabilities(entityID string) ([]string, bool) {
	caps, ok := c[entityID]
	return caps, ok
}

type policyFunc func(Facts) (Decision, error)

func (p policyFunc) Decide(_ context.Context, f Facts) (Decision, error) { return p(f) }

type memorySink struct {
	mu      sync.Mutex
	entries []Enforcement
}

func (m *memorySink) AppendEnforcement(_ context.Context, e Enforcement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func intPtr(i int) *int { return &i }

func newTestScheduler(t *testing.T, l LinkLookup) (*Scheduler, *fakeCaller) {
	t.Helper()
	caller := &fakeCaller{}
	s := NewScheduler(caller, l, Config{
		DefaultGracePeriod:  60,
		EnableNotifications: true,
		SettleDelay:         time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(s.Close)
	return s, caller
}

func TestSecondEnforceRejectedWhilePending(t *testing.T) {
	s, _ := newTestScheduler(t, nil)
	ctx := context.Background()

	if _, err := s.EnforceQuotaExhausted(ctx, "media_player.tv", Request{UserID: "alice"}); err != nil {
		t.Fatalf("EnforceQuotaExhausted failed: %v", err)
	}

	_, err := s.EnforceQuotaExhausted(ctx, "media_player.tv", Request{UserID: "alice"})
	if !errors.Is(err, ErrAlreadyPending) {
		t.Fatalf("Expected ErrAlreadyPending, got %v", err)
	}
	if got := len(s.AllPending()); got != 1 {
		t.Errorf("Expected 1 pending enforcement, got %d", got)
	}
}

func TestEnforceDefaults(t *testing.T) {
	s, caller := newTestScheduler(t, nil)

	enf, err := s.EnforceQuotaExhausted(context.Background(), "media_player.tv", Request{})
	if err != nil {
		t.Fatalf("EnforceQuotaExhausted failed: %v", err)
	}

	if enf.UserName != "Child" || enf.Reason != "Quota exhausted" {
		t.Errorf("Expected default name and reason, got %q / %q", enf.UserName, enf.Reason)
	}
	if enf.Action != ActionTurnOff {
		t.Errorf("Expected turn_off without a policy, got %q", enf.Action)
	}
	if enf.GracePeriod != 60 {
		t.Errorf("Expected default grace 60, got %d", enf.GracePeriod)
	}
	if !enf.ExecuteTime.Equal(enf.StartTime.Add(60 * time.Second)) {
		t.Errorf("Expected execute time start+60s")
	}
	if enf.Status != StatusPending {
		t.Errorf("Expected pending, got %q", enf.Status)
	}

	calls := caller.Calls()
	if len(calls) != 1 || calls[0].Domain != "notify" || calls[0].Service != DefaultNotifyService {
		t.Errorf("Expected one warning notification, got %+v", calls)
	}
}

func TestEnforceRejectsInvalidRequests(t *testing.T) {
	s, _ := newTestScheduler(t, nil)
	ctx := context.Background()

	if _, err := s.EnforceQuotaExhausted(ctx, "switch.tv", Request{Action: "explode"}); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("Expected ErrInvalidAction, got %v", err)
	}
	if _, err := s.EnforceQuotaExhausted(ctx, "switch.tv", Request{GracePeriod: intPtr(-1)}); !errors.Is(err, ErrInvalidGracePeriod) {
		t.Errorf("Expected ErrInvalidGracePeriod, got %v", err)
	}
	if s.IsPending("switch.tv") {
		t.Error("Expected nothing pending after rejected requests")
	}
}

func TestImmediateTurnOff(t *testing.T) {
	tests := []struct {
		entityID string
		domain   string
	}{
		{"media_player.tv", "media_player"},
		{"switch.console", "switch"},
		{"light.lamp", "light"},
		{"remote.living_room", "homeassistant"},
	}

	for _, tt := range tests {
		t.Run(tt.entityID, func(t *testing.T) {
			s, caller := newTestScheduler(t, nil)

			enf, err := s.EnforceQuotaExhausted(context.Background(), tt.entityID, Request{
				Action:      ActionTurnOff,
				GracePeriod: intPtr(0),
			})
			if err != nil {
				t.Fatalf("EnforceQuotaExhausted failed: %v", err)
			}
			if enf.Status != StatusExecuted || enf.Result.Action != "turned_off" {
				t.Errorf("Expected executed turn off, got %+v", enf)
			}

			calls := caller.Calls()
			if len(calls) != 1 {
				t.Fatalf("Expected no warning and one call, got %+v", calls)
			}
			if calls[0].Domain != tt.domain || calls[0].Service != "turn_off" || calls[0].EntityID != tt.entityID {
				t.Errorf("Unexpected call %+v", calls[0])
			}
			if s.IsPending(tt.entityID) {
				t.Error("Expected pending slot released")
			}
		})
	}
}

func TestCutPowerWithoutWiringTurnsOff(t *testing.T) {
	s, caller := newTestScheduler(t, staticLinks{
		"media_player.xbox": {EntityID: "media_player.xbox", UserID: "alice", Type: links.Exclusive},
	})

	enf, err := s.EnforceQuotaExhausted(context.Background(), "media_player.xbox", Request{
		Action:      ActionCutPower,
		GracePeriod: intPtr(0),
	})
	if err != nil {
		t.Fatalf("EnforceQuotaExhausted failed: %v", err)
	}
	if enf.Result.Action != "turned_off" || enf.Result.PowerControlEntityID != "" {
		t.Errorf("Expected plain turn off, got %+v", enf.Result)
	}

	calls := caller.Calls()
	if len(calls) != 1 || calls[0].Domain != "media_player" || calls[0].Service != "turn_off" {
		t.Errorf("Expected media_player.turn_off only, got %+v", calls)
	}
}

func TestCutPowerWithPlug(t *testing.T) {
	s, caller := newTestScheduler(t, staticLinks{
		"media_player.xbox": {
			EntityID:     "media_player.xbox",
			UserID:       "alice",
			Type:         links.Exclusive,
			PowerControl: &links.PowerControl{EntityID: "switch.xbox_plug", GracePeriod: 30, EnforceQuota: true},
		},
	})

	enf, err := s.EnforceQuotaExhausted(context.Background(), "media_player.xbox", Request{
		Action:      ActionCutPower,
		GracePeriod: intPtr(0),
	})
	if err != nil {
		t.Fatalf("EnforceQuotaExhausted failed: %v", err)
	}
	if enf.Result.Action != "power_cut" || enf.Result.PowerControlEntityID != "switch.xbox_plug" {
		t.Errorf("Unexpected result %+v", enf.Result)
	}

	want := []serviceCall{
		{"media_player", "turn_off", "media_player.xbox"},
		{"switch", "turn_off", "switch.xbox_plug"},
	}
	calls := caller.Calls()
	if len(calls) != len(want) {
		t.Fatalf("Expected %d calls, got %+v", len(want), calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("Call %d: expected %+v, got %+v", i, want[i], calls[i])
		}
	}
}

func TestCutPowerContinuesWhenGracefulShutdownFails(t *testing.T) {
	s, caller := newTestScheduler(t, staticLinks{
		"media_player.xbox": {
			EntityID:     "media_player.xbox",
			Type:         links.Family,
			PowerControl: &links.PowerControl{EntityID: "switch.xbox_plug"},
		},
	})
	caller.fail = map[string]error{"media_player.turn_off": errors.New("unsupported")}

	enf, err := s.EnforceQuotaExhausted(context.Background(), "media_player.xbox", Request{
		Action:      ActionCutPower,
		GracePeriod: intPtr(0),
	})
	if err != nil {
		t.Fatalf("Expected power cut despite failed shutdown, got %v", err)
	}
	if enf.Status != StatusExecuted {
		t.Errorf("Expected executed, got %q", enf.Status)
	}
}

func TestPause(t *testing.T) {
	tests := []struct {
		name     string
		entityID string
		caps     staticCaps
		want     serviceCall
	}{
		{
			name:     "media player",
			entityID: "media_player.tv",
			want:     serviceCall{"media_player", "media_pause", "media_player.tv"},
		},
		{
			name:     "media player without pause capability",
			entityID: "media_player.tv",
			caps:     staticCaps{"media_player.tv": {"media_player", "turn_off"}},
			want:     serviceCall{"media_player", "turn_off", "media_player.tv"},
		},
		{
			name:     "switch falls back to turn off",
			entityID: "switch.console",
			want:     serviceCall{"switch", "turn_off", "switch.console"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, caller := newTestScheduler(t, nil)
			if tt.caps != nil {
				s.SetDeviceCatalog(tt.caps)
			}

			if _, err := s.EnforceQuotaExhausted(context.Background(), tt.entityID, Request{
				Action:      ActionPause,
				GracePeriod: intPtr(0),
			}); err != nil {
				t.Fatalf("EnforceQuotaExhausted failed: %v", err)
			}

			calls := caller.Calls()
			if len(calls) != 1 || calls[0] != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, calls)
			}
		})
	}
}

func TestWarnSendsFinalNotification(t *testing.T) {
	s, caller := newTestScheduler(t, nil)

	enf, err := s.EnforceQuotaExhausted(context.Background(), "media_player.tv", Request{
		UserName:    "Sam",
		Action:      ActionWarn,
		GracePeriod: intPtr(0),
	})
	if err != nil {
		t.Fatalf("EnforceQuotaExhausted failed: %v", err)
	}
	if enf.Result.Action != "warning_sent" {
		t.Errorf("Expected warning_sent, got %q", enf.Result.Action)
	}

	calls := caller.Calls()
	if len(calls) != 1 || calls[0].Domain != "notify" {
		t.Errorf("Expected a single notify call, got %+v", calls)
	}
}

func TestFailedExecutionIsRecorded(t *testing.T) {
	s, caller := newTestScheduler(t, nil)
	caller.fail = map[string]error{"switch.turn_off": errors.New("device offline")}
	sink := &memorySink{}
	s.SetHistorySink(sink)

	var failed []Enforcement
	s.Failed.Subscribe(func(e Enforcement) { failed = append(failed, e) })

	enf, err := s.EnforceQuotaExhausted(context.Background(), "switch.console", Request{
		UserID:      "alice",
		GracePeriod: intPtr(0),
	})
	if err == nil {
		t.Fatal("Expected execution error")
	}
	if enf.Status != StatusFailed || enf.Error != "device offline" {
		t.Errorf("Expected failed enforcement with error, got %+v", enf)
	}
	if len(failed) != 1 {
		t.Errorf("Expected one failed event, got %d", len(failed))
	}
	if s.IsPending("switch.console") {
		t.Error("Expected failed enforcement not to stay pending")
	}
	if got := s.History(Filter{Status: StatusFailed}); len(got) != 1 {
		t.Errorf("Expected failed history entry, got %d", len(got))
	}
	if len(sink.entries) != 1 {
		t.Errorf("Expected history written to sink, got %d", len(sink.entries))
	}
}

func TestGraceTimerExecutes(t *testing.T) {
	s, caller := newTestScheduler(t, nil)
	s.graceUnit = time.Millisecond

	executed := make(chan Enforcement, 1)
	s.Executed.Subscribe(func(e Enforcement) { executed <- e })

	if _, err := s.EnforceQuotaExhausted(context.Background(), "switch.console", Request{
		GracePeriod: intPtr(20),
	}); err != nil {
		t.Fatalf("EnforceQuotaExhausted failed: %v", err)
	}

	select {
	case e := <-executed:
		if e.Status != StatusExecuted || e.ExecutedTime == nil {
			t.Errorf("Unexpected executed enforcement %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for grace timer")
	}

	calls := caller.Calls()
	if len(calls) != 2 || calls[1] != (serviceCall{"switch", "turn_off", "switch.console"}) {
		t.Errorf("Expected warning then turn off, got %+v", calls)
	}
}

func TestCancelPreventsExecution(t *testing.T) {
	s, caller := newTestScheduler(t, nil)
	s.graceUnit = time.Millisecond

	var cancelled []Enforcement
	s.Cancelled.Subscribe(func(e Enforcement) { cancelled = append(cancelled, e) })

	if _, err := s.EnforceQuotaExhausted(context.Background(), "switch.console", Request{
		UserID:      "alice",
		GracePeriod: intPtr(50),
	}); err != nil {
		t.Fatalf("EnforceQuotaExhausted failed: %v", err)
	}

	if !s.Cancel("switch.console") {
		t.Fatal("Expected cancel to succeed")
	}
	if s.Cancel("switch.console") {
		t.Error("Expected second cancel to report nothing pending")
	}

	time.Sleep(150 * time.Millisecond)

	for _, c := range caller.Calls() {
		if c.Service == "turn_off" {
			t.Fatalf("Expected cancelled enforcement not to run, saw %+v", c)
		}
	}
	if len(cancelled) != 1 || cancelled[0].CancelledTime == nil {
		t.Errorf("Expected cancelled event with timestamp, got %+v", cancelled)
	}
	if _, err := s.Execute(context.Background(), "switch.console"); !errors.Is(err, ErrNoPending) {
		t.Errorf("Expected ErrNoPending, got %v", err)
	}

	history := s.History(Filter{UserID: "alice"})
	if len(history) != 1 || history[0].Status != StatusCancelled {
		t.Errorf("Expected cancelled history entry, got %+v", history)
	}
}

func TestActionPolicyChoosesDefault(t *testing.T) {
	s, caller := newTestScheduler(t, staticLinks{
		"media_player.xbox": {
			EntityID:     "media_player.xbox",
			UserID:       "alice",
			Type:         links.Exclusive,
			PowerControl: &links.PowerControl{EntityID: "switch.xbox_plug", GracePeriod: 0, EnforceQuota: true},
		},
	})

	var seen Facts
	s.SetActionPolicy(policyFunc(func(f Facts) (Decision, error) {
		seen = f
		if f.HasPowerControl && f.EnforceQuota {
			return Decision{Action: ActionCutPower, GracePeriod: intPtr(f.PowerGrace)}, nil
		}
		return Decision{Action: ActionWarn}, nil
	}))

	enf, err := s.EnforceQuotaExhausted(context.Background(), "media_player.xbox", Request{})
	if err != nil {
		t.Fatalf("EnforceQuotaExhausted failed: %v", err)
	}

	if seen.Domain != "media_player" || seen.UserID != "alice" || seen.LinkType != "exclusive" {
		t.Errorf("Unexpected facts %+v", seen)
	}
	if enf.Action != ActionCutPower || enf.GracePeriod != 0 {
		t.Errorf("Expected immediate cut_power from policy, got %q in %d", enf.Action, enf.GracePeriod)
	}
	if got := caller.Calls(); len(got) != 2 || got[1].EntityID != "switch.xbox_plug" {
		t.Errorf("Expected plug switched off, got %+v", got)
	}
}

func TestActionPolicyErrorFallsBack(t *testing.T) {
	s, _ := newTestScheduler(t, nil)
	s.SetActionPolicy(policyFunc(func(Facts) (Decision, error) {
		return Decision{}, errors.New("policy unavailable")
	}))

	enf, err := s.EnforceQuotaExhausted(context.Background(), "media_player.tv", Request{})
	if err != nil {
		t.Fatalf("EnforceQuotaExhausted failed: %v", err)
	}
	if enf.Action != ActionTurnOff {
		t.Errorf("Expected turn_off fallback, got %q", enf.Action)
	}
}

func TestRestore(t *testing.T) {
	s, caller := newTestScheduler(t, staticLinks{
		"media_player.xbox": {
			EntityID:     "media_player.xbox",
			Type:         links.Family,
			PowerControl: &links.PowerControl{EntityID: "switch.xbox_plug"},
		},
	})

	var restored, powered []RestoreEvent
	s.Restored.Subscribe(func(e RestoreEvent) { restored = append(restored, e) })
	s.PowerRestored.Subscribe(func(e RestoreEvent) { powered = append(powered, e) })

	ctx := context.Background()
	if err := s.RestorePower(ctx, "media_player.xbox"); err != nil {
		t.Fatalf("RestorePower failed: %v", err)
	}
	if err := s.RestorePower(ctx, "light.lamp"); err != nil {
		t.Fatalf("RestorePower without plug failed: %v", err)
	}

	want := []serviceCall{
		{"switch", "turn_on", "switch.xbox_plug"},
		{"homeassistant", "turn_on", "light.lamp"},
	}
	calls := caller.Calls()
	if len(calls) != len(want) {
		t.Fatalf("Expected %d calls, got %+v", len(want), calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("Call %d: expected %+v, got %+v", i, want[i], calls[i])
		}
	}

	if len(powered) != 1 || powered[0].PowerControlEntityID != "switch.xbox_plug" {
		t.Errorf("Unexpected power restored events %+v", powered)
	}
	if len(restored) != 1 || restored[0].EntityID != "light.lamp" {
		t.Errorf("Unexpected restored events %+v", restored)
	}
}

func TestHistoryBounded(t *testing.T) {
	caller := &fakeCaller{}
	s := NewScheduler(caller, nil, Config{HistoryLimit: 3}, zerolog.Nop())

	for _, id := range []string{"switch.a", "switch.b", "switch.c", "switch.d"} {
		if _, err := s.EnforceQuotaExhausted(context.Background(), id, Request{}); err != nil {
			t.Fatalf("EnforceQuotaExhausted(%s) failed: %v", id, err)
		}
	}

	history := s.History(Filter{})
	if len(history) != 3 {
		t.Fatalf("Expected 3 history entries, got %d", len(history))
	}
	if history[0].EntityID != "switch.b" {
		t.Errorf("Expected oldest evicted, first is %s", history[0].EntityID)
	}

	s.ClearHistory()
	if len(s.History(Filter{})) != 0 {
		t.Error("Expected history cleared")
	}
}

func TestLoadHistory(t *testing.T) {
	caller := &fakeCaller{}
	s := NewScheduler(caller, nil, Config{HistoryLimit: 3}, zerolog.Nop())

	if _, err := s.EnforceQuotaExhausted(context.Background(), "switch.live", Request{}); err != nil {
		t.Fatalf("EnforceQuotaExhausted failed: %v", err)
	}
	live := s.History(Filter{})[0]

	stored := []Enforcement{
		{ID: "old-1", EntityID: "switch.a", UserID: "alice", Status: StatusExecuted},
		{ID: "old-2", EntityID: "switch.b", UserID: "bob", Status: StatusCancelled},
		{ID: "old-3", EntityID: "switch.c", UserID: "alice", Status: StatusFailed},
		live,
	}
	if added := s.LoadHistory(stored); added != 3 {
		t.Errorf("Expected 3 entries added, got %d", added)
	}

	history := s.History(Filter{})
	if len(history) != 3 {
		t.Fatalf("Expected history capped at 3, got %d", len(history))
	}
	if history[0].ID != "old-2" || history[2].ID != live.ID {
		t.Errorf("Expected stored entries ahead of live ones, got %s..%s", history[0].ID, history[2].ID)
	}
	if got := s.History(Filter{UserID: "alice"}); len(got) != 1 || got[0].ID != "old-3" {
		t.Errorf("Expected alice filter to find old-3, got %+v", got)
	}
}

func TestCloseRefusesNewEnforcements(t *testing.T) {
	caller := &fakeCaller{}
	s := NewScheduler(caller, nil, Config{DefaultGracePeriod: 60}, zerolog.Nop())
	s.Close()

	if _, err := s.EnforceQuotaExhausted(context.Background(), "switch.a", Request{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

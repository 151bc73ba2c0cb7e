package discovery

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goodtune/khome/internal/hub"
	"github.com/rs/zerolog"
)

func entity(id, name string, attrs map[string]any) hub.EntityState {
	if attrs == nil {
		attrs = map[string]any{}
	}
	if name != "" {
		attrs["friendly_name"] = name
	}
	return hub.EntityState{EntityID: id, State: "on", Attributes: attrs}
}

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := NewClassifier(16)
	if err != nil {
		t.Fatalf("NewClassifier failed: %v", err)
	}
	return c
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		entity   hub.EntityState
		wantType DeviceType
		platform string
	}{
		{"xbox by id", entity("media_player.xbox_series_x", "", nil), GamingConsole, "xbox"},
		{"xbox by source", entity("media_player.living_room", "Living Room", map[string]any{"source": "Xbox"}), GamingConsole, "xbox"},
		{"playstation", entity("media_player.ps5", "PS5", nil), GamingConsole, "playstation"},
		{"nintendo", entity("media_player.nintendo", "", nil), GamingConsole, "nintendo"},
		{"switch console by name", entity("remote.console", "Kids Switch", nil), GamingConsole, "nintendo"},
		{"samsung tv", entity("media_player.samsung_tv", "Samsung TV", nil), SmartTV, "samsung"},
		{"webos tv", entity("media_player.living_room", "webOS Living Room", nil), SmartTV, "lg"},
		{"roku tv is a tv", entity("media_player.roku_tv", "Roku TV", nil), SmartTV, "roku"},
		{"apple tv streamer", entity("media_player.appletv", "Apple TV Den", nil), SmartTV, "generic"},
		{"chromecast", entity("media_player.chromecast_den", "Den Chromecast", nil), MediaPlayer, "chromecast"},
		{"plex", entity("media_player.plex_server", "Plex", nil), MediaPlayer, "plex"},
		{"kasa plug", entity("switch.desk_plug", "Kasa Desk Plug", nil), SmartPlug, "tplink"},
		{"console plug", entity("switch.xbox_plug", "Xbox Plug", nil), SmartPlug, "generic"},
		{"energy switch", entity("switch.shelly_1", "Shelly Relay", map[string]any{"current_power_w": 12.5}), SmartPlug, "shelly"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClassifier(t)
			device, ok := c.Classify(tt.entity)
			if !ok {
				t.Fatalf("Expected %s to classify", tt.entity.EntityID)
			}
			if device.Type != tt.wantType {
				t.Errorf("Expected type %q, got %q", tt.wantType, device.Type)
			}
			if device.Platform != tt.platform {
				t.Errorf("Expected platform %q, got %q", tt.platform, device.Platform)
			}
		})
	}
}

func TestClassifyRejects(t *testing.T) {
	tests := []hub.EntityState{
		entity("switch.kitchen_light", "Kitchen Light", nil),
		entity("switch.garage_switch", "Garage Switch", nil),
		entity("sensor.xbox_status", "Xbox Status", nil),
		entity("media_player.bedroom_speaker", "Bedroom Speaker", nil),
		entity("light.lamp", "Lamp", nil),
	}

	c := newTestClassifier(t)
	for _, e := range tests {
		if device, ok := c.Classify(e); ok {
			t.Errorf("Expected %s not to classify, got %+v", e.EntityID, device)
		}
	}
}

func TestClassifyDefaults(t *testing.T) {
	c := newTestClassifier(t)

	device, ok := c.Classify(entity("media_player.xbox", "", map[string]any{"supported_features": float64(1 | 4 | 256)}))
	if !ok {
		t.Fatal("Expected xbox to classify")
	}
	if device.Name != "Xbox" || device.Icon != "gaming-console-xbox" {
		t.Errorf("Expected default name and icon, got %q / %q", device.Name, device.Icon)
	}
	want := []string{"media_player", "pause", "volume_set", "turn_off"}
	if !slices.Equal(device.Capabilities, want) {
		t.Errorf("Expected capabilities %v, got %v", want, device.Capabilities)
	}

	plug, ok := c.Classify(entity("switch.tv_plug", "TV Plug", map[string]any{"power": float64(80), "total_energy_kwh": 1.5}))
	if !ok {
		t.Fatal("Expected plug to classify")
	}
	if plug.PowerWatts != 80 || plug.EnergyKWh != 1.5 {
		t.Errorf("Expected power readings, got %v W / %v kWh", plug.PowerWatts, plug.EnergyKWh)
	}
	if !slices.Equal(plug.Capabilities, []string{"power", "energy_monitoring"}) {
		t.Errorf("Unexpected plug capabilities %v", plug.Capabilities)
	}
}

func TestClassifierCache(t *testing.T) {
	c := newTestClassifier(t)

	e := entity("media_player.ps5", "PS5", map[string]any{"supported_features": float64(1)})
	first, _ := c.Classify(e)
	e.State = "off"
	e.Attributes["supported_features"] = float64(0)
	second, _ := c.Classify(e)

	if c.Len() != 1 {
		t.Errorf("Expected one cached classification, got %d", c.Len())
	}
	if second.State != "off" {
		t.Errorf("Expected state from entity, got %q", second.State)
	}
	if slices.Contains(second.Capabilities, "pause") || !slices.Contains(first.Capabilities, "pause") {
		t.Errorf("Expected capabilities recomputed per entity, got %v then %v", first.Capabilities, second.Capabilities)
	}
}

type fakeSource struct {
	mu     sync.Mutex
	states []hub.EntityState
	err    error
	calls  atomic.Int32
	gate   chan struct{}
}

func (f *fakeSource) GetStates(ctx context.Context) ([]hub.EntityState, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states, f.err
}

func (f *fakeSource) GetState(_ context.Context, entityID string) (*hub.EntityState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.states {
		if f.states[i].EntityID == entityID {
			s := f.states[i]
			return &s, nil
		}
	}
	return nil, hub.ErrEntityNotFound
}

func newTestService(t *testing.T, source *fakeSource) *Service {
	t.Helper()
	return NewService(source, newTestClassifier(t), zerolog.Nop())
}

func householdStates() []hub.EntityState {
	return []hub.EntityState{
		entity("media_player.xbox", "Alex's Xbox", nil),
		entity("media_player.bedroom_tv", "Sam Bedroom TV", nil),
		entity("switch.xbox_plug", "Plug", map[string]any{"power": float64(5)}),
		entity("switch.den_plug", "Den Plug", nil),
		entity("sensor.temperature", "Temperature", nil),
	}
}

func TestScan(t *testing.T) {
	source := &fakeSource{states: householdStates()}
	s := newTestService(t, source)

	devices, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(devices) != 4 {
		t.Fatalf("Expected 4 devices, got %d", len(devices))
	}
	if s.LastScan().IsZero() {
		t.Error("Expected last scan time to be set")
	}

	if got := s.DevicesByType(SmartPlug); len(got) != 2 || got[0].EntityID != "switch.den_plug" {
		t.Errorf("Expected both plugs, got %+v", got)
	}
	if caps, ok := s.Capabilities("media_player.xbox"); !ok || !slices.Contains(caps, "media_player") {
		t.Errorf("Expected xbox capabilities, got %v", caps)
	}
	if _, ok := s.Device("sensor.temperature"); ok {
		t.Error("Expected sensor to be skipped")
	}

	// A later scan replaces the catalog.
	source.mu.Lock()
	source.states = source.states[:1]
	source.mu.Unlock()
	if _, err := s.Scan(context.Background()); err != nil {
		t.Fatalf("Second scan failed: %v", err)
	}
	if got := len(s.All()); got != 1 {
		t.Errorf("Expected 1 device after rescan, got %d", got)
	}

	s.Clear()
	if len(s.All()) != 0 || !s.LastScan().IsZero() {
		t.Error("Expected catalog cleared")
	}
}

func TestScanError(t *testing.T) {
	source := &fakeSource{err: hub.ErrNotConfigured}
	s := newTestService(t, source)

	if _, err := s.Scan(context.Background()); !errors.Is(err, hub.ErrNotConfigured) {
		t.Errorf("Expected wrapped hub error, got %v", err)
	}
}

func TestConcurrentScansShareRoundTrip(t *testing.T) {
	source := &fakeSource{states: householdStates(), gate: make(chan struct{})}
	s := newTestService(t, source)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Scan(context.Background()); err != nil {
				t.Errorf("Scan failed: %v", err)
			}
		}()
	}

	// Wait for the first scan to reach the hub before releasing it.
	deadline := time.Now().Add(2 * time.Second)
	for source.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(source.gate)
	wg.Wait()

	if n := source.calls.Load(); n >= 5 {
		t.Errorf("Expected concurrent scans to collapse, got %d hub calls", n)
	}
}

func TestCancelledScanDoesNotFailOtherCallers(t *testing.T) {
	source := &fakeSource{states: householdStates(), gate: make(chan struct{})}
	s := newTestService(t, source)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := s.Scan(firstCtx)
		firstErr <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for source.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if source.calls.Load() == 0 {
		t.Fatal("Scan never reached the hub")
	}

	type result struct {
		devices []Device
		err     error
	}
	second := make(chan result, 1)
	go func() {
		devices, err := s.Scan(context.Background())
		second <- result{devices, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected cancelled caller to get context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Cancelled caller did not return")
	}

	close(source.gate)
	select {
	case r := <-second:
		if r.err != nil {
			t.Fatalf("Expected second caller to succeed, got %v", r.err)
		}
		if len(r.devices) == 0 {
			t.Error("Expected second caller to receive devices")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Second caller did not return")
	}
	if n := len(s.All()); n == 0 {
		t.Error("Expected catalog to be populated by the shared scan")
	}
}

func TestRefreshDeviceState(t *testing.T) {
	source := &fakeSource{states: householdStates()}
	s := newTestService(t, source)
	if _, err := s.Scan(context.Background()); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	source.mu.Lock()
	source.states[0].State = "off"
	source.mu.Unlock()

	device, ok, err := s.RefreshDeviceState(context.Background(), "media_player.xbox")
	if err != nil || !ok {
		t.Fatalf("RefreshDeviceState failed: ok=%v err=%v", ok, err)
	}
	if device.State != "off" {
		t.Errorf("Expected refreshed state off, got %q", device.State)
	}

	if _, ok, err := s.RefreshDeviceState(context.Background(), "sensor.temperature"); ok || err != nil {
		t.Errorf("Expected undiscovered entity not to be added, ok=%v err=%v", ok, err)
	}
	if _, _, err := s.RefreshDeviceState(context.Background(), "media_player.gone"); !errors.Is(err, hub.ErrEntityNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestSuggestLinks(t *testing.T) {
	source := &fakeSource{states: householdStates()}
	s := newTestService(t, source)
	if _, err := s.Scan(context.Background()); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	suggestions := s.SuggestLinks([]User{
		{ID: "u1", Name: "Sam"},
		{ID: "u2", Name: "Alex"},
		{ID: "u3", Name: ""},
	})

	if len(suggestions) != 2 {
		t.Fatalf("Expected 2 suggestions, got %+v", suggestions)
	}
	for _, sg := range suggestions {
		if sg.Confidence != 0.9 {
			t.Errorf("Expected name match confidence 0.9, got %+v", sg)
		}
	}

	s.Clear()
	source.mu.Lock()
	source.states = []hub.EntityState{
		entity("media_player.kids_tv", "Kids Room TV", nil),
		entity("media_player.den_chromecast", "Jordan's Chromecast", nil),
		entity("media_player.jo_bedroom_tv", "Bedroom TV", nil),
	}
	source.mu.Unlock()
	if _, err := s.Scan(context.Background()); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	suggestions = s.SuggestLinks([]User{{ID: "u4", Name: "Jo"}})
	if len(suggestions) != 2 {
		t.Fatalf("Expected 2 suggestions, got %+v", suggestions)
	}
	if suggestions[0].EntityID != "media_player.den_chromecast" || suggestions[0].Confidence != 0.9 {
		t.Errorf("Expected name match first, got %+v", suggestions[0])
	}
	if suggestions[1].EntityID != "media_player.jo_bedroom_tv" || suggestions[1].Confidence != 0.8 {
		t.Errorf("Expected room match second, got %+v", suggestions[1])
	}
}

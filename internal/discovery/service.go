package discovery

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/khome/internal/clock"
	"github.com/goodtune/khome/internal/hub"
	"github.com/goodtune/khome/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// StateSource lists entity states from the hub.
type StateSource interface {
	GetStates(ctx context.Context) ([]hub.EntityState, error)
	GetState(ctx context.Context, entityID string) (*hub.EntityState, error)
}

// User is a household member that devices can be suggested for.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Suggestion proposes linking a device to a user.
type Suggestion struct {
	UserID     string     `json:"userId"`
	UserName   string     `json:"userName"`
	EntityID   string     `json:"entityId"`
	DeviceName string     `json:"deviceName"`
	DeviceType DeviceType `json:"deviceType"`
	Confidence float64    `json:"confidence"`
	Reason     string     `json:"reason"`
}

// DefaultScanTimeout bounds a shared scan independently of its callers.
const DefaultScanTimeout = 30 * time.Second

// Service keeps the catalog of devices found by the last scan.
type Service struct {
	source      StateSource
	classifier  *Classifier
	clock       clock.Clock
	logger      zerolog.Logger
	group       singleflight.Group
	scanTimeout time.Duration

	mu       sync.RWMutex
	devices  map[string]*Device
	lastScan time.Time
}

// NewService creates a discovery service reading from source.
func NewService(source StateSource, classifier *Classifier, logger zerolog.Logger) *Service {
	return &Service{
		source:      source,
		classifier:  classifier,
		clock:       clock.RealClock{},
		logger:      logger.With().Str("component", "discovery").Logger(),
		scanTimeout: DefaultScanTimeout,
		devices:     make(map[string]*Device),
	}
}

// Scan lists every hub entity and replaces the catalog with the ones that
// classify as devices. Concurrent scans share one hub round trip, which
// outlives any single caller giving up on it.
func (s *Service) Scan(ctx context.Context) ([]Device, error) {
	ch := s.group.DoChan("scan", func() (any, error) {
		scanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.scanTimeout)
		defer cancel()
		return s.scan(scanCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.logger.Debug().Msg("Joined in-flight discovery scan")
		}
		return cloneDevices(res.Val.([]Device)), nil
	}
}

func (s *Service) scan(ctx context.Context) ([]Device, error) {
	s.logger.Info().Msg("Starting device discovery scan")

	entities, err := s.source.GetStates(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Device discovery failed")
		return nil, fmt.Errorf("discovery scan: %w", err)
	}

	found := make(map[string]*Device)
	devices := make([]Device, 0)
	counts := make(map[DeviceType]int)
	for _, entity := range entities {
		device, ok := s.classifier.Classify(entity)
		if !ok {
			continue
		}
		found[device.EntityID] = device
		devices = append(devices, *device)
		counts[device.Type]++
	}
	sortDevices(devices)

	s.mu.Lock()
	s.devices = found
	s.lastScan = s.clock.Now()
	s.mu.Unlock()

	metrics.DevicesDiscovered.Reset()
	for t, n := range counts {
		metrics.DevicesDiscovered.WithLabelValues(string(t)).Set(float64(n))
	}

	s.logger.Info().
		Int("entities", len(entities)).
		Int("devices", len(devices)).
		Msg("Discovery complete")

	return devices, nil
}

// Device returns the discovered device with entityID.
func (s *Service) Device(entityID string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[entityID]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Capabilities returns the capabilities of a discovered device.
func (s *Service) Capabilities(entityID string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[entityID]
	if !ok {
		return nil, false
	}
	return append([]string(nil), d.Capabilities...), true
}

// DevicesByType returns the discovered devices of type t.
func (s *Service) DevicesByType(t DeviceType) []Device {
	return s.filter(func(d *Device) bool { return d.Type == t })
}

// All returns every discovered device sorted by entity id.
func (s *Service) All() []Device {
	return s.filter(func(*Device) bool { return true })
}

func (s *Service) filter(keep func(*Device) bool) []Device {
	s.mu.RLock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		if keep(d) {
			out = append(out, *d)
		}
	}
	s.mu.RUnlock()

	sortDevices(out)
	return out
}

// RefreshDeviceState re-reads one discovered device from the hub. Devices
// the last scan did not find are not added.
func (s *Service) RefreshDeviceState(ctx context.Context, entityID string) (Device, bool, error) {
	state, err := s.source.GetState(ctx, entityID)
	if err != nil {
		s.logger.Error().Err(err).Str("entity_id", entityID).Msg("Failed to refresh device state")
		return Device{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[entityID]
	if !ok {
		return Device{}, false, nil
	}
	d.State = state.State
	d.Attributes = state.Attributes
	return *d, true, nil
}

// SuggestLinks proposes device links for users, best matches first. A
// device whose name contains the user's name scores 0.9; one whose entity
// id places it in the user's room scores 0.8.
func (s *Service) SuggestLinks(users []User) []Suggestion {
	devices := s.All()

	var suggestions []Suggestion
	for _, u := range users {
		userName := strings.ToLower(strings.TrimSpace(u.Name))
		if userName == "" {
			continue
		}
		rooms := roomPatterns(userName)

		for _, d := range devices {
			deviceName := strings.ToLower(d.Name)
			entityText := strings.ReplaceAll(d.EntityID, "_", " ")
			suggestion := Suggestion{
				UserID:     u.ID,
				UserName:   u.Name,
				EntityID:   d.EntityID,
				DeviceName: d.Name,
				DeviceType: d.Type,
			}

			switch {
			case strings.Contains(deviceName, userName):
				suggestion.Confidence = 0.9
				suggestion.Reason = fmt.Sprintf("Device name contains %q", u.Name)
			case matchAny(rooms, deviceName) || matchAny(rooms, entityText):
				suggestion.Confidence = 0.8
				suggestion.Reason = fmt.Sprintf("Device appears to be in %s's room", u.Name)
			default:
				continue
			}
			suggestions = append(suggestions, suggestion)
		}
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Confidence > suggestions[j].Confidence
	})
	return suggestions
}

func roomPatterns(userName string) []*regexp.Regexp {
	q := regexp.QuoteMeta(userName)
	return []*regexp.Regexp{
		regexp.MustCompile(`(?i)` + q + `.*room`),
		regexp.MustCompile(`(?i)` + q + `'s`),
	}
}

// Clear forgets every discovered device.
func (s *Service) Clear() {
	s.mu.Lock()
	s.devices = make(map[string]*Device)
	s.lastScan = time.Time{}
	s.mu.Unlock()

	metrics.DevicesDiscovered.Reset()
}

// LastScan returns when the catalog was last replaced, or the zero time.
func (s *Service) LastScan() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastScan
}

func sortDevices(devices []Device) {
	sort.Slice(devices, func(i, j int) bool { return devices[i].EntityID < devices[j].EntityID })
}

func cloneDevices(in []Device) []Device {
	out := make([]Device, len(in))
	copy(out, in)
	return out
}

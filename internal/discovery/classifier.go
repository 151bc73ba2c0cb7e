package discovery

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/goodtune/khome/internal/hub"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DeviceType is the kind of controllable device.
type DeviceType string

const (
	GamingConsole DeviceType = "gaming_console"
	SmartTV       DeviceType = "smart_tv"
	MediaPlayer   DeviceType = "media_player"
	SmartPlug     DeviceType = "smart_plug"
)

// DefaultCacheSize is the number of classifications kept.
const DefaultCacheSize = 1024

// Device is a hub entity recognized as a controllable device.
type Device struct {
	EntityID     string         `json:"entityId"`
	Type         DeviceType     `json:"type"`
	Platform     string         `json:"platform"`
	Name         string         `json:"name"`
	State        string         `json:"state"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Capabilities []string       `json:"capabilities"`
	Icon         string         `json:"icon"`
	PowerWatts   float64        `json:"powerWatts,omitempty"`
	EnergyKWh    float64        `json:"energyKwh,omitempty"`
}

// classification is the cacheable part of a Device.
type classification struct {
	Type        DeviceType
	Platform    string
	DefaultName string
	Icon        string
}

var (
	xboxPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)xbox`),
		regexp.MustCompile(`(?i)xb_series`),
		regexp.MustCompile(`(?i)xb_one`),
	}

	playStationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)playstation`),
		regexp.MustCompile(`(?i)ps[45]`),
		regexp.MustCompile(`(?i)sony.*console`),
		regexp.MustCompile(`(?i)psn`),
	}

	nintendoPattern   = regexp.MustCompile(`(?i)nintendo`)
	switchWordPattern = regexp.MustCompile(`(?i)\bswitch\b`)

	tvPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\btv\b`),
		regexp.MustCompile(`(?i)television`),
		regexp.MustCompile(`(?i)samsung.*tv`),
		regexp.MustCompile(`(?i)lg.*tv`),
		regexp.MustCompile(`(?i)sony.*bravia`),
		regexp.MustCompile(`(?i)vizio`),
		regexp.MustCompile(`(?i)roku.*tv`),
		regexp.MustCompile(`(?i)android.*tv`),
		regexp.MustCompile(`(?i)webos`),
	}

	streamingPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)roku`),
		regexp.MustCompile(`(?i)apple.?tv`),
		regexp.MustCompile(`(?i)chromecast`),
		regexp.MustCompile(`(?i)fire.?tv`),
		regexp.MustCompile(`(?i)firestick`),
		regexp.MustCompile(`(?i)nvidia.*shield`),
		regexp.MustCompile(`(?i)plex`),
		regexp.MustCompile(`(?i)kodi`),
		regexp.MustCompile(`(?i)emby`),
		regexp.MustCompile(`(?i)jellyfin`),
	}

	plugPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)plug`),
		regexp.MustCompile(`(?i)outlet`),
		regexp.MustCompile(`(?i)socket`),
		regexp.MustCompile(`(?i)power.*strip`),
	}
)

// brand tables are checked in order; first keyword hit wins.
type brand struct {
	platform string
	keywords []string
}

var (
	tvBrands = []brand{
		{"samsung", []string{"samsung"}},
		{"lg", []string{"lg", "webos"}},
		{"sony", []string{"sony", "bravia"}},
		{"vizio", []string{"vizio"}},
		{"tcl", []string{"tcl"}},
		{"hisense", []string{"hisense"}},
		{"roku", []string{"roku"}},
		{"android_tv", []string{"android"}},
	}

	mediaPlayerBrands = []brand{
		{"roku", []string{"roku"}},
		{"apple_tv", []string{"apple_tv", "appletv", "apple tv"}},
		{"chromecast", []string{"chromecast"}},
		{"fire_tv", []string{"fire_tv", "firetv", "fire tv", "firestick"}},
		{"nvidia_shield", []string{"nvidia", "shield"}},
		{"plex", []string{"plex"}},
		{"kodi", []string{"kodi"}},
		{"emby", []string{"emby"}},
		{"jellyfin", []string{"jellyfin"}},
	}

	plugBrands = []brand{
		{"tplink", []string{"kasa", "tp-link", "tplink"}},
		{"shelly", []string{"shelly"}},
		{"sonoff", []string{"sonoff"}},
		{"tuya", []string{"tuya", "smart life"}},
		{"wemo", []string{"wemo"}},
		{"wyze", []string{"wyze"}},
		{"meross", []string{"meross"}},
		{"gosund", []string{"gosund"}},
	}
)

// featureFlags maps media_player supported_features bits to capabilities.
var featureFlags = []struct {
	bit  int64
	name string
}{
	{1, "pause"},
	{2, "seek"},
	{4, "volume_set"},
	{8, "volume_mute"},
	{16, "previous_track"},
	{32, "next_track"},
	{128, "turn_on"},
	{256, "turn_off"},
}

// controllableDomains are the entity domains a device can live in.
var controllableDomains = map[string]bool{
	"media_player": true,
	"switch":       true,
	"remote":       true,
}

// Classifier turns hub entities into typed devices.
type Classifier struct {
	cache *lru.Cache[string, *classification]
}

// NewClassifier creates a classifier caching up to size classifications.
func NewClassifier(size int) (*Classifier, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, *classification](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create classification cache: %w", err)
	}
	return &Classifier{cache: cache}, nil
}

// Classify returns the device an entity represents, or false when it is not
// a controllable entertainment device.
func (c *Classifier) Classify(entity hub.EntityState) (*Device, bool) {
	domain := entity.Domain()
	if !controllableDomains[domain] {
		return nil, false
	}

	attrs := entity.Attributes
	friendlyName := entity.Attr("friendly_name")
	energy := hasEnergyAttributes(attrs)

	key := strings.Join([]string{entity.EntityID, friendlyName, entity.Attr("source"), fmt.Sprint(energy)}, "\x00")
	cls, ok := c.cache.Get(key)
	if !ok {
		cls = classify(entity.EntityID, domain, friendlyName, entity.Attr("source"), energy)
		c.cache.Add(key, cls)
	}
	if cls == nil {
		return nil, false
	}

	name := friendlyName
	if name == "" {
		name = cls.DefaultName
	}

	device := &Device{
		EntityID:   entity.EntityID,
		Type:       cls.Type,
		Platform:   cls.Platform,
		Name:       name,
		State:      entity.State,
		Attributes: attrs,
		Icon:       cls.Icon,
	}

	if cls.Type == SmartPlug {
		device.Capabilities = []string{"power", "energy_monitoring"}
		device.PowerWatts = firstNumber(attrs, "current_power_w", "power")
		device.EnergyKWh = firstNumber(attrs, "energy_kwh", "total_energy_kwh")
	} else {
		device.Capabilities = Capabilities(entity.EntityID, attrs)
	}

	return device, true
}

// Len returns the number of cached classifications.
func (c *Classifier) Len() int {
	return c.cache.Len()
}

func classify(entityID, domain, friendlyName, source string, energy bool) *classification {
	consoleText := entityID + " " + friendlyName + " " + source
	nameText := entityID + " " + friendlyName

	// A plug feeding a console is still a plug.
	if domain == "switch" && matchAny(plugPatterns, nameText) {
		return &classification{SmartPlug, detectBrand(plugBrands, friendlyName), "Smart Plug", "smart-plug"}
	}

	switch {
	case matchAny(xboxPatterns, consoleText):
		return &classification{GamingConsole, "xbox", "Xbox", "gaming-console-xbox"}
	case matchAny(playStationPatterns, consoleText):
		return &classification{GamingConsole, "playstation", "PlayStation", "gaming-console-playstation"}
	case isNintendo(domain, friendlyName, source, consoleText):
		return &classification{GamingConsole, "nintendo", "Nintendo Switch", "gaming-console-nintendo"}
	}

	if domain == "media_player" {
		if matchAny(tvPatterns, nameText) {
			return &classification{SmartTV, detectBrand(tvBrands, friendlyName), "Smart TV", "smart-tv"}
		}
		if matchAny(streamingPatterns, nameText) {
			return &classification{MediaPlayer, detectBrand(mediaPlayerBrands, nameText), "Media Player", "media-player"}
		}
	}

	if domain == "switch" && energy {
		return &classification{SmartPlug, detectBrand(plugBrands, friendlyName), "Smart Plug", "smart-plug"}
	}

	return nil
}

// isNintendo matches "nintendo" anywhere. The bare word "switch" only counts
// in the name or source, and never for switch entities, where it names the
// domain rather than the console.
func isNintendo(domain, friendlyName, source, text string) bool {
	if nintendoPattern.MatchString(text) {
		return true
	}
	if domain == "switch" {
		return false
	}
	return switchWordPattern.MatchString(friendlyName) || switchWordPattern.MatchString(source)
}

// Capabilities derives the capability list of a non-plug device.
func Capabilities(entityID string, attrs map[string]any) []string {
	capabilities := []string{}

	switch hub.Domain(entityID) {
	case "switch":
		capabilities = append(capabilities, "power")
	case "media_player":
		capabilities = append(capabilities, "media_player")
		if features, ok := intAttr(attrs, "supported_features"); ok {
			for _, f := range featureFlags {
				if features&f.bit != 0 {
					capabilities = append(capabilities, f.name)
				}
			}
		}
	}

	if _, ok := attrs["current_power_w"]; ok {
		capabilities = append(capabilities, "energy_monitoring")
	} else if _, ok := attrs["power"]; ok {
		capabilities = append(capabilities, "energy_monitoring")
	}

	return capabilities
}

func hasEnergyAttributes(attrs map[string]any) bool {
	for _, k := range []string{"current_power_w", "power", "energy_kwh"} {
		if _, ok := attrs[k]; ok {
			return true
		}
	}
	return false
}

func detectBrand(brands []brand, text string) string {
	text = strings.ToLower(text)
	for _, b := range brands {
		for _, kw := range b.keywords {
			if strings.Contains(text, kw) {
				return b.platform
			}
		}
	}
	return "generic"
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

func intAttr(attrs map[string]any, key string) (int64, bool) {
	switch v := attrs[key].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

func firstNumber(attrs map[string]any, keys ...string) float64 {
	for _, k := range keys {
		switch v := attrs[k].(type) {
		case float64:
			if v != 0 {
				return v
			}
		case int:
			if v != 0 {
				return float64(v)
			}
		}
	}
	return 0
}

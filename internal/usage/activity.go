package usage

import (
	"slices"
	"strings"
)

// ActivityType categorizes what a device is being used for.
type ActivityType string

const (
	ActivityGaming     ActivityType = "gaming"
	ActivityVideo      ActivityType = "video"
	ActivityAudio      ActivityType = "audio"
	ActivityScreenTime ActivityType = "screen_time"
)

// QuotaType is the quota bucket an activity is billed against.
type QuotaType string

const (
	QuotaGaming QuotaType = "gaming"
	QuotaVideo  QuotaType = "video"
	QuotaMusic  QuotaType = "music"
	QuotaScreen QuotaType = "screen"
)

// Quota maps an activity to its quota bucket. Unknown activities bill as screen time.
func (a ActivityType) Quota() QuotaType {
	switch a {
	case ActivityGaming:
		return QuotaGaming
	case ActivityVideo:
		return QuotaVideo
	case ActivityAudio:
		return QuotaMusic
	default:
		return QuotaScreen
	}
}

var (
	activeStates   = map[string]bool{"on": true, "playing": true, "paused": true, "idle": true, "buffering": true}
	inactiveStates = map[string]bool{"off": true, "unavailable": true, "standby": true, "unknown": true}

	gamingContentTypes = []string{"game", "app"}
	videoContentTypes  = []string{"video", "movie", "tvshow", "episode"}
	audioContentTypes  = []string{"music", "audio", "podcast"}

	gamingSources = []string{"game", "xbox", "playstation"}

	gamingApps = []string{"game", "xbox", "playstation", "steam", "fortnite", "minecraft", "roblox"}
	videoApps  = []string{"netflix", "youtube", "hulu", "disney", "amazon", "prime", "plex", "kodi", "hbo", "peacock"}
	audioApps  = []string{"spotify", "apple music", "pandora", "soundcloud", "tidal"}
)

// IsActiveState reports whether a device state counts as in use.
// The inactive list wins over the active list.
func IsActiveState(state string) bool {
	s := strings.ToLower(state)
	if inactiveStates[s] {
		return false
	}
	return activeStates[s]
}

// Classify infers the activity from media attributes, checking content type,
// then source, then app name.
func Classify(attributes map[string]any) ActivityType {
	contentType := strings.ToLower(stringAttr(attributes, "media_content_type"))
	switch {
	case slices.Contains(gamingContentTypes, contentType):
		return ActivityGaming
	case slices.Contains(videoContentTypes, contentType):
		return ActivityVideo
	case slices.Contains(audioContentTypes, contentType):
		return ActivityAudio
	}

	if containsAny(strings.ToLower(stringAttr(attributes, "source")), gamingSources) {
		return ActivityGaming
	}

	appName := strings.ToLower(stringAttr(attributes, "app_name"))
	switch {
	case containsAny(appName, gamingApps):
		return ActivityGaming
	case containsAny(appName, videoApps):
		return ActivityVideo
	case containsAny(appName, audioApps):
		return ActivityAudio
	}

	return ActivityScreenTime
}

func stringAttr(attributes map[string]any, key string) string {
	if attributes == nil {
		return ""
	}
	s, _ := attributes[key].(string)
	return s
}

func containsAny(s string, needles []string) bool {
	if s == "" {
		return false
	}
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

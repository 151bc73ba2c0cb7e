package redis

import (
	"fmt"

	"github.com/goodtune/khome/internal/usage"
)

const (
	linksKey        = "khome:links"
	recordsKey      = "khome:records"
	dailyDatesKey   = "khome:usage:daily:dates"
	enforcementsKey = "khome:enforcements"

	// retentionSeconds bounds how long finished usage lives without an explicit prune (90 days).
	retentionSeconds = 7776000
)

func recordKey(sessionID string) string {
	return fmt.Sprintf("khome:record:%s", sessionID)
}

func userRecordsKey(userID string) string {
	return fmt.Sprintf("khome:records:user:%s", userID)
}

func dailyUsageKey(date, userID string, quota usage.QuotaType) string {
	return fmt.Sprintf("khome:usage:daily:%s:%s:%s", date, userID, quota)
}

func dailyIndexKey(date string) string {
	return fmt.Sprintf("khome:usage:daily:index:%s", date)
}

// Package partition maintains a secondary, partition-scoped copy of memories
// keyed by month, source and user. The primary store stays the source of
// truth; partitions only serve scoped lookups.
package partition

import (
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/brain-memory/internal/model"
)

const (
	TimePrefix   = "time_"
	SourcePrefix = "source_"
	UserPrefix   = "user_"
)

// TimeKey returns the month partition for t, e.g. "time_2026-03".
func TimeKey(t time.Time) string {
	return TimePrefix + t.UTC().Format("2006-01")
}

// SourceKey returns the partition for source, lowercased with spaces
// replaced by underscores.
func SourceKey(source string) string {
	return SourcePrefix + strings.ReplaceAll(strings.ToLower(source), " ", "_")
}

// UserKey returns the partition for a user id.
func UserKey(userID string) string {
	return UserPrefix + userID
}

// Keys derives every partition m belongs to. It is a pure function of m.
func Keys(m model.Memory) []string {
	var keys []string
	if !m.CreatedAt.IsZero() {
		keys = append(keys, TimeKey(m.CreatedAt))
	}
	if m.Source != "" {
		keys = append(keys, SourceKey(m.Source))
	}
	if uid, ok := m.Metadata["user_id"]; ok && uid != nil {
		if s := fmt.Sprint(uid); s != "" {
			keys = append(keys, UserKey(s))
		}
	}
	return keys
}

// timeKeyStart parses a time partition key into the first instant of its
// month. ok is false for other keys or malformed months.
func timeKeyStart(key string) (time.Time, bool) {
	if !strings.HasPrefix(key, TimePrefix) {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01", strings.TrimPrefix(key, TimePrefix))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

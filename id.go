package agentstart

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Adapters use it for rows created without a caller-supplied id.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Now returns the current time truncated to millisecond precision.
// Millisecond truncation keeps timestamps stable across stores that
// round sub-millisecond values (SQLite TEXT, Postgres timestamptz).
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// FormatTime serializes a timestamp as ISO-8601 for the wire.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses an ISO-8601 timestamp produced by FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

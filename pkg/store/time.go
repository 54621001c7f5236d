package store

import "time"

// Now returns the current time in UTC, the zone everything is stored in.
func Now() time.Time {
	return time.Now().UTC()
}

// timeLayout is fixed-width so stored text compares in time order. Plain
// RFC3339Nano trims trailing zeros, which breaks lexicographic SQL
// comparisons like "expires_at > ?".
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders a timestamp in the storage format (UTC, fixed-width
// nanoseconds).
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime reads a stored timestamp. Zero time on empty or malformed
// input; columns written by this process always parse.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

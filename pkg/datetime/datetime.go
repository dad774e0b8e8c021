// Package datetime provides calendar helpers for alert evaluation.
// Instants are stored in UTC; calendar days are computed in the owner's zone.
package datetime

import (
	"strings"
	"time"
)

// Standard formats used in messages and API payloads.
const (
	// DateFormat is the standard date-only format (YYYY-MM-DD).
	DateFormat = "2006-01-02"

	// DateTimeFormat is the standard datetime format (ISO 8601 / RFC3339).
	DateTimeFormat = time.RFC3339

	// DisplayDateTimeFormat is for human-readable datetimes.
	DisplayDateTimeFormat = "Jan 2, 2006 3:04 PM"
)

// LoadLocation resolves an IANA zone name, falling back to UTC when the
// name is empty or unknown.
func LoadLocation(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsValidLocation reports whether name is empty or a loadable IANA zone.
func IsValidLocation(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return true
	}
	_, err := time.LoadLocation(name)
	return err == nil
}

// StartOfDay returns midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// SameDay reports whether a and b fall on the same calendar day in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	return StartOfDay(a, loc).Equal(StartOfDay(b, loc))
}

// FormatDay renders t's calendar day in loc as YYYY-MM-DD.
func FormatDay(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateFormat)
}

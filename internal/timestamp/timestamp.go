// Package timestamp parses the timestamp spellings produced by instrument
// software and by exported data files.
package timestamp

import (
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/perocube/internal/errors"
)

// isoLayouts are the ISO-8601 forms, tried first. Parsing accepts a
// fractional second after the seconds field even though the layouts do not
// spell one out.
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Fallbacks are the non-ISO formats, tried in this order after ISO-8601.
// The first success wins, so day-first beats month-first for ambiguous
// dates such as 03/04/2023.
var Fallbacks = []string{
	"2006-01-02 15:04:05", // YYYY-MM-DD HH:MM:SS
	"02/01/2006 15:04:05", // DD/MM/YYYY HH:MM:SS
	"01/02/2006 15:04:05", // MM/DD/YYYY HH:MM:SS
	"2006/01/02 15:04:05", // YYYY/MM/DD HH:MM:SS
}

// Parse converts v to a point in time. A time.Time is returned unchanged.
// Strings without a zone are read as UTC wall clock; a supplied offset is
// preserved.
func Parse(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, fmt.Errorf("%w: zero time", errors.ErrBadTimestamp)
		}
		return t, nil
	case *time.Time:
		if t == nil {
			return time.Time{}, fmt.Errorf("%w: nil", errors.ErrBadTimestamp)
		}
		return Parse(*t)
	case string:
		return ParseString(t)
	case []byte:
		return ParseString(string(t))
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported type %T", errors.ErrBadTimestamp, v)
	}
}

// ParseString parses s as ISO-8601, then with each fallback format.
func ParseString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", errors.ErrBadTimestamp)
	}

	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range Fallbacks {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q", errors.ErrBadTimestamp, s)
}

// Valid reports whether Parse accepts v.
func Valid(v any) bool {
	_, err := Parse(v)
	return err == nil
}

// Format renders t in the canonical form. Parse(Format(t)) equals t.
func Format(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

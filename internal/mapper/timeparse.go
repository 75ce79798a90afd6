package mapper

import (
	"math"
	"regexp"
	"strings"
	"time"
)

// isoPattern accepts calendar dates with an optional time and zone, in basic
// or extended form.
var isoPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}(?:[T ]\d{2}:\d{2}(?::\d{2}(?:[.,]\d+)?)?(?:Z|[+-]\d{2}(?::?\d{2})?)?)?$`)

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

var looseLayouts = []string{
	"Jan 2, 2006 3:04:05 PM",
	"January 2, 2006 3:04:05 PM",
	"Jan 2, 2006",
	time.RFC1123Z,
	time.RFC1123,
}

// ParseISO parses an ISO-8601 date or date-time string. Values without a
// zone are read as UTC.
func ParseISO(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if !isoPattern.MatchString(s) {
		return time.Time{}, false
	}
	s = strings.Replace(s, ",", ".", 1)
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseTime is ParseISO extended with a few human layouts, time.Time values
// and unix timestamps (seconds, or milliseconds past 1e11).
func ParseTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), !val.IsZero()
	case string:
		if t, ok := ParseISO(val); ok {
			return t, true
		}
		s := strings.TrimSpace(val)
		for _, layout := range looseLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		return time.Time{}, false
	case float64:
		return fromUnix(val)
	case int64:
		return fromUnix(float64(val))
	case int:
		return fromUnix(float64(val))
	default:
		return time.Time{}, false
	}
}

func fromUnix(v float64) (time.Time, bool) {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}, false
	}
	if v > 1e11 {
		return time.UnixMilli(int64(v)).UTC(), true
	}
	return time.Unix(int64(v), 0).UTC(), true
}

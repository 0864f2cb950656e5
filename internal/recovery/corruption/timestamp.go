package corruption

import (
	"encoding/json"
	"strings"
	"time"
)

// nativeLayouts are the date formats accepted without reconstruction.
var nativeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	time.ANSIC,
	time.UnixDate,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"1/2/2006 3:04:05 PM",
	"1/2/2006 3:04 PM",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"1/2/2006",
	"01/02/2006",
	"Jan 2, 2006 3:04:05 PM",
	"Jan 2, 2006 3:04 PM",
	"Jan 2, 2006",
	"January 2, 2006 3:04:05 PM",
	"January 2, 2006 3:04 PM",
	"January 2, 2006",
	"Mon, Jan 2, 2006 3:04:05 PM",
	"Monday, January 2, 2006 3:04:05 PM",
	"2 Jan 2006 15:04",
	"2 January 2006",
}

// ValidTimestamp reports whether a cell value can be read as a date without
// reconstruction. Numbers are accepted as epoch seconds or milliseconds.
func ValidTimestamp(v any) bool {
	switch t := v.(type) {
	case string:
		_, ok := ParseNative(t)
		return ok
	case json.Number:
		f, err := t.Float64()
		return err == nil && f > 0
	case float64:
		return t > 0
	case int:
		return t > 0
	case int64:
		return t > 0
	default:
		return false
	}
}

// ParseNative parses s against the standard layouts.
func ParseNative(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range nativeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

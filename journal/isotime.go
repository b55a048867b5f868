package journal

import (
	"fmt"
	"time"
)

// civilFromDays converts a day count since the Unix epoch into a
// (year, month, day) triple using Howard Hinnant's civil_from_days
// algorithm: O(1) and correct across the full civil
// calendar (not just the range time.Unix handles well for very old or
// very distant dates). Ported from
// original_source/context/src/sqlite_util.rs's days_to_ymd.
func civilFromDays(days int64) (year int, month int, day int) {
	z := days + 719468
	era := z
	if era < 0 {
		era -= 146096
	}
	era /= 146097
	doe := z - era*146097
	yoe := (doe - doe/1460 + doe/36524 - doe/146096) / 365
	y := yoe + era*400
	doy := doe - (365*yoe + yoe/4 - yoe/100)
	mp := (5*doy + 2) / 153
	d := doy - (153*mp+2)/5 + 1
	m := mp + 3
	if mp >= 10 {
		m = mp - 9
	}
	if m <= 2 {
		y++
	}
	return int(y), int(m), int(d)
}

// daysFromCivil is the inverse of civilFromDays.
func daysFromCivil(year, month, day int) int64 {
	y := int64(year)
	if month <= 2 {
		y--
	}
	era := y
	if era < 0 {
		era -= 399
	}
	era /= 400
	yoe := y - era*400
	m := int64(month)
	d := int64(day)
	var mp int64
	if m > 2 {
		mp = m - 3
	} else {
		mp = m + 9
	}
	doy := (153*mp+2)/5 + d - 1
	doe := yoe*365 + yoe/4 - yoe/100 + doy
	return era*146097 + doe - 719468
}

// FormatISO8601Millis renders t as an ISO 8601 UTC timestamp with
// millisecond precision, e.g. "2024-01-15T10:30:00.123Z", using the
// chrono-lite civil-calendar arithmetic above rather than time.Format so
// the output matches the journal's original Rust writer byte-for-byte.
func FormatISO8601Millis(t time.Time) string {
	u := t.UTC()
	days := u.Unix() / 86400
	secOfDay := u.Unix() % 86400
	if secOfDay < 0 {
		secOfDay += 86400
		days--
	}
	year, month, day := civilFromDays(days)
	hour := secOfDay / 3600
	min := (secOfDay % 3600) / 60
	sec := secOfDay % 60
	millis := u.Nanosecond() / 1_000_000
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d.%03dZ", year, month, day, hour, min, sec, millis)
}

// FormatISO8601Seconds renders t as an ISO 8601 UTC timestamp truncated to
// whole seconds, e.g. "2024-01-15T10:30:00Z".
func FormatISO8601Seconds(t time.Time) string {
	u := t.UTC()
	days := u.Unix() / 86400
	secOfDay := u.Unix() % 86400
	if secOfDay < 0 {
		secOfDay += 86400
		days--
	}
	year, month, day := civilFromDays(days)
	hour := secOfDay / 3600
	min := (secOfDay % 3600) / 60
	sec := secOfDay % 60
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02dZ", year, month, day, hour, min, sec)
}

// ParseISO8601 parses a timestamp produced by either formatter above back
// into a time.Time. It accepts both the millisecond and whole-second forms.
func ParseISO8601(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02T15:04:05.000Z", s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("journal: %q is not a recognized ISO 8601 timestamp", s)
}

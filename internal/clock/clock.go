// Package clock centralizes the scheduler's timezone-naive, local
// wall-clock time handling so every component converts at the same
// boundary instead of mixing UTC and local time ad hoc.
package clock

import "time"

// Clock is the seam tests use to control "now" without sleeping.
type Clock interface {
	Now() time.Time
}

// System is the production Clock, backed by time.Now.
type System struct{}

func (System) Now() time.Time { return time.Now().Local() }

// EnsureLocalNaive converts t to local time, so a value tagged UTC or
// some other offset ends up as the same instant on the local wall
// clock. Mirrors original_source's ensure_local_naive; a value that is
// already local passes through unchanged.
func EnsureLocalNaive(t time.Time) time.Time {
	return t.In(time.Local)
}

// ParseISOToLocal parses an RFC3339-ish timestamp string and returns it
// as a local-naive time, mirroring original_source's
// parse_iso_datetime_to_local: a "Z" or numeric offset suffix is
// converted to local time, a string without one is read as local time,
// and an empty string returns nil.
func ParseISOToLocal(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, s, time.Local)
		if err == nil {
			local := EnsureLocalNaive(t)
			return &local, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// FormatISO renders t (assumed already local-naive) without a zone
// suffix, the inverse of ParseISOToLocal.
func FormatISO(t time.Time) string {
	return t.Format("2006-01-02T15:04:05")
}

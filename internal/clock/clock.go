package clock

import "time"

// Zone is the canonical fixed-offset zone (UTC+8). All human-readable
// timestamps and daily roll-over decisions use it; comparisons use epoch
// seconds.
var Zone = time.FixedZone("UTC+8", 8*60*60)

const (
	// TimestampLayout is the wall-clock format persisted in record fields.
	TimestampLayout = "2006-01-02 15:04:05"
	// DateLayout is the day stamp used for daily counter roll-over.
	DateLayout = "2006-01-02"
)

// Now returns the current time in the canonical zone.
func Now() time.Time {
	return time.Now().In(Zone)
}

// Format renders t as a persisted wall-clock string in the canonical zone.
func Format(t time.Time) string {
	return t.In(Zone).Format(TimestampLayout)
}

// DateOf returns the canonical-zone day stamp for t.
func DateOf(t time.Time) string {
	return t.In(Zone).Format(DateLayout)
}

// NowString returns the current wall-clock string in the canonical zone.
func NowString() string {
	return Format(time.Now())
}

// Today returns the current day stamp in the canonical zone.
func Today() string {
	return DateOf(time.Now())
}

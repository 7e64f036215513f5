// Package schedule maps configured frequencies to minimum intervals and
// decides whether a target is due at a given evaluation time.
package schedule

import "time"

// Frequency names a minimum interval between runs of a target.
type Frequency string

const (
	Hourly    Frequency = "hourly"
	Daily     Frequency = "daily"
	Weekly    Frequency = "weekly"
	Biweekly  Frequency = "biweekly"
	Monthly   Frequency = "monthly"
	Bimonthly Frequency = "bimonthly"
)

const day = 24 * time.Hour

var intervals = map[Frequency]time.Duration{
	Hourly:    time.Hour,
	Daily:     day,
	Weekly:    7 * day,
	Biweekly:  14 * day,
	Monthly:   30 * day,
	Bimonthly: 60 * day,
}

// Interval returns the minimum interval for f. ok is false for an
// unknown frequency.
func (f Frequency) Interval() (time.Duration, bool) {
	d, ok := intervals[f]
	return d, ok
}

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	_, ok := intervals[f]
	return ok
}

// IsDue reports whether a target with frequency f and the given last run
// time is due at now. A zero lastRun means the target never ran and is
// always due. The target is due at exact interval equality.
func IsDue(f Frequency, lastRun, now time.Time) bool {
	if lastRun.IsZero() {
		return true
	}
	iv, ok := f.Interval()
	if !ok {
		return false
	}
	return now.Sub(lastRun) >= iv
}

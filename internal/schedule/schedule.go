// Package schedule computes due times for recurring jobs.
//
// Occurrences form a grid anchored at the job's start date: occurrence k is
// start + k days (daily), start + 7k days (weekly) or start + k calendar
// months clamped to the month length (monthly). Every computation derives
// from the anchor, so neither run duration nor month clamping accumulates
// drift: a monthly job starting Jan 31 runs Feb 28, then Mar 31.
package schedule

import (
	"fmt"
	"time"

	"github.com/g-k/telemetry-analysis-service/internal/jobs"
)

// ErrExpired is returned when the next occurrence would fall on or after the
// job's end date.
var ErrExpired = jobs.ErrExpired

// Occurrence returns the k-th occurrence (k >= 0) of the grid.
func Occurrence(start time.Time, iv jobs.Interval, k int) time.Time {
	switch iv {
	case jobs.Daily:
		return start.AddDate(0, 0, k)
	case jobs.Weekly:
		return start.AddDate(0, 0, 7*k)
	case jobs.Monthly:
		return AddMonths(start, k)
	default:
		panic(fmt.Sprintf("schedule: unknown interval %q", iv))
	}
}

// AddMonths moves t by n calendar months keeping the wall clock. The day is
// clamped to the length of the target month.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	first := time.Date(y, m+time.Month(n), 1, hh, mm, ss, t.Nanosecond(), t.Location())
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// indexAtOrBefore returns the largest k with Occurrence(k) <= t, or -1 when t
// precedes the anchor.
func indexAtOrBefore(start time.Time, iv jobs.Interval, t time.Time) int {
	if t.Before(start) {
		return -1
	}
	var k int
	switch iv {
	case jobs.Daily:
		k = int(t.Sub(start) / (24 * time.Hour))
	case jobs.Weekly:
		k = int(t.Sub(start) / (7 * 24 * time.Hour))
	case jobs.Monthly:
		sy, sm, _ := start.Date()
		ty, tm, _ := t.In(start.Location()).Date()
		k = (ty-sy)*12 + int(tm-sm)
	}
	// The estimate is off by at most one around DST shifts and month ends.
	for k > 0 && Occurrence(start, iv, k).After(t) {
		k--
	}
	for !Occurrence(start, iv, k+1).After(t) {
		k++
	}
	return k
}

// Expired reports whether the job's end date has been reached.
func Expired(d *jobs.Definition, now time.Time) bool {
	return d.EndDate != nil && !now.Before(*d.EndDate)
}

// IsDue reports whether the job should be dispatched at now.
func IsDue(d *jobs.Definition, now time.Time) bool {
	if !d.Enabled || Expired(d, now) || d.NextRunAt == nil {
		return false
	}
	return !d.NextRunAt.After(now)
}

// Initial computes next_run_at for a new job or a changed schedule. A start
// date in the future is the first occurrence. A start date in the past yields
// the latest occurrence at or before now, so missed occurrences collapse into
// a single catch-up run.
func Initial(d *jobs.Definition, now time.Time) (time.Time, error) {
	next := d.StartDate
	if now.After(d.StartDate) {
		next = Occurrence(d.StartDate, d.Interval, indexAtOrBefore(d.StartDate, d.Interval, now))
	}
	if d.EndDate != nil && !next.Before(*d.EndDate) {
		return time.Time{}, ErrExpired
	}
	return next, nil
}

// Advance returns the first occurrence strictly after both the scheduled
// occurrence and now. It derives from the scheduled time and the anchor, not
// from when the run completed.
func Advance(d *jobs.Definition, now time.Time) (time.Time, error) {
	ref := now
	if d.NextRunAt != nil && d.NextRunAt.After(ref) {
		ref = *d.NextRunAt
	}
	next := Occurrence(d.StartDate, d.Interval, indexAtOrBefore(d.StartDate, d.Interval, ref)+1)
	if d.EndDate != nil && !next.Before(*d.EndDate) {
		return time.Time{}, ErrExpired
	}
	return next, nil
}

// AdvanceFrom is Advance for a specific occurrence rather than the job's
// cached next_run_at.
func AdvanceFrom(d *jobs.Definition, occurrence, now time.Time) (time.Time, error) {
	cp := *d
	cp.NextRunAt = &occurrence
	return Advance(&cp, now)
}

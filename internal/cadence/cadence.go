// Package cadence holds the pure time math of the scheduler: wall-clock run
// times, daily resets, and the post-emission recurrence. Everything here is
// deterministic and side-effect free so the rules stay testable without a
// database or a clock.
package cadence

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseRunTime parses a wall-clock "HH:MM" string.
func ParseRunTime(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("run time %q: want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("run time %q: bad hour", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("run time %q: bad minute", s)
	}
	return hour, minute, nil
}

// AtRunTime returns the instant of runTime ("HH:MM") on the calendar day of
// ref, in loc.
func AtRunTime(ref time.Time, runTime string, loc *time.Location) (time.Time, error) {
	h, m, err := ParseRunTime(runTime)
	if err != nil {
		return time.Time{}, err
	}
	local := ref.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, loc), nil
}

// StartOfDay returns midnight of ref's calendar day in loc.
func StartOfDay(ref time.Time, loc *time.Location) time.Time {
	local := ref.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// NextAfterEmission computes the next post instant right after emitting post
// number emitted of total, with runAt the schedule's run time on the current
// day.
//
//   - quota met: tomorrow at the same run time;
//   - before the scheduled start: a strict grid anchored on runAt;
//   - after it (catch-up): now plus one interval, so the configured spacing
//     holds even when the start time is long past.
func NextAfterEmission(now, runAt time.Time, emitted, total, intervalMinutes int) time.Time {
	interval := time.Duration(intervalMinutes) * time.Minute
	switch {
	case emitted >= total:
		return runAt.Add(24 * time.Hour)
	case now.Before(runAt):
		return runAt.Add(time.Duration(emitted) * interval)
	default:
		return now.Add(interval)
	}
}

// FreshNextPostAt computes the next post instant for a schedule entering a
// new day (or one that has never been scheduled). runAt is today's run time.
func FreshNextPostAt(now, runAt time.Time, quotaMet bool) time.Time {
	switch {
	case quotaMet:
		return runAt.Add(24 * time.Hour)
	case now.After(runAt):
		return now
	default:
		return runAt
	}
}

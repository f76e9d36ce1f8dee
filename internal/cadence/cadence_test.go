package cadence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var seoul = mustLoad("Asia/Seoul")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func at(t *testing.T, day, clock string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", day+" "+clock, seoul)
	require.NoError(t, err)
	return ts
}

func TestParseRunTime(t *testing.T) {
	h, m, err := ParseRunTime("09:05")
	require.NoError(t, err)
	require.Equal(t, 9, h)
	require.Equal(t, 5, m)

	for _, bad := range []string{"", "9", "24:00", "12:60", "ab:cd"} {
		_, _, err := ParseRunTime(bad)
		require.Error(t, err, bad)
	}
}

func TestNextAfterEmission_OnTimeGrid(t *testing.T) {
	// Three posts at 09:00 with a 5 minute interval, each tick landing on
	// the scheduled instant: 09:00 -> 09:05 -> 09:10 -> next day 09:00.
	runAt := at(t, "2026-08-24", "09:00")

	next := NextAfterEmission(at(t, "2026-08-24", "09:00"), runAt, 1, 3, 5)
	require.Equal(t, at(t, "2026-08-24", "09:05"), next)

	next = NextAfterEmission(at(t, "2026-08-24", "09:05"), runAt, 2, 3, 5)
	require.Equal(t, at(t, "2026-08-24", "09:10"), next)

	next = NextAfterEmission(at(t, "2026-08-24", "09:10"), runAt, 3, 3, 5)
	require.Equal(t, at(t, "2026-08-25", "09:00"), next)
}

func TestNextAfterEmission_GridBeforeStart(t *testing.T) {
	// Emission before the scheduled start anchors on the run time, not on now.
	runAt := at(t, "2026-08-24", "09:00")
	next := NextAfterEmission(at(t, "2026-08-24", "08:30"), runAt, 2, 10, 30)
	require.Equal(t, at(t, "2026-08-24", "10:00"), next)
}

func TestNextAfterEmission_CatchUpKeepsInterval(t *testing.T) {
	// Scheduler down from 08:00 to 11:30; the first catch-up emission must
	// schedule the next one at now+interval, not runTime+interval.
	runAt := at(t, "2026-08-24", "09:00")
	now := at(t, "2026-08-24", "11:30")

	next := NextAfterEmission(now, runAt, 1, 4, 30)
	require.Equal(t, at(t, "2026-08-24", "12:00"), next)

	// Pacing stays monotonic through the rest of the day.
	prev := next
	for seq := 2; seq <= 3; seq++ {
		next = NextAfterEmission(prev, runAt, seq, 4, 30)
		require.True(t, next.After(prev), "seq %d", seq)
		require.GreaterOrEqual(t, next.Sub(prev), 30*time.Minute)
		prev = next
	}

	// Final emission rolls to tomorrow's run time.
	next = NextAfterEmission(prev, runAt, 4, 4, 30)
	require.Equal(t, at(t, "2026-08-25", "09:00"), next)
}

func TestFreshNextPostAt(t *testing.T) {
	runAt := at(t, "2026-08-24", "09:00")

	// Before the run time: wait for it.
	got := FreshNextPostAt(at(t, "2026-08-24", "07:00"), runAt, false)
	require.Equal(t, runAt, got)

	// Past the run time with quota remaining: start immediately.
	now := at(t, "2026-08-24", "11:30")
	require.Equal(t, now, FreshNextPostAt(now, runAt, false))

	// Quota already met: tomorrow at the run time.
	got = FreshNextPostAt(now, runAt, true)
	require.Equal(t, at(t, "2026-08-25", "09:00"), got)
}

func TestStartOfDay(t *testing.T) {
	ts := at(t, "2026-08-24", "23:59")
	require.Equal(t, at(t, "2026-08-24", "00:00"), StartOfDay(ts, seoul))

	// A UTC instant that is already the next day in Seoul.
	utc := time.Date(2026, 8, 24, 16, 0, 0, 0, time.UTC) // 01:00 KST Aug 25
	require.Equal(t, at(t, "2026-08-25", "00:00"), StartOfDay(utc, seoul))
}

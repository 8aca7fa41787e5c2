package dispatch

import (
	"fmt"
	"time"

	"callback-scheduler/internal/marks"
)

// Shift windows compare wall-clock time-of-day only, in the host's local
// zone; the platform and the scheduler run in the same timezone.

const clockLayout = "15:04:05"

type clockTime struct {
	h, m, s int
}

func parseClock(v string) (clockTime, error) {
	t, err := time.Parse(clockLayout, v)
	if err != nil {
		return clockTime{}, fmt.Errorf("dispatch: bad clock time %q: %w", v, err)
	}
	return clockTime{h: t.Hour(), m: t.Minute(), s: t.Second()}, nil
}

// on pins the clock time onto a calendar day.
func (c clockTime) on(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.h, c.m, c.s, 0, day.Location())
}

func (c clockTime) secondsOfDay() int { return c.h*3600 + c.m*60 + c.s }

// shiftWindow computes the eligible calldate range for a shift-based
// category at the given instant.
//
// Inside the shift: callbacks cover calls that ended while agents were off
// (previous day's shift end through today's shift start). After the shift
// but before the never-call-after cutoff: callbacks cover today's shift.
// Anything else: no eligibility.
func shiftWindow(now time.Time, s marks.Settings) (marks.Window, bool, error) {
	start, err := parseClock(s.AgentShiftStart)
	if err != nil {
		return marks.Window{}, false, err
	}
	end, err := parseClock(s.AgentShiftEnd)
	if err != nil {
		return marks.Window{}, false, err
	}
	cutoff, err := parseClock(s.NeverCallAfter)
	if err != nil {
		return marks.Window{}, false, err
	}

	cur := now.Hour()*3600 + now.Minute()*60 + now.Second()

	switch {
	case start.secondsOfDay() <= cur && cur <= end.secondsOfDay():
		return marks.Window{
			From: end.on(now.AddDate(0, 0, -1)),
			To:   start.on(now),
		}, true, nil
	case end.secondsOfDay() < cur && cur <= cutoff.secondsOfDay():
		return marks.Window{
			From: start.on(now),
			To:   end.on(now),
		}, true, nil
	default:
		return marks.Window{}, false, nil
	}
}

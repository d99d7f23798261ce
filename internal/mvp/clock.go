package mvp

import (
	"regexp"
	"strconv"
	"time"

	"mvpbot/internal/errs"
)

var reClock = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseClock parses a wall clock time such as "21:30" or "9:05".
func ParseClock(raw string) (hour, minute int, err error) {
	m := reClock.FindStringSubmatch(raw)
	if m == nil {
		return 0, 0, errs.Validation("Formato de horário inválido! Use: HH:MM (ex: 21:30, 14:45)")
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return 0, 0, errs.Validation("Horário inválido! Horas: 0-23, Minutos: 0-59")
	}
	return hour, minute, nil
}

// NextOccurrence returns the next time the wall clock in loc shows
// hour:minute. A time equal to now counts as past and moves to tomorrow.
func NextOccurrence(now time.Time, hour, minute int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	t := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !t.After(now) {
		t = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
	}
	return t
}

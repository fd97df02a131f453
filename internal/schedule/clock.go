package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ParseClock parses HH:MM or HH:MM:SS into seconds since midnight. Hours
// may exceed 23 for services that run past midnight.
func ParseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	vals := make([]int, 3)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid clock time %q", s)
		}
		vals[i] = v
	}
	if vals[1] > 59 || vals[2] > 59 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return vals[0]*3600 + vals[1]*60 + vals[2], nil
}

// At returns hhmm on the calendar day of day, in day's location.
func At(day time.Time, hhmm string) (time.Time, error) {
	sec, err := ParseClock(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return midnight(day).Add(time.Duration(sec) * time.Second), nil
}

// minutesOfDay is the local wall-clock minute of t.
func minutesOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

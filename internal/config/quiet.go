package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QuietHours is a local time-of-day window, stored as minutes since midnight.
// The window may wrap past midnight; Start == End means never quiet.
type QuietHours struct {
	Start int
	End   int
}

func ParseQuietHours(start, end string) (QuietHours, error) {
	s, err := ParseHHMM(start)
	if err != nil {
		return QuietHours{}, err
	}
	e, err := ParseHHMM(end)
	if err != nil {
		return QuietHours{}, err
	}
	return QuietHours{Start: s, End: e}, nil
}

// ParseHHMM returns minutes since midnight for a 24-hour "HH:MM" value.
func ParseHHMM(value string) (int, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time format %q, expected HH:MM", value)
	}
	hour, herr := strconv.Atoi(parts[0])
	minute, merr := strconv.Atoi(parts[1])
	if herr != nil || merr != nil {
		return 0, fmt.Errorf("invalid time format %q, expected HH:MM", value)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid time value %q, expected HH:MM in 24-hour range", value)
	}
	return hour*60 + minute, nil
}

// Contains reports whether the local time of t falls in [Start, End).
func (q QuietHours) Contains(t time.Time) bool {
	if q.Start == q.End {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	if q.Start < q.End {
		return m >= q.Start && m < q.End
	}
	return m >= q.Start || m < q.End
}

func (q QuietHours) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", q.Start/60, q.Start%60, q.End/60, q.End%60)
}

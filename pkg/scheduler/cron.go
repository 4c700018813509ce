package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// maxLookback bounds the search for a previous firing
const maxLookback = 366 * 24 * time.Hour

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ErrNoFiring is returned when a schedule has no firing within a year of
// the timestamp
var ErrNoFiring = errors.New("cron schedule never fires")

// ParseCron parses a five-field cron expression or a descriptor such as
// "@daily". Expressions are evaluated in UTC.
func ParseCron(expr string) (cron.Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cron expression %q: %w", expr, err)
	}
	return s, nil
}

// Cron returns the latest firing at or before timestamp and the earliest
// firing after it, both shifted by offset. All values are in milliseconds.
func Cron(timestamp int64, schedule cron.Schedule, offset int64) (int64, int64, error) {
	t := time.UnixMilli(timestamp - offset).UTC()

	next := schedule.Next(t)
	if next.IsZero() {
		return 0, 0, ErrNoFiring
	}

	// cron resolution is one second; step back past the current second so an
	// exact firing at t is found as prev
	ref := t.Truncate(time.Second).Add(-time.Nanosecond)
	var prev time.Time
	for w := time.Minute; w <= maxLookback*2; w *= 2 {
		candidate := schedule.Next(ref.Add(-w))
		if candidate.IsZero() || candidate.After(t) {
			continue
		}
		for {
			n := schedule.Next(candidate)
			if n.IsZero() || n.After(t) {
				break
			}
			candidate = n
		}
		prev = candidate
		break
	}
	if prev.IsZero() {
		return 0, 0, ErrNoFiring
	}

	return prev.UnixMilli() + offset, next.UnixMilli() + offset, nil
}

// Window reports whether timestamp falls within duration milliseconds after
// the latest firing of schedule.
func Window(timestamp int64, schedule cron.Schedule, offset, duration int64) (bool, error) {
	prev, _, err := Cron(timestamp, schedule, offset)
	if err != nil {
		return false, err
	}
	return timestamp < prev+duration, nil
}

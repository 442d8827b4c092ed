package scheduler

import (
	"fmt"
	"time"
)

// IntervalSchedule runs a job at a fixed interval, measured from the start of
// the previous run. The default refresh schedule is one of these.
type IntervalSchedule struct {
	Interval time.Duration
}

// NewIntervalSchedule creates a new IntervalSchedule. Intervals under one
// minute are raised to one minute; the portal gains nothing from being polled
// faster.
func NewIntervalSchedule(interval time.Duration) *IntervalSchedule {
	if interval < time.Minute {
		interval = time.Minute
	}
	return &IntervalSchedule{
		Interval: interval,
	}
}

// Next returns the next scheduled time.
func (s *IntervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.Interval)
}

// String returns the string representation of the schedule.
func (s *IntervalSchedule) String() string {
	return fmt.Sprintf("@every %s", s.Interval.String())
}

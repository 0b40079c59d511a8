package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks that the schedule can produce run times.
func (s Schedule) Validate() error {
	_, _, err := s.Next(time.Now())
	return err
}

// Next returns the first run time strictly after ref. ok is false when the
// schedule has no run after ref (a one-shot time already in the past).
func (s Schedule) Next(ref time.Time) (next time.Time, ok bool, err error) {
	switch s.Kind {
	case ScheduleKindAt:
		return nextAt(s, ref)
	case ScheduleKindEvery:
		return nextEvery(s, ref)
	case ScheduleKindCron:
		return nextCron(s, ref)
	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule kind: %q", s.Kind)
	}
}

func nextAt(s Schedule, ref time.Time) (time.Time, bool, error) {
	if s.At == "" {
		return time.Time{}, false, fmt.Errorf("'at' schedule requires 'at' field")
	}

	t, err := time.Parse(time.RFC3339, s.At)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid timestamp: %w", err)
	}
	if !t.After(ref) {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

func nextEvery(s Schedule, ref time.Time) (time.Time, bool, error) {
	interval, err := time.ParseDuration(s.Every)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid 'every' interval: %w", err)
	}
	if interval <= 0 {
		return time.Time{}, false, fmt.Errorf("'every' schedule requires a positive interval")
	}

	// Without anchor: next run is ref + interval
	if s.AnchorMs == nil {
		return ref.Add(interval), true, nil
	}

	anchor := time.UnixMilli(*s.AnchorMs)
	if anchor.After(ref) {
		return anchor, true, nil
	}

	periods := ref.Sub(anchor) / interval
	return anchor.Add((periods + 1) * interval), true, nil
}

func nextCron(s Schedule, ref time.Time) (time.Time, bool, error) {
	if s.Expr == "" {
		return time.Time{}, false, fmt.Errorf("'cron' schedule requires 'expr' field")
	}

	sched, err := parser.Parse(s.Expr)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid cron expression: %w", err)
	}

	if s.TZ != "" {
		loc, err := time.LoadLocation(s.TZ)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("invalid timezone: %w", err)
		}
		ref = ref.In(loc)
	}

	next := sched.Next(ref)
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

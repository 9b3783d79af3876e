package scheduler

import (
	"fmt"
	"time"

	"github.com/hashicorp/cronexpr"

	"spaceduck/internal/config"
	"spaceduck/internal/store"
)

// NextRun computes the next execution time after now. A nil time means the
// task does not recur.
func NextRun(sched store.TaskSchedule, now time.Time) (*time.Time, error) {
	switch sched.Kind {
	case store.ScheduleInterval:
		if sched.IntervalMs <= 0 {
			return nil, fmt.Errorf("interval schedule requires a positive intervalMs")
		}
		next := now.Add(time.Duration(sched.IntervalMs) * time.Millisecond)
		return &next, nil
	case store.ScheduleCron:
		expr, err := cronexpr.Parse(sched.Cron)
		if err != nil {
			return nil, fmt.Errorf("parse cron %q: %w", sched.Cron, err)
		}
		next := expr.Next(now)
		if next.IsZero() {
			return nil, nil
		}
		return &next, nil
	case store.ScheduleOneShot:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", sched.Kind)
	}
}

// FirstRun computes the initial nextRunAt for a newly created task.
func FirstRun(sched store.TaskSchedule, now time.Time) (*time.Time, error) {
	if sched.Kind == store.ScheduleOneShot {
		at := now
		if sched.At != nil {
			at = *sched.At
		}
		return &at, nil
	}
	return NextRun(sched, now)
}

// Backoff returns the delay before retry number retryCount, capped at the
// configured maximum.
func Backoff(retry config.RetryConfig, retryCount int) time.Duration {
	base := time.Duration(retry.BackoffBaseMs) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}
	max := time.Duration(retry.BackoffMaxMs) * time.Millisecond

	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

package engine

import (
	"context"
	"time"
)

// Clock returns the current time. Tests substitute a controllable clock.
type Clock func() time.Time

// Scheduler runs fn once after d unless the returned cancel func is called or
// ctx is done first.
type Scheduler interface {
	After(ctx context.Context, d time.Duration, fn func()) (cancel func())
}

// TimerScheduler is the Scheduler backed by time.AfterFunc.
type TimerScheduler struct{}

// After implements Scheduler.
func (TimerScheduler) After(ctx context.Context, d time.Duration, fn func()) func() {
	if ctx == nil {
		ctx = context.Background()
	}
	if d < 0 {
		d = 0
	}
	timer := time.AfterFunc(d, func() {
		if ctx.Err() != nil {
			return
		}
		fn()
	})
	stop := context.AfterFunc(ctx, func() { timer.Stop() })
	return func() {
		timer.Stop()
		stop()
	}
}

func clockOrDefault(c Clock) Clock {
	if c == nil {
		return time.Now
	}
	return c
}

func schedulerOrDefault(s Scheduler) Scheduler {
	if s == nil {
		return TimerScheduler{}
	}
	return s
}

package dispatch

import (
	"context"
	"time"
)

// Sleeper waits between sends. Sleep returns ctx.Err() when ctx ends first.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type timerSleeper struct{}

// RealSleeper waits on a timer.
func RealSleeper() Sleeper { return timerSleeper{} }

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

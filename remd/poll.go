package remd

import (
	"context"
	"errors"
	"time"
)

// ErrPollTimeout is returned by PollUntil when the condition was not met
// before the deadline.
var ErrPollTimeout = errors.New("poll timeout")

// Condition is evaluated on every poll tick. A non-nil error aborts polling.
type Condition func() (bool, error)

// PollUntil evaluates cond immediately and then every interval until it
// returns true, returns an error, ctx is done, or timeout elapses.
//
// ErrPollTimeout is never returned before timeout has elapsed: the final
// evaluation happens at or after the deadline. The call blocks the calling
// goroutine for the whole wait.
func PollUntil(ctx context.Context, interval, timeout time.Duration, cond Condition) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	start := time.Now()
	deadline := start.Add(timeout)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		now := time.Now()
		if !now.Before(deadline) {
			return ErrPollTimeout
		}
		wait := interval
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

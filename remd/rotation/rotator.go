// Package rotation runs the periodic checkpoint rotation timer on the ranks
// that own it. The timer is cancellable: Stop (or cancelling the context given
// to Start) ends it and waits for any in-flight hook to return.
package rotation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Hook is the action performed on every rotation tick.
type Hook interface {
	Rotate(ctx context.Context, at time.Time) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, at time.Time) error

// Rotate calls f.
func (f HookFunc) Rotate(ctx context.Context, at time.Time) error { return f(ctx, at) }

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("rotator already started")

// Rotator wakes every interval and runs its hook. Hook errors are logged and
// the timer keeps running.
type Rotator struct {
	interval time.Duration
	hook     Hook
	log      *logrus.Entry

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	rotations int
}

// New returns a stopped Rotator.
func New(interval time.Duration, hook Hook, log *logrus.Entry) *Rotator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Rotator{interval: interval, hook: hook, log: log}
}

// Start launches the timer goroutine. It returns immediately.
func (r *Rotator) Start(ctx context.Context) error {
	if r.interval <= 0 {
		return errors.New("rotation interval must be positive")
	}
	if r.hook == nil {
		return errors.New("rotation hook is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
	r.log.Infof("checkpoint rotation every %s", r.interval)
	return nil
}

func (r *Rotator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case at := <-ticker.C:
			if err := r.hook.Rotate(ctx, at); err != nil {
				r.log.Warnf("checkpoint rotation failed: %v", err)
			}
			r.mu.Lock()
			r.rotations++
			r.mu.Unlock()
		}
	}
}

// Stop ends the timer and waits for the goroutine to exit. It is safe to call
// more than once, and before Start.
func (r *Rotator) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Rotations returns the number of completed ticks.
func (r *Rotator) Rotations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotations
}

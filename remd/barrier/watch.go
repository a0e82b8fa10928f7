package barrier

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// WatchBarrier reacts to filesystem events on the sentinel directory and
// keeps polling at Interval as a fallback, since network filesystems often
// deliver no events for writes made on other hosts.
type WatchBarrier struct {
	*FileBarrier
}

// Wait blocks until Ready, ctx is done, or Timeout elapses.
func (b *WatchBarrier) Wait(ctx context.Context) error {
	start := time.Now()
	if ok, err := b.Ready(); err != nil || ok {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logrus.Debugf("barrier: fsnotify unavailable (%v), polling only", err)
		return b.pollFrom(ctx, start)
	}
	defer func() { _ = watcher.Close() }()

	dirs := map[string]bool{filepath.Dir(b.opts.SentinelPath): true}
	for _, p := range b.opts.Requires {
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			// Directory may not exist yet; polling covers it.
			logrus.Debugf("barrier: cannot watch %s: %v", dir, err)
		}
	}

	poll := time.NewTicker(b.opts.Interval)
	defer poll.Stop()
	deadline := time.NewTimer(b.opts.Timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if ok, err := b.Ready(); err != nil || ok {
				return err
			}
			return b.timeoutError(start)
		case _, ok := <-watcher.Events:
			if !ok {
				return b.pollFrom(ctx, start)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return b.pollFrom(ctx, start)
			}
			logrus.Debugf("barrier: watch error: %v", werr)
			continue
		case <-poll.C:
		}
		if ok, err := b.Ready(); err != nil || ok {
			return err
		}
	}
}

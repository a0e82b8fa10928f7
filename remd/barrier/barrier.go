// Package barrier implements the readiness rendezvous between the global
// leader and every other rank. The leader publishes a sentinel file once the
// DataStore is valid; waiters block until the sentinel and every required
// artifact are visible on the shared filesystem, or a bounded timeout fires.
//
// The filesystem is the only shared medium, so there is no lock: visibility
// of a completed write to other readers on the same mount is the ordering
// guarantee.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ctava-msft/d3-meld/remd"
)

// Barrier is the readiness rendezvous.
type Barrier interface {
	// Signal publishes readiness for the barrier's run tag. Leader only.
	Signal() error
	// Reset retracts any readiness signal, including one left by an earlier run.
	Reset() error
	// Ready reports, without blocking, whether readiness is observable.
	Ready() (bool, error)
	// Wait blocks until Ready or the timeout; a timeout is a *remd.BootstrapTimeoutError.
	Wait(ctx context.Context) error
}

// Options configures a barrier.
type Options struct {
	SentinelPath string        // readiness sentinel file
	Requires     []string      // artifacts that must also exist before Ready
	RunTag       string        // only a sentinel carrying this tag counts
	Interval     time.Duration // poll cadence
	Timeout      time.Duration // Wait bound
}

// Sentinel is the content of the readiness file.
type Sentinel struct {
	RunTag    string    `yaml:"run_tag"`
	WrittenAt time.Time `yaml:"written_at"`
	Host      string    `yaml:"host,omitempty"`
	PID       int       `yaml:"pid"`
}

// New returns the barrier for backend.
func New(backend remd.BarrierBackend, opts Options) (Barrier, error) {
	if opts.SentinelPath == "" {
		return nil, &remd.ConfigurationError{Field: "barrier", Reason: "sentinel path is required"}
	}
	if opts.Interval <= 0 {
		opts.Interval = remd.DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = remd.DefaultBootstrapTimeout
	}
	fb := &FileBarrier{opts: opts}
	switch backend {
	case remd.BarrierFile, "":
		return fb, nil
	case remd.BarrierWatch:
		return &WatchBarrier{FileBarrier: fb}, nil
	default:
		return nil, &remd.ConfigurationError{Field: "barrier", Reason: fmt.Sprintf("unknown backend %q", backend)}
	}
}

// FileBarrier observes readiness by polling the sentinel at a fixed interval.
type FileBarrier struct {
	opts Options
}

// Signal writes the sentinel atomically: a temp file in the same directory is
// synced and renamed into place, so readers never see a partial sentinel.
func (b *FileBarrier) Signal() error {
	host, _ := os.Hostname()
	data, err := yaml.Marshal(Sentinel{
		RunTag:    b.opts.RunTag,
		WrittenAt: time.Now().UTC(),
		Host:      host,
		PID:       os.Getpid(),
	})
	if err != nil {
		return fmt.Errorf("marshaling readiness sentinel: %w", err)
	}
	dir := filepath.Dir(b.opts.SentinelPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".ready-*")
	if err != nil {
		return fmt.Errorf("creating readiness sentinel: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing readiness sentinel: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing readiness sentinel: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing readiness sentinel: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.opts.SentinelPath); err != nil {
		return fmt.Errorf("publishing readiness sentinel: %w", err)
	}
	return nil
}

// Reset removes the sentinel if present.
func (b *FileBarrier) Reset() error {
	if err := os.Remove(b.opts.SentinelPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing readiness sentinel: %w", err)
	}
	return nil
}

// Ready reports whether every required artifact exists and the sentinel
// carries this run's tag. A sentinel from another run is not readiness.
func (b *FileBarrier) Ready() (bool, error) {
	for _, p := range b.opts.Requires {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, err
		}
	}
	s, err := ReadSentinel(b.opts.SentinelPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return s.RunTag == b.opts.RunTag, nil
}

// Wait polls Ready every Interval until it holds or Timeout elapses.
func (b *FileBarrier) Wait(ctx context.Context) error {
	return b.pollFrom(ctx, time.Now())
}

// pollFrom polls Ready until Timeout has elapsed since start, so a wait that
// began on another path keeps its original bound.
func (b *FileBarrier) pollFrom(ctx context.Context, start time.Time) error {
	remaining := b.opts.Timeout - time.Since(start)
	if remaining < 0 {
		remaining = 0
	}
	err := remd.PollUntil(ctx, b.opts.Interval, remaining, b.Ready)
	if errors.Is(err, remd.ErrPollTimeout) {
		return b.timeoutError(start)
	}
	return err
}

func (b *FileBarrier) timeoutError(start time.Time) error {
	return &remd.BootstrapTimeoutError{
		Waiting: "data store readiness signal " + b.opts.SentinelPath,
		Timeout: b.opts.Timeout,
		Elapsed: time.Since(start),
	}
}

// ReadSentinel parses the readiness file at path. A sentinel that is present
// but unparseable is treated as carrying no tag.
func ReadSentinel(path string) (Sentinel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Sentinel{}, err
	}
	var s Sentinel
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Sentinel{}, nil
	}
	return s, nil
}

// Package bootstrap runs the once-per-run DataStore bootstrap. The global
// leader (ordinal 0) validates leftovers, creates the store if needed and
// publishes the readiness signal; every other rank blocks on the barrier and
// then on the first block, each under its own bounded timeout.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ctava-msft/d3-meld/remd"
	"github.com/ctava-msft/d3-meld/remd/barrier"
	"github.com/ctava-msft/d3-meld/remd/blocks"
)

// State is the observed state of the shared DataStore.
type State string

const (
	StateAbsent       State = "Absent"
	StateInitializing State = "Initializing"
	StateReady        State = "Ready"
	StateCorrupt      State = "Corrupt"
)

// Transition records one state change observed or caused by this rank.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Reason string
}

// Result summarizes a completed bootstrap on this rank.
type Result struct {
	State       State
	Transitions []Transition
	BackupDir   string // set when --force-reinit moved the previous data dir aside
	Resumed     bool   // leader found a valid store and skipped setup
}

// Config wires a Coordinator.
type Config struct {
	Layout   remd.Layout
	Rank     remd.RankContext
	Run      remd.RunConfig
	Barrier  barrier.Barrier
	Detector *blocks.Detector
	Setup    Setup
	Log      *logrus.Entry
}

// Coordinator is the bootstrap state machine as seen by one rank.
type Coordinator struct {
	layout   remd.Layout
	rank     remd.RankContext
	run      remd.RunConfig
	barrier  barrier.Barrier
	detector *blocks.Detector
	setup    Setup
	log      *logrus.Entry
	now      func() time.Time

	result Result
}

// New validates c and returns a Coordinator.
func New(c Config) (*Coordinator, error) {
	if c.Barrier == nil {
		return nil, errors.New("bootstrap: barrier is required")
	}
	if c.Rank.IsGlobalLeader() && c.Setup == nil {
		return nil, errors.New("bootstrap: the global leader requires a setup collaborator")
	}
	log := c.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	det := c.Detector
	if det == nil {
		det = blocks.NewDetector(nil, log)
	}
	return &Coordinator{
		layout:   c.Layout,
		rank:     c.Rank,
		run:      c.Run,
		barrier:  c.Barrier,
		detector: det,
		setup:    c.Setup,
		log:      log,
		now:      time.Now,
	}, nil
}

// Run drives this rank through bootstrap. For waiters a timeout is a
// *remd.BootstrapTimeoutError; for the leader a collaborator failure is a
// *remd.SetupError. Waiters learn of a leader failure only by timing out.
func (c *Coordinator) Run(ctx context.Context) (Result, error) {
	var err error
	if c.rank.IsGlobalLeader() {
		err = c.lead(ctx)
	} else {
		err = c.follow(ctx)
	}
	return c.result, err
}

func (c *Coordinator) transition(from, to State, reason string) {
	c.result.Transitions = append(c.result.Transitions, Transition{From: from, To: to, At: c.now(), Reason: reason})
	c.result.State = to
	c.log.Infof("data store %s -> %s: %s", from, to, reason)
}

func (c *Coordinator) lead(ctx context.Context) error {
	if err := c.barrier.Reset(); err != nil {
		return err
	}
	switch {
	case c.run.ForceReinit:
		if err := c.backupDataDir(); err != nil {
			return err
		}
	case c.run.CleanData:
		if err := c.cleanData(); err != nil {
			return err
		}
	}

	state, err := c.observeStore()
	if err != nil {
		return err
	}
	c.result.State = state

	outcome, err := c.detector.Check(c.layout.FirstBlockPath())
	if err != nil {
		return err
	}
	if outcome == blocks.OutcomeRemoved {
		c.transition(state, StateCorrupt, "first block failed structural check")
		if err := removeIfExists(c.layout.DataStorePath()); err != nil {
			return err
		}
		c.transition(StateCorrupt, StateAbsent, "corrupt block removed; store will be recreated")
		state = StateAbsent
	}

	if state == StateAbsent {
		c.transition(StateAbsent, StateInitializing, "running setup collaborator")
		if err := os.MkdirAll(c.layout.DataDir(), 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		if err := c.setup.Materialize(ctx, c.layout.DataStorePath()); err != nil {
			return &remd.SetupError{Err: err}
		}
		if _, err := os.Stat(c.layout.DataStorePath()); err != nil {
			return &remd.SetupError{Err: fmt.Errorf("data store still missing after setup: %w", err)}
		}
	} else {
		c.result.Resumed = true
		c.log.Infof("existing data store found at %s; resuming", c.layout.DataStorePath())
	}

	if err := os.MkdirAll(c.layout.BlocksDir(), 0o755); err != nil {
		return fmt.Errorf("creating block directory: %w", err)
	}
	if err := c.barrier.Signal(); err != nil {
		return err
	}
	c.transition(StateInitializing, StateReady, "readiness signal written")
	return nil
}

// observeStore reports Absent or Initializing for the leader: the readiness
// signal was just retracted, so an existing store is not yet Ready.
func (c *Coordinator) observeStore() (State, error) {
	_, err := os.Stat(c.layout.DataStorePath())
	switch {
	case err == nil:
		return StateInitializing, nil
	case os.IsNotExist(err):
		return StateAbsent, nil
	default:
		return "", fmt.Errorf("inspecting data store: %w", err)
	}
}

func (c *Coordinator) follow(ctx context.Context) error {
	c.result.State = StateAbsent
	if err := c.barrier.Wait(ctx); err != nil {
		return err
	}
	c.transition(StateInitializing, StateReady, "readiness signal observed")

	first := c.layout.FirstBlockPath()
	start := time.Now()
	err := remd.PollUntil(ctx, c.run.PollInterval, c.run.BootstrapTimeout, func() (bool, error) {
		return blocks.NonEmpty(first)
	})
	if errors.Is(err, remd.ErrPollTimeout) {
		return &remd.BootstrapTimeoutError{
			Waiting: "non-empty first block " + first,
			Timeout: c.run.BootstrapTimeout,
			Elapsed: time.Since(start),
		}
	}
	if err != nil {
		return err
	}
	c.log.Debugf("first block %s is non-empty", first)
	return nil
}

// backupDataDir moves the whole data directory aside before a forced
// re-initialization.
func (c *Coordinator) backupDataDir() error {
	src := c.layout.DataDir()
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	dst := fmt.Sprintf("%s.backup.%s", src, c.now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("backing up %s: %w", src, err)
	}
	c.result.BackupDir = dst
	c.log.Warnf("force re-initialize: previous data moved to %s", dst)
	return nil
}

// cleanData removes coordination leftovers (scratch regions and merged
// artifacts) while keeping the DataStore and the shared blocks.
func (c *Coordinator) cleanData() error {
	if err := os.RemoveAll(c.layout.ScratchRoot()); err != nil {
		return fmt.Errorf("removing scratch regions: %w", err)
	}
	entries, err := os.ReadDir(c.layout.BlocksDir())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("listing blocks: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(e.Name(), ".rank") {
			continue
		}
		if err := removeIfExists(filepath.Join(c.layout.BlocksDir(), e.Name())); err != nil {
			return err
		}
		removed++
	}
	c.log.Infof("clean data: removed scratch regions and %d merged artifacts", removed)
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

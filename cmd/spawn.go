package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ctava-msft/d3-meld/remd"
	"github.com/ctava-msft/d3-meld/remd/engine"
)

var (
	spawnRanks int           // Number of local ranks to start
	spawnTag   string        // Shared run tag; empty = random
	spawnGrace time.Duration // Time children get after SIGTERM before they are killed
)

// spawnOptions describes a local rank group.
type spawnOptions struct {
	Ranks   int
	RunTag  string
	Command []string // argv of each child; MELD_RANK and MELD_WORLD_SIZE are added
	Dir     string
	Grace   time.Duration
	Stdout  io.Writer
	Stderr  io.Writer
}

// spawnCmd is a single-node stand-in for mpirun.
var spawnCmd = &cobra.Command{
	Use:   "spawn [-- launch flags]",
	Short: "Start every rank of a run as local child processes",
	Long: `spawn starts --ranks copies of "d3-meld launch" on this host with MELD_RANK,
MELD_WORLD_SIZE and a shared MELD_RUN_TAG set. Arguments after "--" are passed to
every launch. SIGINT or SIGTERM is forwarded to all children.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locating executable: %w", err)
		}
		argv := append([]string{self, "launch", "--workdir", workdir, "--log", logLevel}, args...)
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runSpawn(ctx, spawnOptions{
			Ranks:   spawnRanks,
			RunTag:  spawnTag,
			Command: argv,
			Dir:     workdir,
			Grace:   spawnGrace,
			Stdout:  os.Stdout,
			Stderr:  os.Stderr,
		})
	},
}

// runSpawn starts every child, waits for all of them, and reports the first
// non-zero exit as an exitStatus carrying that child's code.
func runSpawn(ctx context.Context, o spawnOptions) error {
	if o.Ranks < 1 {
		return &remd.ConfigurationError{Field: "ranks", Reason: fmt.Sprintf("must be at least 1, got %d", o.Ranks)}
	}
	if len(o.Command) == 0 {
		return &remd.ConfigurationError{Field: "command", Reason: "no child command"}
	}
	if o.RunTag == "" {
		o.RunTag = "spawn-" + uuid.NewString()
	}
	if o.Grace <= 0 {
		o.Grace = engine.DefaultGracePeriod
	}
	logrus.Infof("spawning %d ranks, run tag %s", o.Ranks, o.RunTag)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu    sync.Mutex
		first error
	)
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if first == nil {
			first = err
		}
	}

	var g errgroup.Group
	for ordinal := 0; ordinal < o.Ranks; ordinal++ {
		child := exec.CommandContext(ctx, o.Command[0], o.Command[1:]...)
		child.Dir = o.Dir
		child.Stdout = o.Stdout
		child.Stderr = o.Stderr
		child.Env = append(os.Environ(),
			remd.EnvRank+"="+strconv.Itoa(ordinal),
			remd.EnvWorldSize+"="+strconv.Itoa(o.Ranks),
			remd.EnvRunTag+"="+o.RunTag,
		)
		child.Cancel = func() error { return child.Process.Signal(syscall.SIGTERM) }
		child.WaitDelay = o.Grace
		if err := child.Start(); err != nil {
			record(fmt.Errorf("rank %d: starting: %w", ordinal, err))
			cancel()
			break
		}
		g.Go(func() error {
			err := child.Wait()
			if err == nil {
				logrus.Debugf("rank %d exited cleanly", ordinal)
				return nil
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
				logrus.Warnf("rank %d exited with status %d", ordinal, exitErr.ExitCode())
				record(&exitStatus{code: exitErr.ExitCode(),
					err: fmt.Errorf("rank %d exited with status %d", ordinal, exitErr.ExitCode())})
				return nil
			}
			logrus.Warnf("rank %d: %v", ordinal, err)
			record(fmt.Errorf("rank %d: %w", ordinal, err))
			return nil
		})
	}
	_ = g.Wait()
	return first
}

func init() {
	spawnCmd.Flags().IntVar(&spawnRanks, "ranks", 1, "Number of local ranks to start")
	spawnCmd.Flags().StringVar(&spawnTag, "run-tag", "", "Shared run tag (default: random)")
	spawnCmd.Flags().DurationVar(&spawnGrace, "grace", engine.DefaultGracePeriod, "Time children get after SIGTERM before they are killed")
}

// Package engine hands a bootstrapped rank off to the external simulation
// engine as a child process with the rank's device and seed in its
// environment.
package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ctava-msft/d3-meld/remd"
)

// DefaultGracePeriod is how long the engine may run after SIGTERM before it
// is killed.
const DefaultGracePeriod = 10 * time.Second

// Candidates are the engine entry points tried in order when no command is
// configured.
var Candidates = [][]string{
	{"launch_remd", "--platform", "CUDA"},
	{"launch_remd_multiplex", "--platform", "CUDA"},
}

// ErrNoEngine means none of the candidates is on PATH.
var ErrNoEngine = errors.New("neither launch_remd nor launch_remd_multiplex found on PATH")

// Discover returns the first candidate whose binary lookPath can resolve.
func Discover(lookPath func(string) (string, error)) ([]string, error) {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	for _, c := range Candidates {
		if _, err := lookPath(c[0]); err == nil {
			return append([]string(nil), c...), nil
		}
	}
	return nil, ErrNoEngine
}

// Spec describes one engine process.
type Spec struct {
	Command        []string // empty means Discover
	Dir            string
	Rank           remd.RankContext
	Device         remd.DeviceID
	RanksPerDevice int
	BlocksDir      string // exported only when it differs from the shared directory
	Seed           int64
	RunTag         string
	Stdout         io.Writer
	Stderr         io.Writer
	GracePeriod    time.Duration
	Log            *logrus.Entry
}

// Environment returns the variables layered over the parent environment.
func (s Spec) Environment() []string {
	env := []string{
		remd.EnvVisibleDevices + "=" + string(s.Device),
		remd.EnvRank + "=" + strconv.Itoa(s.Rank.Ordinal),
		remd.EnvRandomSeed + "=" + strconv.FormatInt(s.Seed, 10),
		"PYTHONUNBUFFERED=1",
	}
	if s.Rank.WorldSize > 0 {
		env = append(env, remd.EnvWorldSize+"="+strconv.Itoa(s.Rank.WorldSize))
	}
	if s.RanksPerDevice > 0 {
		env = append(env, remd.EnvRanksPerDevice+"="+strconv.Itoa(s.RanksPerDevice))
	}
	if s.BlocksDir != "" {
		env = append(env, remd.EnvBlocksDir+"="+s.BlocksDir)
	}
	if s.RunTag != "" {
		env = append(env, remd.EnvRunTag+"="+s.RunTag)
	}
	return env
}

// Run starts the engine and waits for it. Cancelling ctx sends SIGTERM and
// kills the engine after GracePeriod. Every failure is a *remd.EngineError.
func Run(ctx context.Context, s Spec) error {
	argv := s.Command
	if len(argv) == 0 {
		var err error
		if argv, err = Discover(nil); err != nil {
			return &remd.EngineError{Command: "launch_remd", Err: err}
		}
	}
	log := s.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	name := strings.Join(argv, " ")

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), s.Environment()...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = s.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultGracePeriod
	}

	log.Infof("starting engine: %s (device %s, seed %d)", name, s.Device, s.Seed)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return &remd.EngineError{Command: name, Err: err}
	}
	err := cmd.Wait()
	if err == nil {
		log.Infof("engine exited cleanly after %s", time.Since(start).Round(time.Second))
		return nil
	}
	if ctx.Err() != nil {
		return &remd.EngineError{Command: name, Err: ctx.Err()}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &remd.EngineError{Command: name, ExitCode: exitErr.ExitCode(), Err: err}
	}
	return &remd.EngineError{Command: name, Err: err}
}

package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Setup is the external collaborator that materializes the DataStore.
type Setup interface {
	Materialize(ctx context.Context, storePath string) error
}

// SetupFunc adapts a function to Setup.
type SetupFunc func(ctx context.Context, storePath string) error

// Materialize calls f.
func (f SetupFunc) Materialize(ctx context.Context, storePath string) error { return f(ctx, storePath) }

// CommandSetup runs an external program (for example "python setup_meld.py")
// from the run's working directory.
type CommandSetup struct {
	Command []string
	Dir     string
	Env     []string
	Stdout  io.Writer
	Stderr  io.Writer
}

// ErrNoSetupCommand is returned when the store is absent and no setup
// command was configured.
var ErrNoSetupCommand = errors.New("no setup command configured")

// Materialize runs the command and waits for it to exit.
func (s CommandSetup) Materialize(ctx context.Context, storePath string) error {
	if len(s.Command) == 0 {
		return ErrNoSetupCommand
	}
	cmd := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, "MELD_DATA_STORE="+storePath)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", strings.Join(s.Command, " "), err)
	}
	return nil
}

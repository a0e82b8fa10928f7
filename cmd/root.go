package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ctava-msft/d3-meld/remd"
)

var (
	logLevel string // Log verbosity level
	workdir  string // Shared working directory holding Data/, Logs/ and Checkpoints/
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:           "d3-meld",
	Short:         "Launch coordination for multi-GPU MELD replica exchange runs",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
	},
}

// rankError attaches the failing rank to a fatal error so the diagnostic on
// stderr always names the ordinal.
type rankError struct {
	ordinal int
	err     error
}

func (e *rankError) Error() string { return fmt.Sprintf("rank %d: %v", e.ordinal, e.err) }
func (e *rankError) Unwrap() error { return e.err }

// exitStatus forces a specific process exit status, used by spawn to mirror
// a child's code.
type exitStatus struct {
	code int
	err  error
}

func (e *exitStatus) Error() string { return e.err.Error() }
func (e *exitStatus) Unwrap() error { return e.err }

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	var forced *exitStatus
	if errors.As(err, &forced) {
		return forced.code
	}
	return remd.ExitCode(err)
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVar(&workdir, "workdir", ".", "Shared working directory visible to every rank")

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &remd.ConfigurationError{Field: "flags", Reason: err.Error()}
	})

	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(spawnCmd)
	rootCmd.AddCommand(statusCmd)
}

package remd

import (
	"errors"
	"fmt"
	"time"
)

// Process exit codes. Each fatal class keeps its own code so operational
// scripts can tell a bad flag apart from a stuck bootstrap.
const (
	ExitOK               = 0
	ExitUnclassified     = 1
	ExitConfiguration    = 2
	ExitCapacityExceeded = 3
	ExitBootstrapTimeout = 4
	ExitSetupFailure     = 5
	ExitEngineFailure    = 6
	ExitMergeConflict    = 7
)

// ConfigurationError reports bad or contradictory launch inputs.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// CapacityExceededError reports a rank count above len(devices)*ranksPerDevice
// without explicit oversubscription.
type CapacityExceededError struct {
	Requested int
	Capacity  int
	Devices   int
	PerDevice int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded: %d ranks requested but %d devices x %d ranks per device = %d (pass --oversubscribe to allow)",
		e.Requested, e.Devices, e.PerDevice, e.Capacity)
}

// BootstrapTimeoutError reports that a waiting rank never observed the
// condition it was waiting for.
type BootstrapTimeoutError struct {
	Waiting string // human description of the awaited condition
	Timeout time.Duration
	Elapsed time.Duration
}

func (e *BootstrapTimeoutError) Error() string {
	return fmt.Sprintf("bootstrap timeout: %s not observed after %s (limit %s)",
		e.Waiting, e.Elapsed.Round(time.Millisecond), e.Timeout)
}

// SetupError wraps a failure of the external setup collaborator.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string { return "data store setup failed: " + e.Err.Error() }
func (e *SetupError) Unwrap() error { return e.Err }

// CorruptArtifactError describes a block artifact that failed structural
// validation. It is handled by the leader and never returned from bootstrap.
type CorruptArtifactError struct {
	Path   string
	Reason string
}

func (e *CorruptArtifactError) Error() string {
	return fmt.Sprintf("corrupt artifact %s: %s", e.Path, e.Reason)
}

// MergeFailure describes one scratch artifact that could not be merged.
type MergeFailure struct {
	Source      string
	Destination string
	Err         error
}

func (e *MergeFailure) Error() string {
	return fmt.Sprintf("merge %s -> %s: %v", e.Source, e.Destination, e.Err)
}

func (e *MergeFailure) Unwrap() error { return e.Err }

// ErrDestinationExists marks a merge collision under the fail policy.
var ErrDestinationExists = errors.New("destination already exists")

// EngineError wraps a failure to start or run the external simulation engine.
type EngineError struct {
	Command  string
	ExitCode int
	Err      error
}

func (e *EngineError) Error() string {
	if e.ExitCode > 0 {
		return fmt.Sprintf("engine %q exited with status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("engine %q: %v", e.Command, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// ExitCode maps an error from the launch path to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		cfgErr     *ConfigurationError
		capErr     *CapacityExceededError
		timeoutErr *BootstrapTimeoutError
		setupErr   *SetupError
		engineErr  *EngineError
		mergeErr   *MergeFailure
	)
	switch {
	case errors.As(err, &cfgErr):
		return ExitConfiguration
	case errors.As(err, &capErr):
		return ExitCapacityExceeded
	case errors.As(err, &timeoutErr):
		return ExitBootstrapTimeout
	case errors.As(err, &setupErr):
		return ExitSetupFailure
	case errors.As(err, &engineErr):
		return ExitEngineFailure
	case errors.As(err, &mergeErr):
		return ExitMergeConflict
	default:
		return ExitUnclassified
	}
}

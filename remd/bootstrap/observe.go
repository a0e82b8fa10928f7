package bootstrap

import (
	"errors"
	"os"

	"github.com/ctava-msft/d3-meld/remd"
	"github.com/ctava-msft/d3-meld/remd/barrier"
	"github.com/ctava-msft/d3-meld/remd/blocks"
)

// Observe reports the DataStore state from the filesystem without changing it.
// An empty runTag accepts a readiness sentinel from any run.
func Observe(l remd.Layout, runTag string, v blocks.Validator) (State, error) {
	if v == nil {
		v = blocks.HeaderValidator{}
	}
	if err := v.Validate(l.FirstBlockPath()); err != nil {
		var corrupt *remd.CorruptArtifactError
		if errors.As(err, &corrupt) {
			return StateCorrupt, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}
	if _, err := os.Stat(l.DataStorePath()); err != nil {
		if os.IsNotExist(err) {
			return StateAbsent, nil
		}
		return "", err
	}
	s, err := barrier.ReadSentinel(l.ReadyPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StateInitializing, nil
		}
		return "", err
	}
	if runTag != "" && s.RunTag != runTag {
		return StateInitializing, nil
	}
	return StateReady, nil
}

package blocks

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/ctava-msft/d3-meld/remd"
)

// Outcome is the result of a corruption check.
type Outcome string

const (
	// OutcomeAbsent: no artifact existed; nothing to do.
	OutcomeAbsent Outcome = "absent"
	// OutcomeValid: the artifact opened and was left untouched.
	OutcomeValid Outcome = "valid"
	// OutcomeRemoved: the artifact was corrupt and has been deleted.
	OutcomeRemoved Outcome = "removed"
)

// Detector probes the first block artifact left by a prior partial run.
// It runs on the global leader only, before the store leaves Absent/Corrupt.
type Detector struct {
	validator Validator
	log       *logrus.Entry
}

// NewDetector returns a Detector using v, or HeaderValidator if v is nil.
func NewDetector(v Validator, log *logrus.Entry) *Detector {
	if v == nil {
		v = HeaderValidator{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Detector{validator: v, log: log}
}

// Check validates path once. A structurally invalid artifact is deleted and
// reported as OutcomeRemoved; the corruption itself is never returned.
// Errors are only returned when the file cannot be inspected or removed.
func (d *Detector) Check(path string) (Outcome, error) {
	err := d.validator.Validate(path)
	if err == nil {
		d.log.Debugf("block %s passed structural check", path)
		return OutcomeValid, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return OutcomeAbsent, nil
	}
	var corrupt *remd.CorruptArtifactError
	if !errors.As(err, &corrupt) {
		return "", fmt.Errorf("checking %s: %w", path, err)
	}
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return "", fmt.Errorf("removing corrupt block %s: %w", path, rmErr)
	}
	d.log.Warnf("removed corrupt block from a previous run (%s); the data store will be recreated", corrupt.Reason)
	return OutcomeRemoved, nil
}

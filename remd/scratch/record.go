// Package scratch isolates a rank's block writes in a private region and
// merges them into the shared block directory once, at exit.
// It depends on remd for layout and policy types only.
package scratch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Outcome is what happened to one scratch artifact during merge.
type Outcome string

const (
	// OutcomeMerged: copied to a fresh destination.
	OutcomeMerged Outcome = "merged"
	// OutcomeSkipped: destination existed and was left untouched.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeOverwritten: destination existed and was replaced.
	OutcomeOverwritten Outcome = "overwritten"
	// OutcomeFailed: nothing was written; see Reason.
	OutcomeFailed Outcome = "failed"
)

// MergeRecord captures the merge of a single scratch artifact. SourceSize and
// SourceModTime identify the version of the source that was handled.
type MergeRecord struct {
	Rank          int       `yaml:"rank"`
	Source        string    `yaml:"source"`
	SourceSize    int64     `yaml:"source_size"`
	SourceModTime time.Time `yaml:"source_mod_time"`
	Destination   string    `yaml:"destination"`
	Bytes         int64     `yaml:"bytes"`
	Outcome       Outcome   `yaml:"outcome"`
	Reason        string    `yaml:"reason,omitempty"`
}

// handles reports whether r already accounts for a source with this size and
// modification time. Failed records never do, so those sources are retried.
func (r MergeRecord) handles(a artifact) bool {
	return r.Outcome != OutcomeFailed && r.Source == a.path &&
		r.SourceSize == a.size && r.SourceModTime.Equal(a.modTime)
}

// Manifest is written into the scratch region after every merge. It lists
// every source version handled so far, across runs; RunTag is the run that
// wrote it last.
type Manifest struct {
	RunTag   string        `yaml:"run_tag"`
	Rank     int           `yaml:"rank"`
	Policy   string        `yaml:"policy"`
	MergedAt time.Time     `yaml:"merged_at"`
	Records  []MergeRecord `yaml:"records"`
}

// ReadManifest loads the manifest at path. A missing manifest returns an
// error satisfying errors.Is(err, os.ErrNotExist).
func ReadManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing merge manifest %s: %w", path, err)
	}
	return m, nil
}

func writeManifest(path string, m Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling merge manifest: %w", err)
	}
	return writeAtomic(path, func(f *os.File) error {
		_, err := f.Write(data)
		return err
	})
}

// writeAtomic fills a temp file next to dst via fill, syncs it and renames it
// over dst. On any failure dst is unchanged and the temp file is removed.
func writeAtomic(dst string, fill func(*os.File) error) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".merge-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// ErrAlreadyMerged is returned by Merge when the manifest already accounts
// for every artifact in the region.
var ErrAlreadyMerged = errors.New("scratch region has no unmerged artifacts")

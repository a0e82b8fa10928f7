package remd

import (
	"fmt"
	"path/filepath"
)

// Layout resolves the persisted on-disk contract relative to a shared working
// directory. Every rank must construct it from the same root.
type Layout struct {
	Root string
}

// NewLayout returns a Layout rooted at dir.
func NewLayout(dir string) Layout {
	return Layout{Root: dir}
}

// DataDir holds the DataStore, the readiness sentinel, blocks and scratch regions.
func (l Layout) DataDir() string { return filepath.Join(l.Root, "Data") }

// DataStorePath is the single shared DataStore artifact.
func (l Layout) DataStorePath() string { return filepath.Join(l.DataDir(), "data_store.dat") }

// ReadyPath is the readiness sentinel, written only after the DataStore is valid.
func (l Layout) ReadyPath() string { return filepath.Join(l.DataDir(), ".datastore_ready") }

// BlocksDir is the shared block directory.
func (l Layout) BlocksDir() string { return filepath.Join(l.DataDir(), "Blocks") }

// BlockPath returns the shared path of block seq.
func (l Layout) BlockPath(seq int) string {
	return filepath.Join(l.BlocksDir(), BlockName(seq))
}

// FirstBlockPath is block sequence 0, load-bearing for corruption detection
// and non-leader readiness.
func (l Layout) FirstBlockPath() string { return l.BlockPath(0) }

// ScratchRoot holds every rank's private scratch region.
func (l Layout) ScratchRoot() string { return filepath.Join(l.DataDir(), "Scratch") }

// ScratchDir is the private region owned by ordinal.
func (l Layout) ScratchDir(ordinal int) string {
	return filepath.Join(l.ScratchRoot(), fmt.Sprintf("rank_%03d", ordinal))
}

// ScratchBlocksDir is where the engine of ordinal writes blocks under isolation.
func (l Layout) ScratchBlocksDir(ordinal int) string {
	return filepath.Join(l.ScratchDir(ordinal), "Blocks")
}

// MergeManifestPath records the outcome of ordinal's merge.
func (l Layout) MergeManifestPath(ordinal int) string {
	return filepath.Join(l.ScratchDir(ordinal), "merge.yaml")
}

// LogsDir holds per-rank log files.
func (l Layout) LogsDir() string { return filepath.Join(l.Root, "Logs") }

// RankLogPath is ordinal's log file.
func (l Layout) RankLogPath(ordinal int) string {
	return filepath.Join(l.LogsDir(), fmt.Sprintf("remd_%03d.log", ordinal))
}

// CheckpointsDir holds rotated checkpoint snapshots.
func (l Layout) CheckpointsDir() string { return filepath.Join(l.Root, "Checkpoints") }

// BlockName formats the file name of block seq.
func BlockName(seq int) string {
	return fmt.Sprintf("block_%06d.nc", seq)
}

// MergedBlockName tags a scratch artifact name with the producing ordinal so
// two ranks' blocks with the same local sequence never share a destination.
// "block_000004.nc" from rank 3 becomes "block_000004.rank003.nc".
func MergedBlockName(name string, ordinal int) string {
	ext := filepath.Ext(name)
	stem := name[:len(name)-len(ext)]
	return fmt.Sprintf("%s.rank%03d%s", stem, ordinal, ext)
}

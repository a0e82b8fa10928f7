package rotation

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ctava-msft/d3-meld/remd"
	"github.com/ctava-msft/d3-meld/remd/blocks"
)

// SnapshotTimeFormat names checkpoint directories.
const SnapshotTimeFormat = "20060102T150405Z"

// CheckpointHook snapshots the DataStore and the newest block into
// Checkpoints/<timestamp>[.<tag>]/ and keeps the newest Keep snapshots.
type CheckpointHook struct {
	Layout    remd.Layout
	BlocksDir string // defaults to Layout.BlocksDir()
	Tag       string // distinguishes owners when several ranks rotate
	Keep      int
	Log       *logrus.Entry
}

// Rotate takes one snapshot and prunes old ones.
func (h *CheckpointHook) Rotate(ctx context.Context, at time.Time) error {
	name := at.UTC().Format(SnapshotTimeFormat)
	if h.Tag != "" {
		name += "." + h.Tag
	}
	dir := filepath.Join(h.Layout.CheckpointsDir(), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint %s: %w", dir, err)
	}

	copied := 0
	if _, err := os.Stat(h.Layout.DataStorePath()); err == nil {
		if err := snapshotFile(h.Layout.DataStorePath(), dir); err != nil {
			return err
		}
		copied++
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	blocksDir := h.BlocksDir
	if blocksDir == "" {
		blocksDir = h.Layout.BlocksDir()
	}
	latest, ok, err := blocks.Latest(blocksDir)
	if err != nil {
		return err
	}
	if ok {
		if err := snapshotFile(filepath.Join(blocksDir, latest.Name), dir); err != nil {
			return err
		}
		copied++
	}
	h.logger().Infof("checkpoint %s: %d artifacts", dir, copied)
	return h.prune()
}

func (h *CheckpointHook) logger() *logrus.Entry {
	if h.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return h.Log
}

// prune removes the oldest snapshots carrying this hook's tag beyond Keep.
func (h *CheckpointHook) prune() error {
	if h.Keep <= 0 {
		return nil
	}
	snaps, err := Snapshots(h.Layout, h.Tag)
	if err != nil {
		return err
	}
	for len(snaps) > h.Keep {
		old := filepath.Join(h.Layout.CheckpointsDir(), snaps[0])
		if err := os.RemoveAll(old); err != nil {
			return fmt.Errorf("pruning checkpoint %s: %w", old, err)
		}
		h.logger().Debugf("pruned checkpoint %s", old)
		snaps = snaps[1:]
	}
	return nil
}

// Snapshots lists checkpoint directory names with tag, oldest first.
func Snapshots(l remd.Layout, tag string) ([]string, error) {
	entries, err := os.ReadDir(l.CheckpointsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		stamp, entryTag, _ := strings.Cut(e.Name(), ".")
		if entryTag != tag {
			continue
		}
		if _, err := time.Parse(SnapshotTimeFormat, stamp); err != nil {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// snapshotFile copies src into dir through a temp file so a snapshot never
// holds a partial copy.
func snapshotFile(src, dir string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, filepath.Base(src)))
}

package cmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ctava-msft/d3-meld/internal/testutil"
	"github.com/ctava-msft/d3-meld/remd"
)

func TestBuildStatus_EmptyWorkdir(t *testing.T) {
	l := remd.NewLayout(t.TempDir())

	r, err := buildStatus(l, "")

	require.NoError(t, err)
	assert.Equal(t, "Absent", r.State)
	assert.Zero(t, r.Blocks)
	assert.Empty(t, r.PendingMerges)
	assert.Empty(t, r.Checkpoints)
}

func TestBuildStatus_PopulatedRun(t *testing.T) {
	// GIVEN a ready store, two shared blocks, one merged artifact,
	// an unmerged scratch region and a checkpoint
	l := remd.NewLayout(t.TempDir())
	testutil.WriteFile(t, l.DataStorePath(), []byte("store"))
	testutil.WriteFile(t, l.ReadyPath(), []byte("run_tag: run-9\n"))
	testutil.WriteValidBlock(t, l.BlockPath(0), "a")
	testutil.WriteValidBlock(t, l.BlockPath(1), "b")
	testutil.WriteValidBlock(t, filepath.Join(l.BlocksDir(), "block_000000.rank002.nc"), "m")
	testutil.WriteValidBlock(t, filepath.Join(l.ScratchBlocksDir(3), "block_000000.nc"), "s")
	testutil.WriteFile(t, filepath.Join(l.CheckpointsDir(), "20260101T000000Z", "data_store.dat"), []byte("store"))

	// WHEN status is built for the matching tag
	r, err := buildStatus(l, "run-9")

	// THEN every count reflects the directory
	require.NoError(t, err)
	assert.Equal(t, "Ready", r.State)
	assert.Equal(t, "run-9", r.ReadyRunTag)
	assert.Equal(t, 2, r.Blocks)
	assert.Equal(t, "block_000001.nc", r.LatestBlock)
	assert.Equal(t, 1, r.Merged)
	assert.Equal(t, []int{3}, r.PendingMerges)
	assert.Equal(t, []string{"20260101T000000Z"}, r.Checkpoints)

	out, err := yaml.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(out), "state: Ready")
}

func TestBuildStatus_OtherRunTagIsInitializing(t *testing.T) {
	l := remd.NewLayout(t.TempDir())
	testutil.WriteFile(t, l.DataStorePath(), []byte("store"))
	testutil.WriteFile(t, l.ReadyPath(), []byte("run_tag: old\n"))

	r, err := buildStatus(l, "new")

	require.NoError(t, err)
	assert.Equal(t, "Initializing", r.State)
	assert.Equal(t, "old", r.ReadyRunTag)
}

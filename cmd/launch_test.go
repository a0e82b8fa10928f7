package cmd

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctava-msft/d3-meld/internal/testutil"
	"github.com/ctava-msft/d3-meld/remd"
	"github.com/ctava-msft/d3-meld/remd/barrier"
)

func envOf(kv map[string]string) remd.LookupFunc {
	return func(key string) (string, bool) {
		v, ok := kv[key]
		return v, ok
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// testOptions returns launch options for a temp workdir with fast polling.
// Scripts are written into the workdir and run from it.
func testOptions(t *testing.T, dir string) launchOptions {
	t.Helper()
	testutil.WriteFile(t, filepath.Join(dir, "setup.sh"), []byte(`printf store > "$MELD_DATA_STORE"`+"\n"))
	testutil.WriteFile(t, filepath.Join(dir, "engine.sh"), []byte(strings.Join([]string{
		`out="${MELD_BLOCKS_DIR:-Data/Blocks}"`,
		`mkdir -p "$out"`,
		`echo "frames from $MELD_RANK" > "$out/block_000000.nc"`,
		`echo "device=$CUDA_VISIBLE_DEVICES seed=$MELD_RANDOM_SEED"`,
	}, "\n")+"\n"))
	testutil.WriteFile(t, filepath.Join(dir, "fail.sh"), []byte("exit 1\n"))
	return launchOptions{
		Devices:          "0,1",
		RanksPerDevice:   1,
		MergePolicy:      string(remd.MergeSkip),
		RotationInterval: 600,
		RotationOwner:    string(remd.RotateGlobalLeader),
		Barrier:          string(remd.BarrierFile),
		PollInterval:     5 * time.Millisecond,
		BootstrapTimeout: 2 * time.Second,
		RunTag:           "test",
		SeedBase:         7,
		CheckpointKeep:   3,
		SetupCommand:     "sh setup.sh",
		EngineCommand:    "sh engine.sh",
		Workdir:          dir,
	}
}

func TestRunLaunch_CapacityExceeded_FailsBeforeBootstrap(t *testing.T) {
	// GIVEN two devices, one rank per device, and five requested ranks
	dir := t.TempDir()
	o := testOptions(t, dir)
	o.Ranks = 5

	// WHEN the launch resolves its configuration
	err := runLaunch(context.Background(), o, envOf(nil))

	// THEN it fails with the capacity exit code before touching shared state
	var capErr *remd.CapacityExceededError
	require.True(t, errors.As(err, &capErr), "got %v", err)
	assert.Equal(t, remd.ExitCapacityExceeded, exitCode(err))
	assert.True(t, strings.HasPrefix(err.Error(), "rank 0: capacity exceeded"), err.Error())
	assert.False(t, testutil.Exists(t, filepath.Join(dir, "Data")))
}

func TestRunLaunch_SurplusRankIdles(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(t, dir)
	o.Devices = "0"
	o.RanksPerDevice = 2
	o.RanksPerDeviceSet = true

	err := runLaunch(context.Background(), o, envOf(map[string]string{
		remd.EnvRank: "3", remd.EnvWorldSize: "4",
	}))

	assert.NoError(t, err)
	assert.False(t, testutil.Exists(t, filepath.Join(dir, "Data")))
	assert.False(t, testutil.Exists(t, filepath.Join(dir, "Logs")))
}

func TestRunLaunch_LeaderThenIsolatedWorker(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	o := testOptions(t, dir)
	o.ScratchIsolation = true
	layout := remd.NewLayout(dir)

	// GIVEN the global leader bootstraps an empty directory and runs its engine
	err := runLaunch(context.Background(), o, envOf(map[string]string{
		remd.EnvRank: "0", remd.EnvWorldSize: "2",
	}))
	require.NoError(t, err)
	assert.Equal(t, "store", testutil.ReadFile(t, layout.DataStorePath()))
	assert.True(t, testutil.Exists(t, layout.ReadyPath()))
	assert.Contains(t, testutil.ReadFile(t, layout.RankLogPath(0)), "device=0 seed=7")

	// WHEN a worker with scratch isolation runs next
	err = runLaunch(context.Background(), o, envOf(map[string]string{
		remd.EnvRank: "1", remd.EnvWorldSize: "2",
	}))

	// THEN its block lands in its scratch region and is merged under its ordinal
	require.NoError(t, err)
	assert.Contains(t, testutil.ReadFile(t, layout.RankLogPath(1)), "device=1 seed=8")
	assert.Contains(t, testutil.ReadFile(t, filepath.Join(layout.ScratchBlocksDir(1), "block_000000.nc")), "frames from 1")
	merged := filepath.Join(layout.BlocksDir(), "block_000000.rank001.nc")
	assert.Contains(t, testutil.ReadFile(t, merged), "frames from 1")
	assert.Contains(t, testutil.ReadFile(t, layout.FirstBlockPath()), "frames from 0", "leader block untouched")
	assert.True(t, testutil.Exists(t, layout.MergeManifestPath(1)))
}

func TestRunLaunch_DefaultRunTag_LaterRunStillMerges(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	o := testOptions(t, dir)
	o.ScratchIsolation = true
	o.RunTag = remd.DefaultRunTag
	layout := remd.NewLayout(dir)
	leader := envOf(map[string]string{remd.EnvRank: "0", remd.EnvWorldSize: "2"})
	worker := envOf(map[string]string{remd.EnvRank: "1", remd.EnvWorldSize: "2"})

	// GIVEN a complete first run under the default run tag
	require.NoError(t, runLaunch(context.Background(), o, leader))
	require.NoError(t, runLaunch(context.Background(), o, worker))
	require.True(t, testutil.Exists(t, layout.MergeManifestPath(1)))

	// WHEN a second run, same tag, leaves a new block in rank 1's region
	require.NoError(t, runLaunch(context.Background(), o, leader))
	testutil.WriteValidBlock(t, filepath.Join(layout.ScratchBlocksDir(1), "block_000001.nc"), "second run")
	err := runLaunch(context.Background(), o, worker)

	// THEN the new block reaches the shared store
	require.NoError(t, err)
	merged := filepath.Join(layout.BlocksDir(), "block_000001.rank001.nc")
	assert.Contains(t, testutil.ReadFile(t, merged), "second run")
}

func TestRunLaunch_NextMPIJob_FollowerIgnoresPreviousReadiness(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	o := testOptions(t, dir)
	o.RunTag = remd.DefaultRunTag
	rankEnv := func(ordinal, job string) remd.LookupFunc {
		return envOf(map[string]string{
			"OMPI_COMM_WORLD_RANK":    ordinal,
			"OMPI_COMM_WORLD_SIZE":    "2",
			"OMPI_MCA_ess_base_jobid": job,
		})
	}

	// GIVEN mpirun job 100 completed and left its readiness signal behind
	require.NoError(t, runLaunch(context.Background(), o, rankEnv("0", "100")))
	require.NoError(t, runLaunch(context.Background(), o, rankEnv("1", "100")))
	s, err := barrier.ReadSentinel(remd.NewLayout(dir).ReadyPath())
	require.NoError(t, err)
	require.Equal(t, "job-100", s.RunTag)

	// WHEN rank 1 of job 200 starts before its leader
	o.BootstrapTimeout = 50 * time.Millisecond
	err = runLaunch(context.Background(), o, rankEnv("1", "200"))

	// THEN it waits for this job's leader and times out
	assert.Equal(t, remd.ExitBootstrapTimeout, exitCode(err), "got %v", err)
}

func TestRunLaunch_FollowerWithoutLeader_TimesOut(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(t, dir)
	o.BootstrapTimeout = 30 * time.Millisecond

	err := runLaunch(context.Background(), o, envOf(map[string]string{
		remd.EnvRank: "1", remd.EnvWorldSize: "2",
	}))

	assert.Equal(t, remd.ExitBootstrapTimeout, exitCode(err))
	assert.True(t, strings.HasPrefix(err.Error(), "rank 1: bootstrap timeout"), err.Error())
}

func TestRunLaunch_SetupFailure(t *testing.T) {
	requireShell(t)
	o := testOptions(t, t.TempDir())
	o.SetupCommand = "sh fail.sh"

	err := runLaunch(context.Background(), o, envOf(nil))

	assert.Equal(t, remd.ExitSetupFailure, exitCode(err))
	assert.True(t, strings.HasPrefix(err.Error(), "rank 0: data store setup failed"), err.Error())
}

func TestRunLaunch_EngineFailure(t *testing.T) {
	requireShell(t)
	o := testOptions(t, t.TempDir())
	o.EngineCommand = "sh fail.sh"

	err := runLaunch(context.Background(), o, envOf(nil))

	assert.Equal(t, remd.ExitEngineFailure, exitCode(err))
}

func TestRunLaunch_MalformedRankMarker(t *testing.T) {
	o := testOptions(t, t.TempDir())

	err := runLaunch(context.Background(), o, envOf(map[string]string{remd.EnvRank: "two"}))

	assert.Equal(t, remd.ExitConfiguration, exitCode(err))
	assert.True(t, strings.HasPrefix(err.Error(), "rank 0: configuration error"), err.Error())
}

func TestRunLaunch_RanksPerDeviceFromEnvironment(t *testing.T) {
	// GIVEN MELD_RANKS_PER_GPU=2 with one device and no --ranks-per-device
	dir := t.TempDir()
	o := testOptions(t, dir)
	o.Devices = "0"

	// WHEN rank 2 of 3 resolves against a capacity of 2
	err := runLaunch(context.Background(), o, envOf(map[string]string{
		remd.EnvRank: "2", remd.EnvWorldSize: "3", remd.EnvRanksPerDevice: "2",
	}))

	// THEN rank 2 is surplus and idles rather than failing
	assert.NoError(t, err)
	assert.False(t, testutil.Exists(t, filepath.Join(dir, "Data")))
}

func TestExitCode_ForcedAndRankWrapped(t *testing.T) {
	assert.Equal(t, 9, exitCode(&exitStatus{code: 9, err: errors.New("child failed")}))
	assert.Equal(t, remd.ExitSetupFailure, exitCode(&rankError{ordinal: 2, err: &remd.SetupError{Err: errors.New("x")}}))
	assert.Equal(t, "rank 2: data store setup failed: x",
		(&rankError{ordinal: 2, err: &remd.SetupError{Err: errors.New("x")}}).Error())
	assert.Equal(t, remd.ExitOK, exitCode(nil))
}

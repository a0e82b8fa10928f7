package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ctava-msft/d3-meld/remd"
	"github.com/ctava-msft/d3-meld/remd/barrier"
	"github.com/ctava-msft/d3-meld/remd/bootstrap"
	"github.com/ctava-msft/d3-meld/remd/engine"
	"github.com/ctava-msft/d3-meld/remd/ranklog"
	"github.com/ctava-msft/d3-meld/remd/rotation"
	"github.com/ctava-msft/d3-meld/remd/scratch"
)

var (
	// Device selection
	devicesFlag        string // Comma-separated device list; empty = CUDA_VISIBLE_DEVICES, then nvidia-smi
	ranksPerDevice     int    // Ranks sharing one device
	ranks              int    // Explicit total rank override, validated against capacity
	defaultRanks       int    // Target rank count when no override is given
	allowOversubscribe bool   // Permit more ranks than devices x ranks-per-device

	// Isolation and recovery
	scratchIsolation bool   // Non-leader ranks write blocks to a private region
	forceReinit      bool   // Back up and discard shared state before bootstrap
	cleanData        bool   // Remove scratch regions and merged artifacts before bootstrap
	mergePolicy      string // skip, overwrite or fail on an existing merge destination

	// Timing
	rotationInterval int           // Checkpoint rotation period in seconds
	rotationOwner    string        // global or device
	barrierBackend   string        // file or watch
	pollInterval     time.Duration // Readiness poll cadence
	bootstrapTimeout time.Duration // Bound on every bootstrap wait

	// Engine hand-off
	runTag         string // Identifies this run in the readiness signal and merge manifests
	seedBase       int64  // MELD_RANDOM_SEED = seed-base + ordinal
	timestampLogs  bool   // Stamp engine output lines in the rank log
	checkpointKeep int    // Snapshots retained by rotation
	setupCommand   string // Command that materializes the data store
	engineCommand  string // Engine command; empty = launch_remd or launch_remd_multiplex
	redirectStdio  bool   // Point the process's stdout and stderr at the rank log
	configPath     string // Optional YAML defaults file
)

// launchOptions is the flag state handed to runLaunch.
type launchOptions struct {
	Devices            string
	RanksPerDevice     int
	RanksPerDeviceSet  bool
	Ranks              int
	DefaultRanks       int
	AllowOversubscribe bool
	ScratchIsolation   bool
	ForceReinit        bool
	CleanData          bool
	MergePolicy        string
	RotationInterval   int
	RotationOwner      string
	Barrier            string
	PollInterval       time.Duration
	BootstrapTimeout   time.Duration
	RunTag             string
	RunTagSet          bool
	SeedBase           int64
	TimestampLogs      bool
	CheckpointKeep     int
	SetupCommand       string
	EngineCommand      string
	RedirectStdio      bool
	Workdir            string
	Detector           remd.DeviceDetector
}

// launchCmd coordinates one rank from bootstrap to merge.
var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Bootstrap the shared data store and run this rank's engine",
	Long: `launch runs once per rank, under mpirun, srun or "d3-meld spawn".
Ordinal 0 creates or repairs Data/data_store.dat and publishes the readiness
signal; every other rank waits for it, then hands off to the engine.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			d, err := loadLaunchDefaults(configPath)
			if err == nil {
				err = applyLaunchDefaults(cmd, d)
			}
			if err != nil {
				return &rankError{ordinal: ordinalHint(os.LookupEnv),
					err: &remd.ConfigurationError{Field: "config", Reason: err.Error()}}
			}
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runLaunch(ctx, launchOptions{
			Devices:            devicesFlag,
			RanksPerDevice:     ranksPerDevice,
			RanksPerDeviceSet:  cmd.Flags().Changed("ranks-per-device"),
			Ranks:              ranks,
			DefaultRanks:       defaultRanks,
			AllowOversubscribe: allowOversubscribe,
			ScratchIsolation:   scratchIsolation,
			ForceReinit:        forceReinit,
			CleanData:          cleanData,
			MergePolicy:        mergePolicy,
			RotationInterval:   rotationInterval,
			RotationOwner:      rotationOwner,
			Barrier:            barrierBackend,
			PollInterval:       pollInterval,
			BootstrapTimeout:   bootstrapTimeout,
			RunTag:             runTag,
			RunTagSet:          cmd.Flags().Changed("run-tag"),
			SeedBase:           seedBase,
			TimestampLogs:      timestampLogs,
			CheckpointKeep:     checkpointKeep,
			SetupCommand:       setupCommand,
			EngineCommand:      engineCommand,
			RedirectStdio:      redirectStdio,
			Workdir:            workdir,
			Detector:           remd.NvidiaSMIDetector{},
		}, os.LookupEnv)
	},
}

// ordinalHint reads the rank ordinal for diagnostics, ignoring malformed markers.
func ordinalHint(lookup remd.LookupFunc) int {
	env, err := remd.ReadLaunchEnv(lookup)
	if err != nil {
		return 0
	}
	return env.Rank.Ordinal
}

// runLaunch resolves the run configuration for this rank and drives it. Every
// returned error names the rank ordinal.
func runLaunch(ctx context.Context, o launchOptions, lookup remd.LookupFunc) error {
	env, err := remd.ReadLaunchEnv(lookup)
	if err != nil {
		return &rankError{ordinal: ordinalHint(lookup), err: err}
	}
	rank := env.Rank
	fail := func(err error) error { return &rankError{ordinal: rank.Ordinal, err: err} }
	log := logrus.WithField("rank", rank.Ordinal)

	devices, err := remd.ResolveDevices(ctx, remd.ParseDeviceList(o.Devices), env, o.Detector)
	if err != nil {
		return fail(&remd.ConfigurationError{Field: "devices", Reason: err.Error()})
	}
	rpd := o.RanksPerDevice
	if !o.RanksPerDeviceSet && env.RanksPerDevice > 0 {
		rpd = env.RanksPerDevice
	}
	// The runtime's world size is the requested rank count unless one was
	// given; ranks above capacity then idle instead of failing the run.
	requested := o.DefaultRanks
	if requested == 0 && env.RankSource != "" {
		requested = rank.WorldSize
	}
	tag := o.RunTag
	if !o.RunTagSet && env.RunTag != "" {
		tag = env.RunTag
	}
	if !o.RunTagSet && env.RunTag == "" && tag == remd.DefaultRunTag {
		log.Warnf("no MPI or scheduler job id found; run tag defaults to %q, so a readiness signal "+
			"left by an earlier run in %s looks current. Set --run-tag or %s per run", tag, o.Workdir, remd.EnvRunTag)
	}

	cfg, err := remd.Resolve(remd.ResolveInput{
		Devices:                 devices,
		RanksPerDevice:          rpd,
		DefaultRanks:            requested,
		ExplicitRanks:           o.Ranks,
		AllowOversubscribe:      o.AllowOversubscribe,
		ScratchIsolation:        o.ScratchIsolation,
		RotationIntervalSeconds: o.RotationInterval,
		RunTag:                  tag,
		MergePolicy:             o.MergePolicy,
		RotationOwner:           o.RotationOwner,
		Barrier:                 o.Barrier,
		PollInterval:            o.PollInterval,
		BootstrapTimeout:        o.BootstrapTimeout,
		ForceReinit:             o.ForceReinit,
		CleanData:               o.CleanData,
		SeedBase:                o.SeedBase,
		TimestampLogs:           o.TimestampLogs,
		CheckpointKeep:          o.CheckpointKeep,
	})
	if err != nil {
		return fail(err)
	}
	if rank.Ordinal >= cfg.TotalRanks {
		log.Infof("%s is idle: the run uses %d ranks", rank, cfg.TotalRanks)
		return nil
	}
	a, err := remd.Assign(rank.Ordinal, cfg)
	if err != nil {
		return fail(err)
	}
	log = log.WithFields(logrus.Fields{"role": a.Role, "device": a.Device})
	if err := runRank(ctx, o, cfg, rank, a, env, log); err != nil {
		return fail(err)
	}
	return nil
}

// runRank is the per-rank control flow: log redirection, bootstrap barrier,
// scratch region, rotation timer, engine hand-off and merge at exit.
func runRank(ctx context.Context, o launchOptions, cfg remd.RunConfig, rank remd.RankContext,
	a remd.Assignment, env remd.LaunchEnv, log *logrus.Entry) (err error) {
	layout := remd.NewLayout(o.Workdir)

	sink, err := ranklog.Open(ranklog.Options{
		Layout:          layout,
		Ordinal:         rank.Ordinal,
		OutputSeparated: env.OutputSeparated,
		Timestamp:       cfg.TimestampLogs,
		RedirectStdio:   o.RedirectStdio,
		Logger:          logrus.StandardLogger(),
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sink.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing rank log: %w", cerr)
		}
	}()
	log.Infof("%s bound to device %s (index %d) of %d ranks, run tag %q",
		rank, a.Device, a.DeviceIndex, cfg.TotalRanks, cfg.RunTag)

	b, err := barrier.New(cfg.Barrier, barrier.Options{
		SentinelPath: layout.ReadyPath(),
		Requires:     []string{layout.DataStorePath()},
		RunTag:       cfg.RunTag,
		Interval:     cfg.PollInterval,
		Timeout:      cfg.BootstrapTimeout,
	})
	if err != nil {
		return err
	}
	coord, err := bootstrap.New(bootstrap.Config{
		Layout:  layout,
		Rank:    rank,
		Run:     cfg,
		Barrier: b,
		Setup: bootstrap.CommandSetup{
			Command: strings.Fields(o.SetupCommand),
			Dir:     o.Workdir,
			Stdout:  sink.Writer(),
			Stderr:  sink.Writer(),
		},
		Log: log,
	})
	if err != nil {
		return err
	}
	if _, err := coord.Run(ctx); err != nil {
		return err
	}

	mgr := scratch.NewManager(layout, rank, cfg, log)
	blocksDir, err := mgr.Prepare()
	if err != nil {
		return err
	}

	if remd.OwnsRotation(a, cfg) {
		hook := &rotation.CheckpointHook{Layout: layout, BlocksDir: blocksDir, Keep: cfg.CheckpointKeep, Log: log}
		if cfg.RotationOwner == remd.RotateDeviceLeaders {
			hook.Tag = fmt.Sprintf("dev%d", a.DeviceIndex)
		}
		rot := rotation.New(cfg.RotationInterval(), hook, log)
		if err := rot.Start(ctx); err != nil {
			return err
		}
		defer rot.Stop()
	}

	spec := engine.Spec{
		Command:        strings.Fields(o.EngineCommand),
		Dir:            o.Workdir,
		Rank:           rank,
		Device:         a.Device,
		RanksPerDevice: cfg.RanksPerDevice,
		Seed:           cfg.SeedBase + int64(rank.Ordinal),
		RunTag:         cfg.RunTag,
		Stdout:         sink.Writer(),
		Stderr:         sink.Writer(),
		Log:            log,
	}
	if mgr.Active() {
		spec.BlocksDir = blocksDir
	}
	engineErr := engine.Run(ctx, spec)

	// Merge runs on every exit path after the engine, including a signal.
	_, mergeErr := mgr.Merge(context.WithoutCancel(ctx))
	if errors.Is(mergeErr, scratch.ErrAlreadyMerged) {
		log.Info("scratch region holds no unmerged artifacts")
		mergeErr = nil
	}
	if engineErr != nil {
		return engineErr
	}
	return mergeErr
}

func init() {
	launchCmd.Flags().StringVar(&devicesFlag, "devices", "", "Comma-separated device IDs (default: CUDA_VISIBLE_DEVICES, then nvidia-smi)")
	launchCmd.Flags().IntVar(&ranksPerDevice, "ranks-per-device", remd.DefaultRanksPerDevice, "Ranks sharing one device (default from MELD_RANKS_PER_GPU when set)")
	launchCmd.Flags().IntVar(&ranks, "ranks", 0, "Explicit total rank count, validated against capacity (0 = unset)")
	launchCmd.Flags().IntVar(&defaultRanks, "default-ranks", 0, "Target rank count capped at capacity (0 = runtime world size, else capacity)")
	launchCmd.Flags().BoolVar(&allowOversubscribe, "oversubscribe", false, "Allow more ranks than devices x ranks-per-device")

	launchCmd.Flags().BoolVar(&scratchIsolation, "scratch-isolation", false, "Write non-leader blocks to a private scratch region merged at exit")
	launchCmd.Flags().BoolVar(&forceReinit, "force-reinit", false, "Move Data/ aside and recreate the data store")
	launchCmd.Flags().BoolVar(&cleanData, "clean-data", false, "Remove scratch regions and merged blocks, keeping the data store")
	launchCmd.Flags().StringVar(&mergePolicy, "merge-policy", string(remd.MergeSkip), "Existing merge destination: skip, overwrite or fail")

	launchCmd.Flags().IntVar(&rotationInterval, "rotation-interval", remd.DefaultRotationSeconds, "Checkpoint rotation period in seconds")
	launchCmd.Flags().StringVar(&rotationOwner, "rotation-owner", string(remd.RotateGlobalLeader), "Ranks that rotate checkpoints: global or device")
	launchCmd.Flags().StringVar(&barrierBackend, "barrier", string(remd.BarrierFile), "Readiness barrier backend: file or watch")
	launchCmd.Flags().DurationVar(&pollInterval, "poll-interval", remd.DefaultPollInterval, "Readiness poll interval")
	launchCmd.Flags().DurationVar(&bootstrapTimeout, "bootstrap-timeout", remd.DefaultBootstrapTimeout, "Bound on each bootstrap wait")

	launchCmd.Flags().StringVar(&runTag, "run-tag", remd.DefaultRunTag, "Run identifier (default from MELD_RUN_TAG, then the MPI or scheduler job id)")
	launchCmd.Flags().Int64Var(&seedBase, "seed-base", 0, "Base of the per-rank MELD_RANDOM_SEED")
	launchCmd.Flags().BoolVar(&timestampLogs, "timestamp-logs", false, "Prefix engine output lines with UTC and local time")
	launchCmd.Flags().IntVar(&checkpointKeep, "checkpoint-keep", remd.DefaultCheckpointKeep, "Checkpoint snapshots to retain")
	launchCmd.Flags().StringVar(&setupCommand, "setup-cmd", "python setup_meld.py", "Command that creates Data/data_store.dat")
	launchCmd.Flags().StringVar(&engineCommand, "engine-cmd", "", "Engine command (default: launch_remd or launch_remd_multiplex --platform CUDA)")
	launchCmd.Flags().BoolVar(&redirectStdio, "redirect-stdio", true, "Also send the process's own stdout and stderr to the rank log")
	launchCmd.Flags().StringVar(&configPath, "config", "", "YAML defaults file; command-line flags take precedence")
}

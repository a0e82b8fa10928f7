package remd

import (
	"fmt"
	"strings"
	"time"
)

// DeviceID names a physical GPU as the CUDA runtime sees it ("0", "3", a UUID...).
type DeviceID string

// MergePolicy decides what happens when a merged artifact name already exists
// in the shared block directory.
type MergePolicy string

const (
	// MergeSkip leaves the existing destination untouched.
	MergeSkip MergePolicy = "skip"
	// MergeOverwrite atomically replaces the existing destination.
	MergeOverwrite MergePolicy = "overwrite"
	// MergeFail records a MergeFailure and fails the rank with ExitMergeConflict.
	MergeFail MergePolicy = "fail"
)

// RotationOwner decides which ranks run the checkpoint rotation timer.
type RotationOwner string

const (
	// RotateGlobalLeader runs rotation on ordinal 0 only.
	RotateGlobalLeader RotationOwner = "global"
	// RotateDeviceLeaders runs rotation on the lowest ordinal of every device.
	RotateDeviceLeaders RotationOwner = "device"
)

// BarrierBackend selects how waiters observe the readiness signal.
type BarrierBackend string

const (
	BarrierFile  BarrierBackend = "file"
	BarrierWatch BarrierBackend = "watch"
)

// Defaults used when neither a flag nor the defaults file sets a value.
const (
	DefaultRanksPerDevice   = 1
	DefaultRotationSeconds  = 600
	DefaultPollInterval     = time.Second
	DefaultBootstrapTimeout = 180 * time.Second
	DefaultCheckpointKeep   = 3
	DefaultRunTag           = "remd"
)

var (
	validMergePolicies = map[MergePolicy]bool{
		MergeSkip: true, MergeOverwrite: true, MergeFail: true,
	}
	validRotationOwners = map[RotationOwner]bool{
		RotateGlobalLeader: true, RotateDeviceLeaders: true,
	}
	validBarrierBackends = map[BarrierBackend]bool{
		BarrierFile: true, BarrierWatch: true,
	}
)

// IsValidMergePolicy returns true if name is a recognized merge policy.
func IsValidMergePolicy(name string) bool { return validMergePolicies[MergePolicy(name)] }

// IsValidRotationOwner returns true if name is a recognized rotation owner policy.
func IsValidRotationOwner(name string) bool { return validRotationOwners[RotationOwner(name)] }

// IsValidBarrierBackend returns true if name is a recognized barrier backend.
func IsValidBarrierBackend(name string) bool { return validBarrierBackends[BarrierBackend(name)] }

// RunConfig is the validated, immutable launch configuration. It is resolved
// once per launch and shared read-only by every component.
//
// Invariant: TotalRanks <= len(Devices)*RanksPerDevice unless AllowOversubscribe.
type RunConfig struct {
	Devices                 []DeviceID
	RanksPerDevice          int
	TotalRanks              int
	AllowOversubscribe      bool
	ScratchIsolation        bool
	RotationIntervalSeconds int
	RunTag                  string

	MergePolicy      MergePolicy
	RotationOwner    RotationOwner
	Barrier          BarrierBackend
	PollInterval     time.Duration
	BootstrapTimeout time.Duration
	ForceReinit      bool
	CleanData        bool
	SeedBase         int64
	TimestampLogs    bool
	CheckpointKeep   int
}

// Capacity is the nominal number of ranks the device pool supports.
func (c RunConfig) Capacity() int {
	return len(c.Devices) * c.RanksPerDevice
}

// RotationInterval returns the rotation period as a duration.
func (c RunConfig) RotationInterval() time.Duration {
	return time.Duration(c.RotationIntervalSeconds) * time.Second
}

// ResolveInput carries the raw launch inputs before validation.
// Zero values mean "not provided" unless noted.
type ResolveInput struct {
	Devices            []DeviceID // explicit or auto-detected; must be non-empty
	RanksPerDevice     int        // must be >= 1
	DefaultRanks       int        // target used when ExplicitRanks is 0; <= 0 means "fill capacity"
	ExplicitRanks      int        // override validated against capacity; 0 = unset
	AllowOversubscribe bool

	ScratchIsolation        bool
	RotationIntervalSeconds int
	RunTag                  string
	MergePolicy             string
	RotationOwner           string
	Barrier                 string
	PollInterval            time.Duration
	BootstrapTimeout        time.Duration
	ForceReinit             bool
	CleanData               bool
	SeedBase                int64
	TimestampLogs           bool
	CheckpointKeep          int
}

// Resolve validates in and computes the RunConfig. It is a pure function:
// every failure is returned, none is silently recovered.
func Resolve(in ResolveInput) (RunConfig, error) {
	if len(in.Devices) == 0 {
		return RunConfig{}, &ConfigurationError{Field: "devices", Reason: "device list is empty"}
	}
	seen := make(map[DeviceID]bool, len(in.Devices))
	devices := make([]DeviceID, 0, len(in.Devices))
	for _, d := range in.Devices {
		id := DeviceID(strings.TrimSpace(string(d)))
		if id == "" {
			return RunConfig{}, &ConfigurationError{Field: "devices", Reason: "empty device id"}
		}
		if seen[id] {
			return RunConfig{}, &ConfigurationError{Field: "devices", Reason: fmt.Sprintf("device %q listed twice", id)}
		}
		seen[id] = true
		devices = append(devices, id)
	}
	if in.RanksPerDevice < 1 {
		return RunConfig{}, &ConfigurationError{Field: "ranks-per-device",
			Reason: fmt.Sprintf("must be a positive integer, got %d", in.RanksPerDevice)}
	}
	if in.ExplicitRanks < 0 {
		return RunConfig{}, &ConfigurationError{Field: "ranks",
			Reason: fmt.Sprintf("must be non-negative, got %d", in.ExplicitRanks)}
	}

	capacity := len(devices) * in.RanksPerDevice
	var total int
	if in.ExplicitRanks > 0 {
		if in.ExplicitRanks > capacity && !in.AllowOversubscribe {
			return RunConfig{}, &CapacityExceededError{
				Requested: in.ExplicitRanks,
				Capacity:  capacity,
				Devices:   len(devices),
				PerDevice: in.RanksPerDevice,
			}
		}
		total = in.ExplicitRanks
	} else {
		total = capacity
		if in.DefaultRanks > 0 && in.DefaultRanks < capacity {
			total = in.DefaultRanks
		}
	}
	if total < 1 {
		return RunConfig{}, &ConfigurationError{Field: "ranks", Reason: "no positive rank count could be derived"}
	}

	cfg := RunConfig{
		Devices:                 devices,
		RanksPerDevice:          in.RanksPerDevice,
		TotalRanks:              total,
		AllowOversubscribe:      in.AllowOversubscribe,
		ScratchIsolation:        in.ScratchIsolation,
		RotationIntervalSeconds: in.RotationIntervalSeconds,
		RunTag:                  strings.TrimSpace(in.RunTag),
		MergePolicy:             MergePolicy(in.MergePolicy),
		RotationOwner:           RotationOwner(in.RotationOwner),
		Barrier:                 BarrierBackend(in.Barrier),
		PollInterval:            in.PollInterval,
		BootstrapTimeout:        in.BootstrapTimeout,
		ForceReinit:             in.ForceReinit,
		CleanData:               in.CleanData,
		SeedBase:                in.SeedBase,
		TimestampLogs:           in.TimestampLogs,
		CheckpointKeep:          in.CheckpointKeep,
	}
	if err := cfg.applyDefaults(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

func (c *RunConfig) applyDefaults() error {
	if c.RunTag == "" {
		c.RunTag = DefaultRunTag
	}
	if c.MergePolicy == "" {
		c.MergePolicy = MergeSkip
	}
	if !validMergePolicies[c.MergePolicy] {
		return &ConfigurationError{Field: "merge-policy",
			Reason: fmt.Sprintf("unknown policy %q; valid: skip, overwrite, fail", c.MergePolicy)}
	}
	if c.RotationOwner == "" {
		c.RotationOwner = RotateGlobalLeader
	}
	if !validRotationOwners[c.RotationOwner] {
		return &ConfigurationError{Field: "rotation-owner",
			Reason: fmt.Sprintf("unknown owner %q; valid: global, device", c.RotationOwner)}
	}
	if c.Barrier == "" {
		c.Barrier = BarrierFile
	}
	if !validBarrierBackends[c.Barrier] {
		return &ConfigurationError{Field: "barrier",
			Reason: fmt.Sprintf("unknown backend %q; valid: file, watch", c.Barrier)}
	}
	if c.RotationIntervalSeconds == 0 {
		c.RotationIntervalSeconds = DefaultRotationSeconds
	}
	if c.RotationIntervalSeconds < 0 {
		return &ConfigurationError{Field: "rotation-interval",
			Reason: fmt.Sprintf("must be a positive number of seconds, got %d", c.RotationIntervalSeconds)}
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BootstrapTimeout == 0 {
		c.BootstrapTimeout = DefaultBootstrapTimeout
	}
	if c.PollInterval < 0 || c.BootstrapTimeout < 0 {
		return &ConfigurationError{Field: "poll-interval",
			Reason: "poll interval and bootstrap timeout must be positive"}
	}
	if c.CheckpointKeep == 0 {
		c.CheckpointKeep = DefaultCheckpointKeep
	}
	if c.CheckpointKeep < 0 {
		return &ConfigurationError{Field: "checkpoint-keep",
			Reason: fmt.Sprintf("must be positive, got %d", c.CheckpointKeep)}
	}
	if c.ForceReinit && c.CleanData {
		return &ConfigurationError{Field: "force-reinit",
			Reason: "--force-reinit and --clean-data are mutually exclusive"}
	}
	return nil
}

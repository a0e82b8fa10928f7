package remd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Environment markers read or written by the launcher.
const (
	EnvRank            = "MELD_RANK"
	EnvWorldSize       = "MELD_WORLD_SIZE"
	EnvVisibleDevices  = "CUDA_VISIBLE_DEVICES"
	EnvRanksPerDevice  = "MELD_RANKS_PER_GPU"
	EnvOutputPerRank   = "MELD_OUTPUT_PER_RANK"
	EnvBlocksDir       = "MELD_BLOCKS_DIR"
	EnvRandomSeed      = "MELD_RANDOM_SEED"
	EnvRunTag          = "MELD_RUN_TAG"
	envOMPIOutputFile  = "OMPI_MCA_orte_output_filename"
	envOMPIOutputFile5 = "OMPI_MCA_output_filename"
)

// Rank and size variables of the supported process runtimes, in lookup order.
// jobIDVars name one launch of the rank group: the MPI runtime's job first,
// since it changes with every mpirun, then the batch scheduler's job.
var (
	rankVars  = []string{EnvRank, "OMPI_COMM_WORLD_RANK", "PMI_RANK", "MV2_COMM_WORLD_RANK", "SLURM_PROCID"}
	sizeVars  = []string{EnvWorldSize, "OMPI_COMM_WORLD_SIZE", "PMI_SIZE", "MV2_COMM_WORLD_SIZE", "SLURM_NTASKS"}
	jobIDVars = []string{
		"OMPI_MCA_ess_base_jobid", "PMIX_NAMESPACE", "PMI_JOBID",
		"SLURM_JOB_ID", "PBS_JOBID", "LSB_JOBID",
	}
)

// LookupFunc matches os.LookupEnv so tests can supply a fake environment.
type LookupFunc func(key string) (string, bool)

// LaunchEnv is the snapshot of environment markers taken once at process entry.
type LaunchEnv struct {
	Rank            RankContext
	RankSource      string     // variable the ordinal came from; "" if defaulted
	VisibleDevices  []DeviceID // nil when CUDA_VISIBLE_DEVICES is unset
	RanksPerDevice  int        // 0 when MELD_RANKS_PER_GPU is unset
	OutputSeparated bool       // the runtime already writes one output stream per rank
	RunTag          string     // MELD_RUN_TAG, else the runtime or scheduler job id, else ""
}

// ReadLaunchEnv reads the environment markers. Malformed integers are
// configuration errors; absent markers fall back to ordinal 0 of 1.
func ReadLaunchEnv(lookup LookupFunc) (LaunchEnv, error) {
	var le LaunchEnv

	ordinal, src, err := firstInt(lookup, rankVars)
	if err != nil {
		return LaunchEnv{}, err
	}
	size, _, err := firstInt(lookup, sizeVars)
	if err != nil {
		return LaunchEnv{}, err
	}
	if ordinal < 0 {
		return LaunchEnv{}, &ConfigurationError{Field: src, Reason: fmt.Sprintf("negative rank %d", ordinal)}
	}
	if size > 0 && ordinal >= size {
		return LaunchEnv{}, &ConfigurationError{Field: src,
			Reason: fmt.Sprintf("rank %d is not below world size %d", ordinal, size)}
	}
	le.Rank = RankContext{Ordinal: ordinal, WorldSize: size}
	le.RankSource = src

	if v, ok := lookup(EnvVisibleDevices); ok {
		le.VisibleDevices = ParseDeviceList(v)
	}
	if v, ok := lookup(EnvRanksPerDevice); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 1 {
			return LaunchEnv{}, &ConfigurationError{Field: EnvRanksPerDevice,
				Reason: fmt.Sprintf("must be a positive integer, got %q", v)}
		}
		le.RanksPerDevice = n
	}
	if v, ok := lookup(EnvOutputPerRank); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return LaunchEnv{}, &ConfigurationError{Field: EnvOutputPerRank,
				Reason: fmt.Sprintf("must be a boolean, got %q", v)}
		}
		le.OutputSeparated = b
	}
	if !le.OutputSeparated {
		for _, k := range []string{envOMPIOutputFile, envOMPIOutputFile5} {
			if v, ok := lookup(k); ok && v != "" {
				le.OutputSeparated = true
			}
		}
	}

	if v, ok := lookup(EnvRunTag); ok && strings.TrimSpace(v) != "" {
		le.RunTag = strings.TrimSpace(v)
	} else {
		for _, k := range jobIDVars {
			if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
				le.RunTag = "job-" + strings.TrimSpace(v)
				break
			}
		}
	}
	return le, nil
}

func firstInt(lookup LookupFunc, keys []string) (int, string, error) {
	for _, k := range keys {
		v, ok := lookup(k)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, k, &ConfigurationError{Field: k, Reason: fmt.Sprintf("not an integer: %q", v)}
		}
		return n, k, nil
	}
	return 0, "", nil
}

// ParseDeviceList splits a comma-separated device list, dropping blanks.
func ParseDeviceList(s string) []DeviceID {
	var out []DeviceID
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, DeviceID(p))
		}
	}
	return out
}

// DeviceDetector lists the GPUs visible to this host.
type DeviceDetector interface {
	Detect(ctx context.Context) ([]DeviceID, error)
}

// NvidiaSMIDetector queries nvidia-smi for GPU indices.
type NvidiaSMIDetector struct {
	Binary string // defaults to "nvidia-smi"
}

// Detect runs nvidia-smi and returns one DeviceID per reported index.
func (d NvidiaSMIDetector) Detect(ctx context.Context) ([]DeviceID, error) {
	bin := d.Binary
	if bin == "" {
		bin = "nvidia-smi"
	}
	out, err := exec.CommandContext(ctx, bin, "--query-gpu=index", "--format=csv,noheader").Output()
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", bin, err)
	}
	var ids []DeviceID
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			ids = append(ids, DeviceID(line))
		}
	}
	return ids, sc.Err()
}

// ResolveDevices picks the device list: explicit flag value first, then the
// visible-device marker, then the detector. An empty result is returned as-is
// so Resolve reports it as a ConfigurationError.
func ResolveDevices(ctx context.Context, explicit []DeviceID, env LaunchEnv, det DeviceDetector) ([]DeviceID, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}
	if len(env.VisibleDevices) > 0 {
		return env.VisibleDevices, nil
	}
	if det == nil {
		return nil, nil
	}
	return det.Detect(ctx)
}

package cmd

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// LaunchDefaults is the optional --config YAML file. A field left out of the
// file leaves the flag default alone; a flag given on the command line always
// wins over the file.
// Every key must be listed to satisfy KnownFields(true) strict parsing.
type LaunchDefaults struct {
	Devices          []string `yaml:"devices"`
	RanksPerDevice   *int     `yaml:"ranks_per_device"`
	Ranks            *int     `yaml:"ranks"`
	DefaultRanks     *int     `yaml:"default_ranks"`
	Oversubscribe    *bool    `yaml:"oversubscribe"`
	ScratchIsolation *bool    `yaml:"scratch_isolation"`
	ForceReinit      *bool    `yaml:"force_reinit"`
	CleanData        *bool    `yaml:"clean_data"`
	RotationInterval *int     `yaml:"rotation_interval"`
	RunTag           *string  `yaml:"run_tag"`
	MergePolicy      *string  `yaml:"merge_policy"`
	RotationOwner    *string  `yaml:"rotation_owner"`
	Barrier          *string  `yaml:"barrier"`
	PollInterval     *string  `yaml:"poll_interval"`
	BootstrapTimeout *string  `yaml:"bootstrap_timeout"`
	SeedBase         *int64   `yaml:"seed_base"`
	TimestampLogs    *bool    `yaml:"timestamp_logs"`
	CheckpointKeep   *int     `yaml:"checkpoint_keep"`
	SetupCommand     *string  `yaml:"setup_cmd"`
	EngineCommand    *string  `yaml:"engine_cmd"`
	RedirectStdio    *bool    `yaml:"redirect_stdio"`
}

// loadLaunchDefaults parses the defaults file with strict field checking, so
// a misspelled key is an error rather than a silently ignored setting.
func loadLaunchDefaults(path string) (LaunchDefaults, error) {
	var d LaunchDefaults
	data, err := os.ReadFile(path)
	if err != nil {
		return d, fmt.Errorf("reading defaults file: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&d); err != nil {
		return d, fmt.Errorf("parsing defaults file %s: %w", path, err)
	}
	return d, nil
}

// flagValues renders the file's settings keyed by flag name.
func (d LaunchDefaults) flagValues() map[string]string {
	v := map[string]string{}
	if d.Devices != nil {
		v["devices"] = strings.Join(d.Devices, ",")
	}
	setInt := func(name string, p *int) {
		if p != nil {
			v[name] = strconv.Itoa(*p)
		}
	}
	setBool := func(name string, p *bool) {
		if p != nil {
			v[name] = strconv.FormatBool(*p)
		}
	}
	setString := func(name string, p *string) {
		if p != nil {
			v[name] = *p
		}
	}
	setInt("ranks-per-device", d.RanksPerDevice)
	setInt("ranks", d.Ranks)
	setInt("default-ranks", d.DefaultRanks)
	setBool("oversubscribe", d.Oversubscribe)
	setBool("scratch-isolation", d.ScratchIsolation)
	setBool("force-reinit", d.ForceReinit)
	setBool("clean-data", d.CleanData)
	setInt("rotation-interval", d.RotationInterval)
	setString("run-tag", d.RunTag)
	setString("merge-policy", d.MergePolicy)
	setString("rotation-owner", d.RotationOwner)
	setString("barrier", d.Barrier)
	setString("poll-interval", d.PollInterval)
	setString("bootstrap-timeout", d.BootstrapTimeout)
	if d.SeedBase != nil {
		v["seed-base"] = strconv.FormatInt(*d.SeedBase, 10)
	}
	setBool("timestamp-logs", d.TimestampLogs)
	setInt("checkpoint-keep", d.CheckpointKeep)
	setString("setup-cmd", d.SetupCommand)
	setString("engine-cmd", d.EngineCommand)
	setBool("redirect-stdio", d.RedirectStdio)
	return v
}

// applyLaunchDefaults copies file settings onto flags the user did not set.
// Callers must rely on Changed() so a file never overrides the command line.
func applyLaunchDefaults(cmd *cobra.Command, d LaunchDefaults) error {
	for name, value := range d.flagValues() {
		if cmd.Flags().Changed(name) {
			continue
		}
		if err := cmd.Flags().Set(name, value); err != nil {
			return fmt.Errorf("defaults file: %s: %w", name, err)
		}
	}
	return nil
}

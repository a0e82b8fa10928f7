package cmd

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ctava-msft/d3-meld/remd"
	"github.com/ctava-msft/d3-meld/remd/barrier"
	"github.com/ctava-msft/d3-meld/remd/blocks"
	"github.com/ctava-msft/d3-meld/remd/bootstrap"
	"github.com/ctava-msft/d3-meld/remd/rotation"
	"github.com/ctava-msft/d3-meld/remd/scratch"
)

var statusRunTag string // Only a readiness signal with this tag counts as Ready

// statusReport is printed as YAML by the status command.
type statusReport struct {
	Workdir       string   `yaml:"workdir"`
	State         string   `yaml:"state"`
	ReadyRunTag   string   `yaml:"ready_run_tag,omitempty"`
	Blocks        int      `yaml:"blocks"`
	LatestBlock   string   `yaml:"latest_block,omitempty"`
	PendingMerges []int    `yaml:"pending_merges"`
	Merged        int      `yaml:"merged_artifacts"`
	Checkpoints   []string `yaml:"checkpoints"`
}

// statusCmd reports the shared state of a run directory without changing it.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report data store state, blocks, pending merges and checkpoints",
	Run: func(cmd *cobra.Command, args []string) {
		report, err := buildStatus(remd.NewLayout(workdir), statusRunTag)
		if err != nil {
			logrus.Fatalf("Failed to inspect %s: %v", workdir, err)
		}
		out, err := yaml.Marshal(report)
		if err != nil {
			logrus.Fatalf("YAML marshal failed: %v", err)
		}
		_, _ = os.Stdout.Write(out)
	},
}

func buildStatus(l remd.Layout, runTag string) (statusReport, error) {
	r := statusReport{Workdir: l.Root, PendingMerges: []int{}, Checkpoints: []string{}}

	state, err := bootstrap.Observe(l, runTag, nil)
	if err != nil {
		return r, err
	}
	r.State = string(state)
	if s, err := barrier.ReadSentinel(l.ReadyPath()); err == nil {
		r.ReadyRunTag = s.RunTag
	} else if !errors.Is(err, os.ErrNotExist) {
		return r, err
	}

	all, err := blocks.List(l.BlocksDir())
	if err != nil {
		return r, err
	}
	r.Blocks = len(all)
	if len(all) > 0 {
		r.LatestBlock = all[len(all)-1].Name
	}
	merged, err := filepath.Glob(filepath.Join(l.BlocksDir(), "block_*.rank*"))
	if err != nil {
		return r, err
	}
	r.Merged = len(merged)

	pending, err := scratch.Pending(l)
	if err != nil {
		return r, err
	}
	if pending != nil {
		r.PendingMerges = pending
	}
	snaps, err := rotation.Snapshots(l, "")
	if err != nil {
		return r, err
	}
	if snaps != nil {
		r.Checkpoints = snaps
	}
	return r, nil
}

func init() {
	statusCmd.Flags().StringVar(&statusRunTag, "run-tag", "", "Require the readiness signal to carry this tag")
}

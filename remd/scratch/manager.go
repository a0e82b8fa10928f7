package scratch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ctava-msft/d3-meld/remd"
)

// mergeParallelism bounds concurrent copies into the shared directory.
const mergeParallelism = 4

// Manager owns one rank's scratch region.
type Manager struct {
	layout remd.Layout
	rank   remd.RankContext
	run    remd.RunConfig
	log    *logrus.Entry
	now    func() time.Time
}

// NewManager returns the scratch manager for rank.
func NewManager(layout remd.Layout, rank remd.RankContext, run remd.RunConfig, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{layout: layout, rank: rank, run: run, log: log, now: time.Now}
}

// Active reports whether this rank writes into a private region. The global
// leader always writes to the shared directory.
func (m *Manager) Active() bool {
	return m.run.ScratchIsolation && !m.rank.IsGlobalLeader()
}

// BlocksDir is where this rank's engine should write blocks.
func (m *Manager) BlocksDir() string {
	if m.Active() {
		return m.layout.ScratchBlocksDir(m.rank.Ordinal)
	}
	return m.layout.BlocksDir()
}

// Prepare creates the private region when isolation is active and returns the
// block directory the engine should use.
func (m *Manager) Prepare() (string, error) {
	dir := m.BlocksDir()
	if !m.Active() {
		return dir, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating scratch region: %w", err)
	}
	m.log.Infof("scratch isolation: writing blocks to %s", dir)
	return dir, nil
}

// Merge copies every artifact of the region that the manifest does not yet
// account for into the shared block directory under an ordinal-tagged name,
// then rewrites the manifest. An artifact counts as handled only when its
// path, size and modification time match a recorded, non-failed record, so a
// later run reusing the region merges its new blocks whatever its run tag.
// When nothing is left to merge Merge returns ErrAlreadyMerged.
//
// Copy failures are logged and recorded, not returned. Under the fail policy
// an existing destination is returned as a *remd.MergeFailure wrapping
// remd.ErrDestinationExists after every other artifact has been processed.
func (m *Manager) Merge(ctx context.Context) ([]MergeRecord, error) {
	if !m.Active() {
		return nil, nil
	}
	manifestPath := m.layout.MergeManifestPath(m.rank.Ordinal)
	prev, err := ReadManifest(manifestPath)
	hasManifest := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Warnf("ignoring unreadable merge manifest: %v", err)
	}

	all, err := artifacts(m.layout.ScratchBlocksDir(m.rank.Ordinal))
	if err != nil {
		return nil, err
	}
	todo, kept := unmerged(all, prev.Records)
	if hasManifest && len(todo) == 0 {
		return nil, ErrAlreadyMerged
	}
	if len(kept) > 0 {
		m.log.Infof("merge: %d artifacts already recorded in %s", len(kept), manifestPath)
	}

	records := make([]MergeRecord, len(todo))
	errs := make([]error, len(todo))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mergeParallelism)
	for i, a := range todo {
		g.Go(func() error {
			records[i], errs[i] = m.mergeOne(gctx, a, remd.MergedBlockName(a.name, m.rank.Ordinal))
			return nil
		})
	}
	_ = g.Wait()

	var conflict *remd.MergeFailure
	for i, r := range records {
		switch r.Outcome {
		case OutcomeFailed:
			failure := &remd.MergeFailure{Source: r.Source, Destination: r.Destination, Err: errs[i]}
			m.log.Warn(failure.Error())
			if conflict == nil && errors.Is(errs[i], remd.ErrDestinationExists) {
				conflict = failure
			}
		case OutcomeSkipped:
			m.log.Warnf("merge skipped %s: destination %s already exists", r.Source, r.Destination)
		}
	}

	history := append(append([]MergeRecord{}, kept...), records...)
	sort.SliceStable(history, func(i, j int) bool { return history[i].Source < history[j].Source })
	err = writeManifest(manifestPath, Manifest{
		RunTag:   m.run.RunTag,
		Rank:     m.rank.Ordinal,
		Policy:   string(m.run.MergePolicy),
		MergedAt: m.now().UTC(),
		Records:  history,
	})
	if err != nil {
		m.log.Warnf("writing merge manifest: %v", err)
	}

	s := Summarize(records)
	m.log.Infof("merge complete: %d artifacts, %d merged, %d overwritten, %d skipped, %d failed, %d bytes",
		s.Total, s.Merged, s.Overwritten, s.Skipped, s.Failed, s.Bytes)
	if conflict != nil {
		return records, conflict
	}
	return records, nil
}

// unmerged splits the region's artifacts into those no record handles and
// the records still describing an artifact present in the region.
func unmerged(all []artifact, recorded []MergeRecord) (todo []artifact, kept []MergeRecord) {
	for _, a := range all {
		handled := false
		for _, r := range recorded {
			if r.handles(a) {
				kept = append(kept, r)
				handled = true
				break
			}
		}
		if !handled {
			todo = append(todo, a)
		}
	}
	return todo, kept
}

func (m *Manager) mergeOne(ctx context.Context, a artifact, destName string) (MergeRecord, error) {
	dst := filepath.Join(m.layout.BlocksDir(), destName)
	src := a.path
	rec := MergeRecord{Rank: m.rank.Ordinal, Source: src, SourceSize: a.size, SourceModTime: a.modTime, Destination: dst}
	fail := func(err error) (MergeRecord, error) {
		rec.Outcome = OutcomeFailed
		rec.Reason = err.Error()
		return rec, err
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	outcome := OutcomeMerged
	if _, err := os.Stat(dst); err == nil {
		switch m.run.MergePolicy {
		case remd.MergeOverwrite:
			outcome = OutcomeOverwritten
		case remd.MergeFail:
			return fail(remd.ErrDestinationExists)
		default:
			rec.Outcome = OutcomeSkipped
			return rec, nil
		}
	} else if !os.IsNotExist(err) {
		return fail(err)
	}

	n, err := copyAtomic(src, dst)
	if err != nil {
		return fail(err)
	}
	rec.Bytes = n
	rec.Outcome = outcome
	return rec, nil
}

func copyAtomic(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	var n int64
	err = writeAtomic(dst, func(f *os.File) error {
		var cerr error
		n, cerr = io.Copy(f, in)
		return cerr
	})
	return n, err
}

// artifact is one regular file of a scratch region.
type artifact struct {
	name    string
	path    string
	size    int64
	modTime time.Time
}

// artifacts lists the regular files of dir in name order, excluding temp files.
func artifacts(dir string) ([]artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing scratch region: %w", err)
	}
	var out []artifact
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		out = append(out, artifact{
			name:    e.Name(),
			path:    filepath.Join(dir, e.Name()),
			size:    info.Size(),
			modTime: info.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

// Pending returns, in ordinal order, the ranks whose scratch region holds
// artifacts its manifest does not account for.
func Pending(l remd.Layout) ([]int, error) {
	entries, err := os.ReadDir(l.ScratchRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing scratch regions: %w", err)
	}
	var pending []int
	for _, e := range entries {
		ord, ok := parseRegion(e)
		if !ok {
			continue
		}
		all, err := artifacts(l.ScratchBlocksDir(ord))
		if err != nil {
			return nil, err
		}
		m, _ := ReadManifest(l.MergeManifestPath(ord))
		if todo, _ := unmerged(all, m.Records); len(todo) > 0 {
			pending = append(pending, ord)
		}
	}
	sort.Ints(pending)
	return pending, nil
}

func parseRegion(e os.DirEntry) (int, bool) {
	if !e.IsDir() || !strings.HasPrefix(e.Name(), "rank_") {
		return 0, false
	}
	ord, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "rank_"))
	if err != nil || ord < 0 {
		return 0, false
	}
	return ord, true
}

// Package blocks handles BlockArtifacts: the sequentially numbered block files
// the simulation engine appends to the shared store. It names and lists them,
// checks their structure, and removes a corrupt first block before bootstrap.
package blocks

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
)

// primary matches engine-written blocks; merged copies carry a .rankNNN tag
// and are not part of the shared sequence.
var primary = regexp.MustCompile(`^block_(\d{6,})\.nc$`)

// Block is one primary block artifact found on disk.
type Block struct {
	Seq  int
	Name string
	Size int64
}

// ParseSequence extracts the sequence number from a primary block file name.
func ParseSequence(name string) (int, bool) {
	m := primary.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	seq, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return seq, true
}

// List returns the primary blocks in dir ordered by sequence. A missing
// directory yields no blocks.
func List(dir string) ([]Block, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing blocks in %s: %w", dir, err)
	}
	var out []Block
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, ok := ParseSequence(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		out = append(out, Block{Seq: seq, Name: e.Name(), Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Latest returns the highest-sequence block in dir, or false if there is none.
func Latest(dir string) (Block, bool, error) {
	all, err := List(dir)
	if err != nil || len(all) == 0 {
		return Block{}, false, err
	}
	return all[len(all)-1], true, nil
}

// NonEmpty reports whether path exists and has at least one byte.
func NonEmpty(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular() && info.Size() > 0, nil
}

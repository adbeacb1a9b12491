// Package checkpoint finds the checkpoint a retried attempt resumes from.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Prefix of every checkpoint directory name.
const Prefix = "checkpoint_"

// Checkpoint is one checkpoint_<N> directory.
type Checkpoint struct {
	Name     string
	Number   int
	Path     string
	Complete bool
	Files    int
	ModTime  time.Time
}

// ParseName returns N for "checkpoint_<N>". N must be a non-negative base-10
// integer.
func ParseName(name string) (int, bool) {
	digits, ok := strings.CutPrefix(name, Prefix)
	if !ok || digits == "" {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Scan lists the checkpoint directories directly under dir, ordered by
// number. A checkpoint is complete when it is a non-empty directory and, if
// marker is not empty, contains a file of that name. A missing dir yields no
// checkpoints.
func Scan(dir, marker string) ([]Checkpoint, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint directory: %w", err)
	}

	var out []Checkpoint
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, ok := ParseName(e.Name())
		if !ok {
			continue
		}
		cp := Checkpoint{Name: e.Name(), Number: n, Path: filepath.Join(dir, e.Name())}
		if info, err := e.Info(); err == nil {
			cp.ModTime = info.ModTime()
		}
		inspect(&cp, marker)
		out = append(out, cp)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Number != out[j].Number {
			return out[i].Number < out[j].Number
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func inspect(cp *Checkpoint, marker string) {
	hasMarker := marker == ""
	_ = filepath.WalkDir(cp.Path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			cp.Files++
			if !hasMarker && filepath.Dir(p) == cp.Path && d.Name() == marker {
				hasMarker = true
			}
		}
		return nil
	})
	cp.Complete = cp.Files > 0 && hasMarker
}

// Latest returns the complete checkpoint with the highest number.
func Latest(cps []Checkpoint) (Checkpoint, bool) {
	var best Checkpoint
	found := false
	for _, cp := range cps {
		if !cp.Complete {
			continue
		}
		if !found || cp.Number > best.Number {
			best, found = cp, true
		}
	}
	return best, found
}

package wrapper

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/psantana5/spotguard/internal/cgroups"
	"github.com/psantana5/spotguard/pkg/logging"
)

// procRoot is where oom_score_adj lives. Tests point it elsewhere.
var procRoot = "/proc"

// Constraints are OS-level limits for the worker. Every one of them is
// best effort: failing to apply a constraint never stops the worker.
type Constraints struct {
	Nice        int // -20..19, 0 = unchanged
	OOMScoreAdj int // -1000..1000, 0 = unchanged
	Limits      cgroups.Limits
}

// IsZero reports whether no constraint is requested.
func (c Constraints) IsZero() bool {
	return c.Nice == 0 && c.OOMScoreAdj == 0 && c.Limits.IsZero()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ApplyNice sets the scheduling priority of pid.
func ApplyNice(pid, nice int) error {
	if nice == 0 {
		return nil
	}
	nice = clamp(nice, -20, 19)
	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, nice); err != nil {
		return fmt.Errorf("set priority %d on pid %d: %w", nice, pid, err)
	}
	return nil
}

// ApplyOOMScoreAdj writes /proc/<pid>/oom_score_adj.
func ApplyOOMScoreAdj(pid, score int) error {
	if score == 0 {
		return nil
	}
	score = clamp(score, -1000, 1000)
	p := filepath.Join(procRoot, strconv.Itoa(pid), "oom_score_adj")
	if err := os.WriteFile(p, []byte(strconv.Itoa(score)), 0644); err != nil {
		return fmt.Errorf("set oom score %d on pid %d: %w", score, pid, err)
	}
	return nil
}

// applyConstraints applies c to pid and returns the cleanup to run after
// the worker is reaped.
func applyConstraints(logger *logging.Logger, mgr *cgroups.Manager, name string, pid int, c Constraints) func() {
	if c.IsZero() {
		return func() {}
	}

	if err := ApplyNice(pid, c.Nice); err != nil {
		logger.Warn("nice not applied", logging.Fields{"error": err})
	}
	if err := ApplyOOMScoreAdj(pid, c.OOMScoreAdj); err != nil {
		logger.Warn("oom score not applied", logging.Fields{"error": err})
	}

	if c.Limits.IsZero() || mgr == nil {
		return func() {}
	}
	path, err := mgr.Create(name)
	if err != nil {
		logger.Warn("cgroup not created, running without limits", logging.Fields{"error": err})
		return func() {}
	}
	if err := mgr.Join(path, pid); err != nil {
		logger.Warn("worker not moved into cgroup", logging.Fields{"error": err, "cgroup": path})
		_ = mgr.Delete(path)
		return func() {}
	}
	if err := c.Limits.Apply(path); err != nil {
		logger.Warn("cgroup limits partially applied", logging.Fields{"error": err, "cgroup": path})
	}
	logger.Debug("worker constrained", logging.Fields{"cgroup": path})

	return func() {
		if err := mgr.Delete(path); err != nil {
			logger.Debug("cgroup not removed", logging.Fields{"error": err, "cgroup": path})
		}
	}
}

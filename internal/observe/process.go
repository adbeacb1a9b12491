package observe

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// Usage is a point-in-time resource sample of a process.
type Usage struct {
	PID        int32   `json:"pid" yaml:"pid"`
	Running    bool    `json:"running" yaml:"running"`
	CPUPercent float64 `json:"cpu_percent" yaml:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes" yaml:"rss_bytes"`
	Threads    int32   `json:"threads" yaml:"threads"`
	Children   int     `json:"children" yaml:"children"`
}

// Alive reports whether pid exists and is not a zombie.
func Alive(ctx context.Context, pid int) bool {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return true
	}
	for _, s := range status {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

// Sample reads CPU and memory usage of pid. CPU percent is averaged over
// the lifetime of the process.
func Sample(ctx context.Context, pid int) (Usage, error) {
	u := Usage{PID: int32(pid)}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return u, fmt.Errorf("process %d: %w", pid, err)
	}
	u.Running = Alive(ctx, pid)

	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		u.RSSBytes = mem.RSS
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		u.Threads = n
	}
	if children, err := p.ChildrenWithContext(ctx); err == nil {
		u.Children = len(children)
	}
	return u, nil
}

package report

import (
	"fmt"
	"strings"

	"github.com/psantana5/spotguard/pkg/models"
)

// Summary renders r as the one line operators grep for.
func Summary(r models.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ATTEMPT %s | path=%s | exit=%d", r.Attempt, r.Path, r.ExitCode)
	if r.ResumedFrom != "" {
		fmt.Fprintf(&b, " | resumed=%s", r.ResumedFrom)
	}
	if r.WorkerPID != 0 {
		fmt.Fprintf(&b, " | worker_exit=%d", r.WorkerExitCode)
		if r.WorkerSignal != "" {
			fmt.Fprintf(&b, " (%s)", r.WorkerSignal)
		}
	}
	if r.InterruptSignal != "" {
		fmt.Fprintf(&b, " | interrupt=%s", r.InterruptSignal)
		if r.ForceKilled {
			b.WriteString(" forced")
		}
	}
	fmt.Fprintf(&b, " | syncs=%d failed=%d", r.PeriodicSyncs, r.FailedSyncs)
	if !r.StartedAt.IsZero() && !r.FinishedAt.IsZero() {
		fmt.Fprintf(&b, " | runtime=%.0fs", r.FinishedAt.Sub(r.StartedAt).Seconds())
	}
	return b.String()
}

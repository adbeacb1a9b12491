package supervisor

import (
	"context"
	"path/filepath"
	"time"

	"github.com/psantana5/spotguard/internal/report"
	"github.com/psantana5/spotguard/internal/syncer"
	"github.com/psantana5/spotguard/internal/workspace"
	"github.com/psantana5/spotguard/pkg/logging"
	"github.com/psantana5/spotguard/pkg/models"
	"github.com/psantana5/spotguard/pkg/tracing"
)

// MetricsFile is the snapshot written next to the attempt report.
const MetricsFile = "metrics.prom"

// Finalizer persists the attempt's record and performs the last sync.
type Finalizer struct {
	Layout  workspace.Layout
	Syncer  *syncer.Loop
	Metrics *report.Metrics
	Tracer  *tracing.Provider
	Logger  *logging.Logger
}

// Finalize stops the background sync, writes the attempt report and a
// metrics snapshot into the output tree, then syncs exactly once more. It
// returns rep.ExitCode. Nothing here can change the exit code: every failure
// is logged and the attempt ends anyway.
func (f *Finalizer) Finalize(ctx context.Context, rep models.Report) int {
	// The final sync must run even when the caller's context is gone.
	ctx = context.WithoutCancel(ctx)
	ctx, span := f.Tracer.StartSpan(ctx, "finalize")

	f.Syncer.Stop()

	rep.FinishedAt = time.Now()
	rep.PeriodicSyncs, rep.FailedSyncs = f.Syncer.Counts()

	reportPath := report.ReportPath(f.Layout.Meta, rep.Attempt.Number)
	if err := report.WriteReport(reportPath, rep); err != nil {
		f.Logger.Warn("attempt report not written", logging.Fields{"path": reportPath, "error": err})
	}
	snapshotPath := filepath.Join(f.Layout.Meta, MetricsFile)
	if err := report.WriteSnapshotFile(snapshotPath, f.Metrics.Registry()); err != nil {
		f.Logger.Warn("metrics snapshot not written", logging.Fields{"path": snapshotPath, "error": err})
	}

	_, err := f.Syncer.SyncOnce(ctx, report.SyncFinal)
	if err != nil {
		f.Logger.Error("final sync failed, output written since the last successful sync is not durable",
			logging.Fields{"error": err})
	}
	tracing.End(span, err)

	f.Logger.Info(report.Summary(rep))
	return rep.ExitCode
}

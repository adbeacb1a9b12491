package checkpoint

import (
	"context"
	"errors"

	"github.com/psantana5/spotguard/internal/report"
	"github.com/psantana5/spotguard/internal/workspace"
	"github.com/psantana5/spotguard/pkg/logging"
	"github.com/psantana5/spotguard/pkg/models"
	"github.com/psantana5/spotguard/pkg/storage"
)

// Ref points the worker at a checkpoint. The zero Ref means a fresh start.
type Ref struct {
	Name   string
	Number int
	Path   string
}

// Fresh reports whether there is nothing to resume from.
func (r Ref) Fresh() bool { return r.Path == "" }

func (r Ref) String() string {
	if r.Fresh() {
		return "fresh"
	}
	return r.Name
}

// Resolver downloads earlier checkpoints and picks the one to resume from.
type Resolver struct {
	Store     storage.Store
	OutputURI string // remote checkpoints live under <OutputURI>/checkpoints
	Dir       string // local checkpoint directory
	Marker    string // completion marker file, empty to accept any non-empty dir
	Observer  storage.Observer
	Logger    *logging.Logger
}

// Resolve returns the checkpoint for attempt. Attempt 0 never downloads and
// always starts fresh. For retries the download is best effort: failures are
// logged and whatever is on local disk is used. Only a cancelled ctx is
// returned as an error.
func (r *Resolver) Resolve(ctx context.Context, attempt models.Attempt) (Ref, error) {
	logger := r.logger().WithField("attempt", attempt.Number)

	if !attempt.IsRetry() {
		logger.Info("first attempt, starting fresh")
		return Ref{}, nil
	}

	remote := storage.Join(r.OutputURI, workspace.CheckpointDir)
	logger.Info("downloading checkpoints", logging.Fields{"source": remote, "dest": r.Dir})
	stats, err := storage.Observed(ctx, r.Store, r.Observer, report.SyncCheckpoints, remote, r.Dir, storage.SyncOptions{})
	switch {
	case errors.Is(err, storage.ErrSourceNotFound):
		logger.Info("no checkpoints stored for this job")
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Ref{}, ctxErr
		}
		logger.Warn("checkpoint download failed, using local state", logging.Fields{"error": err})
	default:
		logger.Info("checkpoints downloaded", logging.Fields{"files": stats.Transferred, "skipped": stats.Skipped})
	}

	cps, err := Scan(r.Dir, r.Marker)
	if err != nil {
		logger.Warn("checkpoint scan failed, starting fresh", logging.Fields{"error": err})
		return Ref{}, nil
	}
	for _, cp := range cps {
		if !cp.Complete {
			logger.Warn("skipping incomplete checkpoint", logging.Fields{"checkpoint": cp.Name, "files": cp.Files})
		}
	}

	latest, ok := Latest(cps)
	if !ok {
		logger.Info("no complete checkpoint found, starting fresh", logging.Fields{"candidates": len(cps)})
		return Ref{}, nil
	}
	logger.Info("resuming from checkpoint", logging.Fields{"checkpoint": latest.Name})
	return Ref{Name: latest.Name, Number: latest.Number, Path: latest.Path}, nil
}

func (r *Resolver) logger() *logging.Logger {
	if r.Logger == nil {
		return logging.Discard()
	}
	return r.Logger.Component("checkpoint")
}

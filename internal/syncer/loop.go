// Package syncer periodically uploads the output workspace while the worker
// runs, and performs the final upload once it is gone.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/spotguard/internal/report"
	"github.com/psantana5/spotguard/pkg/logging"
	"github.com/psantana5/spotguard/pkg/storage"
)

// Config configures a Loop.
type Config struct {
	Store    storage.Store
	Source   string // local output directory
	Dest     string // output prefix
	Interval time.Duration
	Excludes []string
	Observer storage.Observer
	History  *report.SyncHistory
	Logger   *logging.Logger
}

// Loop is the background synchronizer. Sync failures are logged and counted,
// never returned: the next full sync supersedes a failed one.
type Loop struct {
	cfg    Config
	logger *logging.Logger

	// mu serializes every sync run, periodic or final.
	mu sync.Mutex

	stateMu  sync.Mutex
	started  bool
	stop     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}

	countMu  sync.Mutex
	runs     int
	failures int
}

// New creates a stopped loop.
func New(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Loop{
		cfg:    cfg,
		logger: logger.Component("syncer"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the periodic loop. The first sync happens one interval
// after Start. Calling Start twice, or after Stop, does nothing.
func (l *Loop) Start(ctx context.Context) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.started || l.stopped() {
		return
	}
	l.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.logger.Info("background sync started", logging.Fields{"interval": l.cfg.Interval.String(), "dest": l.cfg.Dest})
	go l.run(loopCtx)
}

// Stop ends the loop and returns once its goroutine has exited. An in-flight
// periodic sync is abandoned through its context; sync runs are safe to
// abandon and the final sync covers what it missed. Stop is idempotent.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })

	l.stateMu.Lock()
	started, cancel := l.started, l.cancel
	l.stateMu.Unlock()
	if !started {
		return
	}
	cancel()
	<-l.done
}

func (l *Loop) stopped() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	defer l.logger.Info("background sync stopped")

	for {
		if l.stopped() || ctx.Err() != nil {
			return
		}

		timer := time.NewTimer(l.cfg.Interval)
		select {
		case <-l.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if l.stopped() {
			return
		}
		_, _ = l.SyncOnce(ctx, report.SyncPeriodic)
	}
}

// SyncOnce uploads the output directory now. Runs never overlap. The error
// is returned for callers that care; it has already been logged.
func (l *Loop) SyncOnce(ctx context.Context, kind string) (storage.SyncStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	began := time.Now()
	l.logger.Info("sync starting", logging.Fields{"kind": kind, "dest": l.cfg.Dest})
	stats, err := storage.Observed(ctx, l.cfg.Store, l.cfg.Observer, kind, l.cfg.Source, l.cfg.Dest,
		storage.SyncOptions{Excludes: l.cfg.Excludes})
	took := time.Since(began)

	rec := report.SyncRecord{Kind: kind, StartedAt: began, Seconds: took.Seconds(), Transferred: stats.Transferred}
	l.countMu.Lock()
	if kind == report.SyncPeriodic {
		l.runs++
	}
	if err != nil {
		l.failures++
		rec.Error = err.Error()
	}
	l.countMu.Unlock()
	if l.cfg.History != nil {
		l.cfg.History.Record(rec)
	}

	fields := logging.Fields{
		"kind":        kind,
		"transferred": stats.Transferred,
		"skipped":     stats.Skipped,
		"bytes":       stats.Bytes,
		"took":        took.Round(time.Millisecond).String(),
	}
	if err != nil {
		fields["error"] = err
		l.logger.Warn("sync failed", fields)
		return stats, err
	}
	l.logger.Info("sync finished", fields)
	return stats, nil
}

// Counts returns periodic runs and failed runs of any kind.
func (l *Loop) Counts() (periodic, failures int) {
	l.countMu.Lock()
	defer l.countMu.Unlock()
	return l.runs, l.failures
}

// Package supervisor runs one attempt of a job: stage inputs, pick a
// checkpoint, run the worker with a background sync, and shut everything
// down in order when the worker exits or the machine is reclaimed.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/psantana5/spotguard/internal/cgroups"
	"github.com/psantana5/spotguard/internal/checkpoint"
	"github.com/psantana5/spotguard/internal/config"
	"github.com/psantana5/spotguard/internal/observe"
	"github.com/psantana5/spotguard/internal/report"
	"github.com/psantana5/spotguard/internal/stager"
	"github.com/psantana5/spotguard/internal/syncer"
	"github.com/psantana5/spotguard/internal/workspace"
	"github.com/psantana5/spotguard/internal/wrapper"
	"github.com/psantana5/spotguard/pkg/logging"
	"github.com/psantana5/spotguard/pkg/models"
	"github.com/psantana5/spotguard/pkg/retry"
	"github.com/psantana5/spotguard/pkg/storage"
	"github.com/psantana5/spotguard/pkg/tracing"
)

// Process exit codes besides the worker's own.
const (
	ExitInternal = 1
	ExitConfig   = 78 // EX_CONFIG from sysexits.h
)

// Options wires a Supervisor. Only Config and Store are required.
type Options struct {
	Config   *config.Config
	Store    storage.Store
	Launcher *wrapper.Launcher
	Metrics  *report.Metrics
	History  *report.SyncHistory
	Tracer   *tracing.Provider
	Logger   *logging.Logger
	Retry    *retry.Config
	Stdout   io.Writer
	Stderr   io.Writer
}

// Supervisor owns one attempt from start to exit.
type Supervisor struct {
	cfg      *config.Config
	attempt  models.Attempt
	runID    string
	layout   workspace.Layout
	launcher *wrapper.Launcher
	metrics  *report.Metrics
	history  *report.SyncHistory
	tracer   *tracing.Provider
	logger   *logging.Logger
	stdout   io.Writer
	stderr   io.Writer

	stager    *stager.Stager
	resolver  *checkpoint.Resolver
	syncer    *syncer.Loop
	finalizer *Finalizer

	mu        sync.Mutex
	state     models.State
	handle    *wrapper.Handle
	resume    checkpoint.Ref
	startedAt time.Time

	interruptOnce sync.Once
	interrupted   chan struct{}
	interruptSig  os.Signal
}

// New builds a supervisor for cfg. It does not touch the filesystem.
func New(opts Options) (*Supervisor, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("supervisor: nil config")
	}
	if opts.Store == nil {
		return nil, errors.New("supervisor: nil store")
	}
	layout, err := workspace.New(cfg.WorkDir)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:         cfg,
		attempt:     models.Attempt{JobID: cfg.JobID, Number: cfg.Attempt},
		runID:       uuid.NewString(),
		layout:      layout,
		launcher:    opts.Launcher,
		metrics:     opts.Metrics,
		history:     opts.History,
		tracer:      opts.Tracer,
		stdout:      opts.Stdout,
		stderr:      opts.Stderr,
		state:       models.StateStarting,
		interrupted: make(chan struct{}),
	}

	base := opts.Logger
	if base == nil {
		base = logging.Discard()
	}
	s.logger = base.WithFields(logging.Fields{"job_id": cfg.JobID, "attempt": cfg.Attempt}).Component("supervisor")
	if s.metrics == nil {
		s.metrics = report.NewMetrics()
	}
	if s.history == nil {
		s.history = report.NewSyncHistory(50)
	}
	if s.tracer == nil {
		s.tracer = tracing.Noop()
	}
	if s.launcher == nil {
		s.launcher = wrapper.NewLauncher(base, cgroups.New())
	}
	retryCfg := retry.DefaultConfig()
	if opts.Retry != nil {
		retryCfg = *opts.Retry
	}
	childLogger := base.WithFields(logging.Fields{"job_id": cfg.JobID, "attempt": cfg.Attempt})

	s.stager = &stager.Stager{
		Store:  opts.Store,
		Source: cfg.InputURI,
		Layout: layout,
		Files: stager.Files{
			Program:   cfg.ProgramFile,
			Evaluator: cfg.EvaluatorFile,
			Config:    cfg.WorkerConfigFile,
		},
		Retry:    retryCfg,
		Observer: s.metrics.ObserveSync,
		Logger:   childLogger,
	}
	s.resolver = &checkpoint.Resolver{
		Store:     opts.Store,
		OutputURI: cfg.OutputURI,
		Dir:       layout.Checkpoints,
		Marker:    cfg.CheckpointMarker,
		Observer:  s.metrics.ObserveSync,
		Logger:    childLogger,
	}
	s.syncer = syncer.New(syncer.Config{
		Store:    opts.Store,
		Source:   layout.Output,
		Dest:     cfg.OutputURI,
		Interval: cfg.SyncInterval,
		Excludes: cfg.Excludes,
		Observer: s.metrics.ObserveSync,
		History:  s.history,
		Logger:   childLogger,
	})
	s.finalizer = &Finalizer{
		Layout:  layout,
		Syncer:  s.syncer,
		Metrics: s.metrics,
		Tracer:  s.tracer,
		Logger:  s.logger,
	}
	s.metrics.SetState(models.StateStarting)
	return s, nil
}

// Layout returns the workspace layout.
func (s *Supervisor) Layout() workspace.Layout { return s.layout }

// Metrics returns the supervisor's metrics.
func (s *Supervisor) Metrics() *report.Metrics { return s.metrics }

// State returns the current state.
func (s *Supervisor) State() models.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Interrupt starts the shutdown protocol. Only the first call counts; later
// signals are logged and ignored.
func (s *Supervisor) Interrupt(sig os.Signal) {
	first := false
	s.interruptOnce.Do(func() {
		first = true
		s.mu.Lock()
		s.interruptSig = sig
		state := s.state
		s.mu.Unlock()
		s.logger.Warn("interrupt received, shutting down", logging.Fields{"signal": signalName(sig), "state": string(state)})
		close(s.interrupted)
	})
	if !first {
		s.logger.Info("shutdown already in progress, ignoring signal", logging.Fields{"signal": signalName(sig)})
	}
}

func (s *Supervisor) isInterrupted() bool {
	select {
	case <-s.interrupted:
		return true
	default:
		return false
	}
}

// untilInterrupted returns a child of ctx that is also cancelled by Interrupt.
func (s *Supervisor) untilInterrupted(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.interrupted:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (s *Supervisor) interruptSignal() os.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interruptSig
}

// interruptExitCode is the exit status for the shutdown path.
func (s *Supervisor) interruptExitCode(sig os.Signal) int {
	if sig == syscall.SIGINT {
		return s.cfg.SigintExitCode
	}
	return s.cfg.SigtermExitCode
}

func (s *Supervisor) transition(to models.State) {
	s.mu.Lock()
	from := s.state
	if err := models.ValidateTransition(from, to); err != nil {
		s.mu.Unlock()
		s.logger.Error("refusing state change", logging.Fields{"error": err})
		return
	}
	s.state = to
	s.mu.Unlock()

	s.metrics.SetState(to)
	s.logger.Info("state changed", logging.Fields{"from": string(from), "to": string(to)})
}

// Run executes the attempt and returns the process exit code.
func (s *Supervisor) Run(ctx context.Context) int {
	started := time.Now()
	s.mu.Lock()
	s.startedAt = started
	s.mu.Unlock()
	rep := models.Report{Attempt: s.attempt, RunID: s.runID, StartedAt: started}
	s.logger.Info("supervisor starting", logging.Fields{
		"run_id":   s.runID,
		"input":    s.cfg.InputURI,
		"output":   s.cfg.OutputURI,
		"workdir":  s.layout.Root,
		"interval": s.cfg.SyncInterval.String(),
		"grace":    s.cfg.GracePeriod.String(),
	})

	if err := s.layout.Prepare(ctx); err != nil {
		s.logger.Error("workspace not usable", logging.Fields{"error": err})
		s.transition(models.StateExited)
		return ExitInternal
	}

	// Staging and checkpoint downloads stop as soon as a signal arrives.
	prep, stopPrep := s.untilInterrupted(ctx)
	defer stopPrep()

	s.transition(models.StateStagingInput)
	var resume checkpoint.Ref
	inputs, err := s.stage(prep)
	switch {
	case err == nil:
		resume, err = s.resolveCheckpoint(prep)
		if err != nil && !s.isInterrupted() {
			s.logger.Error("checkpoint resolution aborted", logging.Fields{"error": err})
			s.transition(models.StateExited)
			return ExitInternal
		}
	case errors.Is(err, stager.ErrMissingInput):
		s.transition(models.StateExited)
		s.logger.Error("fatal configuration error, worker not started", logging.Fields{"error": err})
		return ExitConfig
	case !s.isInterrupted():
		s.transition(models.StateExited)
		s.logger.Error("input staging failed", logging.Fields{"error": err})
		return ExitInternal
	}
	if err != nil {
		s.logger.Info("preparation cut short by interrupt", logging.Fields{"error": err})
	}
	if resume.Fresh() {
		s.transition(models.StateFresh)
	} else {
		rep.ResumedFrom = resume.Name
		s.transition(models.StateResuming)
	}

	if s.isInterrupted() {
		sig := s.interruptSignal()
		rep.Path = models.ExitPathInterrupted
		rep.InterruptSignal = signalName(sig)
		rep.ExitCode = s.interruptExitCode(sig)
		s.logger.Warn("interrupted before the worker started")
		s.transition(models.StateSyncing)
		return s.exit(ctx, rep)
	}

	h, err := s.launcher.Start(ctx, s.workerSpec(inputs, resume))
	if err != nil {
		s.logger.Error("worker failed to start", logging.Fields{"error": err})
		rep.Path = models.ExitPathError
		rep.Error = err.Error()
		rep.ExitCode = ExitInternal
		s.transition(models.StateSyncing)
		return s.exit(ctx, rep)
	}
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
	rep.WorkerPID = h.PID()
	s.transition(models.StateRunning)

	out := s.supervise(ctx, h)

	rep.WorkerExitCode = out.exit.Code
	rep.WorkerReason = string(out.exit.Reason)
	rep.WorkerSignal = out.exit.SignalName()
	s.metrics.WorkerExited(string(out.exit.Reason))
	if out.err != nil {
		rep.Error = out.err.Error()
	}

	if out.interrupted {
		sig := s.interruptSignal()
		rep.Path = models.ExitPathInterrupted
		rep.InterruptSignal = signalName(sig)
		rep.ForceKilled = out.forced
		rep.ExitCode = s.interruptExitCode(sig)
		s.metrics.ShutdownCompleted(out.forced)
	} else {
		rep.Path = models.ExitPathNatural
		rep.ExitCode = out.exit.ShellCode()
	}

	s.transition(models.StateSyncing)
	return s.exit(ctx, rep)
}

func (s *Supervisor) exit(ctx context.Context, rep models.Report) int {
	code := s.finalizer.Finalize(ctx, rep)
	s.transition(models.StateExited)
	return code
}

func (s *Supervisor) stage(ctx context.Context) (stager.Inputs, error) {
	ctx, span := s.tracer.StartSpan(ctx, "stage", attribute.String("source", s.cfg.InputURI))
	in, err := s.stager.Stage(ctx)
	tracing.End(span, err)
	return in, err
}

func (s *Supervisor) resolveCheckpoint(ctx context.Context) (checkpoint.Ref, error) {
	ctx, span := s.tracer.StartSpan(ctx, "resolve", attribute.Int("attempt", s.attempt.Number))
	ref, err := s.resolver.Resolve(ctx, s.attempt)
	tracing.End(span, err)
	if err != nil {
		return ref, err
	}

	s.mu.Lock()
	s.resume = ref
	s.mu.Unlock()
	if ref.Fresh() {
		s.metrics.ResumedFrom(-1)
	} else {
		s.metrics.ResumedFrom(ref.Number)
	}
	return ref, nil
}

func (s *Supervisor) workerSpec(in stager.Inputs, resume checkpoint.Ref) wrapper.Spec {
	var env []string
	if s.cfg.APIKeyEnv != "" && s.cfg.APIKey != "" {
		env = append(env, s.cfg.APIKeyEnv+"="+s.cfg.APIKey)
	}
	c := s.cfg.Constraints
	return wrapper.Spec{
		Name: s.cfg.JobID,
		Path: s.cfg.WorkerCommand[0],
		Args: append(append([]string{}, s.cfg.WorkerCommand[1:]...),
			WorkerArgs(in, s.layout.Output, s.cfg.Iterations, resume)...),
		Dir:    s.layout.Root,
		Env:    env,
		Stdout: s.stdout,
		Stderr: s.stderr,
		Constraints: wrapper.Constraints{
			Nice:        c.Nice,
			OOMScoreAdj: c.OOMScoreAdj,
			Limits: cgroups.Limits{
				CPUWeight: c.CPUWeight,
				MemoryMax: c.MemoryMaxMB << 20,
			},
		},
	}
}

type outcome struct {
	exit        wrapper.Exit
	interrupted bool
	forced      bool
	err         error
}

// supervise runs the worker alongside the background sync until the worker
// has been reaped, either on its own or through the shutdown protocol. The
// background sync is stopped when it returns.
func (s *Supervisor) supervise(ctx context.Context, h *wrapper.Handle) outcome {
	ctx, span := s.tracer.StartSpan(ctx, "run", attribute.Int("pid", h.PID()))
	s.syncer.Start(ctx)

	var out outcome
	var g errgroup.Group

	g.Go(func() error {
		exit, err := h.Wait(context.WithoutCancel(ctx))
		out.exit = exit
		return err
	})

	g.Go(func() error {
		select {
		case <-h.Done():
			return nil
		case <-s.interrupted:
		case <-ctx.Done():
			s.Interrupt(syscall.SIGTERM)
		}

		out.interrupted = true
		s.transition(models.StateInterrupting)
		g.Go(func() error {
			s.syncer.Stop()
			return nil
		})

		forced, err := h.Terminate(context.WithoutCancel(ctx), s.cfg.GracePeriod, s.cfg.PollInterval)
		out.forced = forced
		if err != nil {
			return fmt.Errorf("terminate worker: %w", err)
		}
		return nil
	})

	out.err = g.Wait()
	s.syncer.Stop()
	if !out.interrupted {
		s.transition(models.StateCompleting)
	}
	tracing.End(span, out.err)
	return out
}

// Status reports the current state for the HTTP status endpoint.
func (s *Supervisor) Status(ctx context.Context) report.Status {
	s.mu.Lock()
	st := report.Status{
		JobID:   s.attempt.JobID,
		Attempt: s.attempt.Number,
		RunID:   s.runID,
		State:   string(s.state),
	}
	if !s.resume.Fresh() {
		st.ResumedFrom = s.resume.Name
	}
	h := s.handle
	started := s.startedAt
	s.mu.Unlock()

	if !started.IsZero() {
		st.Uptime = time.Since(started).Round(time.Second).String()
	}
	if h != nil {
		st.WorkerPID = h.PID()
		if !h.Exited() {
			if u, err := observe.Sample(ctx, h.PID()); err == nil {
				st.Worker = &u
			}
		}
	}
	st.Syncs, st.FailedSyncs = s.history.Counts()
	st.RecentSyncs = s.history.Recent(10)
	return st
}

func signalName(sig os.Signal) string {
	if sig == nil {
		return ""
	}
	if ss, ok := sig.(syscall.Signal); ok {
		return wrapper.SignalName(ss)
	}
	return sig.String()
}

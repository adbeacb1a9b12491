// Package wrapper spawns the worker and controls its process group.
package wrapper

// The worker owns its process group. spotguard only signals it.
// If we are unsure whether the worker is gone, assume it is not.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/psantana5/spotguard/internal/cgroups"
	"github.com/psantana5/spotguard/pkg/logging"
)

// ErrNotStarted is returned by Start when the worker binary cannot be run.
var ErrNotStarted = errors.New("worker not started")

// Spec describes one worker invocation.
type Spec struct {
	Name        string   // cgroup leaf name; usually the job id
	Path        string   // executable
	Args        []string // arguments after Path
	Dir         string
	Env         []string // appended to the supervisor's environment
	Stdout      io.Writer
	Stderr      io.Writer
	Constraints Constraints
}

// Launcher starts workers.
type Launcher struct {
	logger  *logging.Logger
	cgroups *cgroups.Manager
}

// NewLauncher returns a launcher. mgr may be nil to disable cgroup limits.
func NewLauncher(logger *logging.Logger, mgr *cgroups.Manager) *Launcher {
	return &Launcher{logger: logger.Component("wrapper"), cgroups: mgr}
}

// Start spawns the worker in a new process group and returns immediately.
// ctx only guards the spawn itself; the worker is never killed through it.
func (l *Launcher) Start(ctx context.Context, spec Spec) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Path == "" {
		return nil, fmt.Errorf("%w: empty command", ErrNotStarted)
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	// Own process group so the whole tree can be signalled at once and a
	// terminal's SIGINT reaches the supervisor first.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotStarted, spec.Path, err)
	}

	pid := cmd.Process.Pid
	logger := l.logger.WithField("pid", pid)
	h := &Handle{
		cmd:     cmd,
		pid:     pid,
		started: time.Now(),
		done:    make(chan struct{}),
		logger:  logger,
	}
	logger.Info("worker started", logging.Fields{"command": spec.Path, "args": spec.Args})

	cleanup := applyConstraints(logger, l.cgroups, spec.Name, pid, spec.Constraints)
	go h.reap(cleanup)

	return h, nil
}

// Handle is a running (or finished) worker.
type Handle struct {
	cmd     *exec.Cmd
	pid     int
	started time.Time
	logger  *logging.Logger

	done    chan struct{}
	mu      sync.Mutex
	exit    Exit
	waitErr error
}

func (h *Handle) reap(cleanup func()) {
	err := h.cmd.Wait()
	exit := exitFromState(h.cmd, h.started, time.Now())
	cleanup()

	var exitErr *exec.ExitError
	if err != nil && errors.As(err, &exitErr) {
		err = nil
	}

	h.mu.Lock()
	h.exit = exit
	h.waitErr = err
	h.mu.Unlock()
	close(h.done)

	h.logger.Info("worker exited", logging.Fields{
		"exit_code": exit.Code,
		"reason":    string(exit.Reason),
		"signal":    exit.SignalName(),
		"runtime":   exit.Duration().Round(time.Millisecond).String(),
	})
}

// PID returns the worker's pid, which is also its process group id.
func (h *Handle) PID() int { return h.pid }

// StartedAt returns the spawn time.
func (h *Handle) StartedAt() time.Time { return h.started }

// Done is closed once the worker has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the worker has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the worker exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Exit, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exit, h.waitErr
	case <-ctx.Done():
		return Exit{}, ctx.Err()
	}
}

// Signal delivers sig to the worker's whole process group. An empty group
// is not an error.
func (h *Handle) Signal(sig syscall.Signal) error {
	err := unix.Kill(-h.pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return fmt.Errorf("signal %s to process group %d: %w", SignalName(sig), h.pid, err)
}

// groupAlive reports whether any process is left in the worker's group.
func (h *Handle) groupAlive() bool {
	err := unix.Kill(-h.pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Terminate asks the worker's group to stop with SIGTERM and checks every
// poll whether the leader has been reaped and the group is empty. Once grace
// has elapsed since SIGTERM was sent the group is sent SIGKILL. It returns
// after the leader is reaped; forced reports whether SIGKILL was needed.
func (h *Handle) Terminate(ctx context.Context, grace, poll time.Duration) (forced bool, err error) {
	h.logger.Info("sending SIGTERM to worker group", logging.Fields{"grace": grace.String()})
	if err := h.Signal(unix.SIGTERM); err != nil {
		return false, err
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	done := h.done
	for {
		if h.Exited() && !h.groupAlive() {
			h.logger.Info("worker group exited within grace period")
			return false, nil
		}

		select {
		case <-done:
			done = nil
		case <-ticker.C:
		case <-deadline.C:
			h.logger.Warn("grace period elapsed, sending SIGKILL to worker group")
			if err := h.Signal(unix.SIGKILL); err != nil {
				return true, err
			}
			select {
			case <-h.done:
				return true, nil
			case <-ctx.Done():
				return true, ctx.Err()
			}
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

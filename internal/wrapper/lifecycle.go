package wrapper

import (
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ExitReason describes why the worker terminated.
type ExitReason string

const (
	ExitReasonSuccess ExitReason = "success" // exit code 0
	ExitReasonError   ExitReason = "error"   // exit code != 0
	ExitReasonSignal  ExitReason = "signal"  // killed by a signal
	ExitReasonUnknown ExitReason = "unknown"
)

// Exit is the worker's final status. Set once by the reaper, never changed.
type Exit struct {
	PID        int
	Code       int // -1 when killed by a signal
	Reason     ExitReason
	Signal     syscall.Signal
	StartedAt  time.Time
	FinishedAt time.Time
}

// SignalName returns the name of the terminating signal, or "".
func (e Exit) SignalName() string {
	if e.Reason != ExitReasonSignal {
		return ""
	}
	return SignalName(e.Signal)
}

// ShellCode maps the exit the way a POSIX shell does: the exit code, or
// 128+signo for a signal death.
func (e Exit) ShellCode() int {
	if e.Reason == ExitReasonSignal {
		return 128 + int(e.Signal)
	}
	if e.Code < 0 {
		return 1
	}
	return e.Code
}

// Duration is how long the worker ran.
func (e Exit) Duration() time.Duration {
	return e.FinishedAt.Sub(e.StartedAt)
}

// DetermineExitReason classifies a wait status.
func DetermineExitReason(ws syscall.WaitStatus) ExitReason {
	switch {
	case ws.Exited() && ws.ExitStatus() == 0:
		return ExitReasonSuccess
	case ws.Exited():
		return ExitReasonError
	case ws.Signaled():
		return ExitReasonSignal
	default:
		return ExitReasonUnknown
	}
}

// SignalName returns the conventional name for sig, e.g. "SIGTERM".
func SignalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return fmt.Sprintf("SIG%d", int(sig))
}

// exitFromState builds an Exit from a reaped command.
func exitFromState(cmd *exec.Cmd, started, finished time.Time) Exit {
	exit := Exit{
		PID:        cmd.Process.Pid,
		Code:       -1,
		Reason:     ExitReasonUnknown,
		StartedAt:  started,
		FinishedAt: finished,
	}
	state := cmd.ProcessState
	if state == nil {
		return exit
	}
	exit.Code = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		exit.Reason = DetermineExitReason(ws)
		if ws.Signaled() {
			exit.Signal = ws.Signal()
		}
	}
	return exit
}

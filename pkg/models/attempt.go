package models

import (
	"fmt"
	"time"
)

// Attempt identifies one execution of a job. The number is assigned by the
// external scheduler and starts at 0.
type Attempt struct {
	JobID  string `json:"job_id" yaml:"job_id"`
	Number int    `json:"attempt" yaml:"attempt"`
}

// IsRetry reports whether a previous attempt of the same job may have left
// checkpoints behind.
func (a Attempt) IsRetry() bool {
	return a.Number > 0
}

func (a Attempt) String() string {
	return fmt.Sprintf("%s#%d", a.JobID, a.Number)
}

// ExitPath describes how the worker phase of an attempt ended.
type ExitPath string

const (
	ExitPathNatural     ExitPath = "natural"     // worker exited on its own
	ExitPathInterrupted ExitPath = "interrupted" // shutdown protocol ran
	ExitPathFatal       ExitPath = "fatal"       // configuration error, worker never started
	ExitPathError       ExitPath = "error"       // supervisor could not run the worker
)

// Report is the per-attempt record the finalizer persists next to the worker
// output. Written once, never updated.
type Report struct {
	Attempt         Attempt   `yaml:",inline"`
	RunID           string    `yaml:"run_id"`
	Path            ExitPath  `yaml:"path"`
	ResumedFrom     string    `yaml:"resumed_from,omitempty"`
	WorkerPID       int       `yaml:"worker_pid,omitempty"`
	WorkerExitCode  int       `yaml:"worker_exit_code"`
	WorkerReason    string    `yaml:"worker_exit_reason,omitempty"`
	WorkerSignal    string    `yaml:"worker_signal,omitempty"`
	InterruptSignal string    `yaml:"interrupt_signal,omitempty"`
	ForceKilled     bool      `yaml:"force_killed"`
	ExitCode        int       `yaml:"exit_code"`
	StartedAt       time.Time `yaml:"started_at"`
	FinishedAt      time.Time `yaml:"finished_at"`
	PeriodicSyncs   int       `yaml:"periodic_syncs"`
	FailedSyncs     int       `yaml:"failed_syncs"`
	Error           string    `yaml:"error,omitempty"`
}

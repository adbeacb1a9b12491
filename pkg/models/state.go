package models

import (
	"errors"
	"fmt"
)

// State is the supervisor-level lifecycle state of one attempt.
type State string

// Supervisor states
const (
	StateStarting     State = "starting"      // Process started, nothing done yet
	StateStagingInput State = "staging_input" // Downloading job inputs
	StateResuming     State = "resuming"      // Prior checkpoint selected
	StateFresh        State = "fresh"         // No checkpoint, starting from scratch
	StateRunning      State = "running"       // Worker and synchronizer active
	StateCompleting   State = "completing"    // Worker exited on its own
	StateInterrupting State = "interrupting"  // Shutdown protocol in progress
	StateSyncing      State = "syncing"       // Final synchronization
	StateExited       State = "exited"        // Terminal
)

// ErrInvalidTransition is returned by ValidateTransition for any move the
// state machine does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions maps from-state to allowed to-states
var validTransitions = map[State]map[State]bool{
	StateStarting: {
		StateStagingInput: true,
		StateExited:       true, // configuration rejected before staging
	},
	StateStagingInput: {
		StateResuming: true,
		StateFresh:    true,
		StateExited:   true, // fatal: required input missing
	},
	StateResuming: {
		StateRunning: true,
		StateSyncing: true, // interrupted before the worker was started
	},
	StateFresh: {
		StateRunning: true,
		StateSyncing: true,
	},
	StateRunning: {
		StateCompleting:   true,
		StateInterrupting: true,
	},
	StateCompleting: {
		StateSyncing: true,
	},
	StateInterrupting: {
		StateSyncing: true,
	},
	StateSyncing: {
		StateExited: true,
	},
	StateExited: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state %q: %w", from, ErrInvalidTransition)
	}
	if !allowed[to] {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	return nil
}

// IsTerminal returns true if no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateExited
}

// SynchronizerActive reports whether the background synchronizer may run in s.
func (s State) SynchronizerActive() bool {
	return s == StateRunning
}

// AllStates lists every state in lifecycle order.
func AllStates() []State {
	return []State{
		StateStarting,
		StateStagingInput,
		StateResuming,
		StateFresh,
		StateRunning,
		StateCompleting,
		StateInterrupting,
		StateSyncing,
		StateExited,
	}
}

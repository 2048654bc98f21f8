// SPDX-License-Identifier: MIT

// Package model provides the core domain types of the run engine.
//
// Runs and their matrix jobs share a single state vocabulary with a strict
// transition graph; terminal states are immutable.
package model

import (
	"encoding/json"
	"fmt"
)

// State represents the lifecycle state of a run or a matrix job.
type State string

// State constants define all possible lifecycle states.
const (
	// StateQueued indicates the run or job is accepted but not yet started.
	StateQueued State = "queued"

	// StateRunning indicates active execution.
	StateRunning State = "running"

	// StateSucceeded indicates execution finished with exit code zero.
	StateSucceeded State = "succeeded"

	// StateFailed indicates execution finished unsuccessfully.
	StateFailed State = "failed"

	// StateCancelled indicates execution was stopped before completion.
	StateCancelled State = "cancelled"
)

// String implements fmt.Stringer for better logging and debugging.
func (s State) String() string {
	return string(s)
}

// IsValid checks whether the state is one of the defined constants.
func (s State) IsValid() bool {
	switch s {
	case StateQueued, StateRunning, StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal checks whether the state represents a final state.
//
// Terminal states include: Succeeded, Failed, Cancelled.
// A run or job in a terminal state will not transition to another state.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether this state can transition to the target state.
//
// Valid transitions:
//   - Queued → Running, Cancelled
//   - Running → Succeeded, Failed, Cancelled
//   - Terminal states cannot transition
func (s State) CanTransitionTo(target State) bool {
	if s.IsTerminal() {
		return false
	}

	switch s {
	case StateQueued:
		return target == StateRunning || target == StateCancelled
	case StateRunning:
		return target == StateSucceeded || target == StateFailed || target == StateCancelled
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler for State.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler for State.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	state := State(str)
	if !state.IsValid() {
		return fmt.Errorf("invalid state: %q", str)
	}

	*s = state
	return nil
}

// ParseState parses a string into a State, returning an error if invalid.
func ParseState(s string) (State, error) {
	state := State(s)
	if !state.IsValid() {
		return "", fmt.Errorf("invalid state: %q (valid: queued, running, succeeded, failed, cancelled)", s)
	}
	return state, nil
}

// AllStates returns all defined states, useful for validation and UI enumeration.
func AllStates() []State {
	return []State{
		StateQueued,
		StateRunning,
		StateSucceeded,
		StateFailed,
		StateCancelled,
	}
}

// CancelReason records why a run or job was cancelled or failed early.
type CancelReason string

const (
	// ReasonSuperseded marks a run cancelled because a newer run entered its
	// concurrency group with cancel-in-progress enabled.
	ReasonSuperseded CancelReason = "superseded"

	// ReasonAPICancel marks a cancellation requested through the API.
	ReasonAPICancel CancelReason = "api_cancel"

	// ReasonShutdown marks work stopped by daemon shutdown.
	ReasonShutdown CancelReason = "shutdown"

	// ReasonOwnerLost marks a job whose owning daemon disappeared and whose
	// lease expired before completion.
	ReasonOwnerLost CancelReason = "owner_lost"

	// ReasonTimeout marks a job whose test command exceeded its time budget.
	// Timeout concludes the job as failed, not cancelled.
	ReasonTimeout CancelReason = "timeout"
)

// IsValid checks whether the reason is one of the defined constants.
func (r CancelReason) IsValid() bool {
	switch r {
	case ReasonSuperseded, ReasonAPICancel, ReasonShutdown, ReasonOwnerLost, ReasonTimeout:
		return true
	default:
		return false
	}
}

func (r CancelReason) String() string {
	return string(r)
}

// SPDX-License-Identifier: MIT

// Package procgroup spawns job commands in their own process group and
// terminates whole trees, so a cancelled job never leaves test runners or
// interpreter children behind.
package procgroup

import (
	"errors"
	"os/exec"
	"time"
)

var (
	ErrProcessNotFound = errors.New("process not found")
	ErrKillFailed      = errors.New("kill operation failed")
)

// KillGroup attempts to terminate an entire process group tree.
// Mandatory: The process MUST have been spawned with procgroup.Set(cmd).
// It is the recovery-path variant of Terminate for when only a PID survived,
// e.g. reclaiming a job lease from a crashed owner.
func KillGroup(pid int, grace, timeout time.Duration) error {
	// Standard lifecycle: SIGTERM -> wait -> SIGKILL
	return killGroup(pid, grace, timeout)
}

// Set configures the command to start in a new process group.
// Mandatory for KillGroup and Terminate to function as group reapers.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

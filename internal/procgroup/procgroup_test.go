// SPDX-License-Identifier: MIT

//go:build linux

package procgroup

import (
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupKill(t *testing.T) {
	// Spawn a process that spawns a child and sleeps
	cmd := exec.Command("sh", "-c", "sleep 100 & sleep 100")
	Set(cmd)

	err := cmd.Start()
	require.NoError(t, err)

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	require.NoError(t, err)
	require.Equal(t, pid, pgid, "PID should be PGID leader")

	err = KillGroup(pid, 100*time.Millisecond, 500*time.Millisecond)
	require.NoError(t, err)

	// Parent must be gone. On Unix FindProcess always succeeds, so probe
	// with Signal(0).
	process, _ := os.FindProcess(pid)
	err = process.Signal(syscall.Signal(0))
	require.Error(t, err, "Parent process should be dead")

	// No survivors in the group either.
	err = syscall.Kill(-pgid, syscall.Signal(0))
	require.Equal(t, syscall.ESRCH, err, "Process group should be dead")
}

func TestKillGroupAlreadyGone(t *testing.T) {
	err := KillGroup(99999, 10*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err, "Should not fail if process is already gone")
}

func TestTerminateGraceful(t *testing.T) {
	// A process that exits promptly on SIGTERM.
	cmd := exec.Command("sh", "-c", "trap 'exit 0' TERM; sleep 100 & wait")
	Set(cmd)
	require.NoError(t, cmd.Start())

	// Give the shell a moment to install the trap.
	time.Sleep(100 * time.Millisecond)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	start := time.Now()
	err := Terminate(cmd, waitCh, 5*time.Second)
	elapsed := time.Since(start)

	assert.NoError(t, err, "trap exits 0, so Wait should return nil")
	assert.Less(t, elapsed, 3*time.Second, "graceful path should not wait for the full grace period")
}

func TestTerminateForceKill(t *testing.T) {
	// A process that ignores SIGTERM and must be SIGKILLed.
	cmd := exec.Command("sh", "-c", "trap '' TERM; sleep 100")
	Set(cmd)
	require.NoError(t, cmd.Start())

	time.Sleep(100 * time.Millisecond)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	err := Terminate(cmd, waitCh, 200*time.Millisecond)
	require.Error(t, err, "SIGKILL produces a non-nil Wait error")

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	require.True(t, ok)
	assert.True(t, status.Signaled())
	assert.Equal(t, syscall.SIGKILL, status.Signal())
}

func TestTerminateNilCommand(t *testing.T) {
	require.NoError(t, Terminate(nil, nil, time.Second))
}

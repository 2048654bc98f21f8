// SPDX-License-Identifier: MIT

package validation

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridrun/gridrun/internal/config"
)

func TestPerformStartupChecks_FakeEnvman(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Envman.Bin = ""
	require.NoError(t, os.MkdirAll(cfg.WorkflowsDir(), 0o750))

	assert.NoError(t, PerformStartupChecks(context.Background(), &cfg))
}

func TestPerformStartupChecks_MissingWorkflowsDir(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Envman.Bin = ""

	err := PerformStartupChecks(context.Background(), &cfg)
	assert.ErrorContains(t, err, "workflows")
}

func TestCheckWritableDir(t *testing.T) {
	err := checkWritableDir(zerolog.Nop(), "data directory", t.TempDir())
	assert.NoError(t, err)
}

func TestCheckWritableDir_CreatesMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "dir")
	err := checkWritableDir(zerolog.Nop(), "work root", path)
	assert.NoError(t, err)
	assert.DirExists(t, path)
}

func TestCheckWritableDir_Unconfigured(t *testing.T) {
	err := checkWritableDir(zerolog.Nop(), "data directory", "")
	assert.ErrorContains(t, err, "not configured")
}

func TestCheckWorkflowsDir_Missing(t *testing.T) {
	err := checkWorkflowsDir(zerolog.Nop(), filepath.Join(t.TempDir(), "nope"))
	assert.ErrorContains(t, err, "does not exist")
}

func TestCheckWorkflowsDir_Empty(t *testing.T) {
	err := checkWorkflowsDir(zerolog.Nop(), t.TempDir())
	assert.NoError(t, err)
}

func TestCheckWorkflowsDir_MalformedFileFailsStartup(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: [broken"), 0o600))

	err := checkWorkflowsDir(zerolog.Nop(), dir)
	assert.Error(t, err)
}

func TestCheckWorkflowsDir_Valid(t *testing.T) {
	dir := t.TempDir()
	wf := `
name: tests
on:
  push:
    branches: [main]
matrix:
  interpreter: ["cpython3.11"]
run:
  command: ["pytest"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tests.yaml"), []byte(wf), 0o600))

	err := checkWorkflowsDir(zerolog.Nop(), dir)
	assert.NoError(t, err)
}

func TestCheckEnvmanBinary_NotFound(t *testing.T) {
	err := checkEnvmanBinary(context.Background(), zerolog.Nop(), "definitely-not-a-binary-xyz")
	assert.Error(t, err)
}

func TestCheckEnvmanBinary_Unconfigured(t *testing.T) {
	err := checkEnvmanBinary(context.Background(), zerolog.Nop(), "")
	assert.ErrorContains(t, err, "not configured")
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "1.5.8", firstLine([]byte("1.5.8\nextra")))
	assert.Equal(t, "solo", firstLine([]byte("solo")))
}

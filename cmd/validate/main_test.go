// SPDX-License-Identifier: MIT

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridrun/gridrun/internal/workflow"
)

const validWorkflow = `
name: tests
on:
  push:
    branches: [main]
  workflow_dispatch: true
matrix:
  interpreter: ["cpython3.11", "cpython3.12"]
  deps: ["minimal", "full"]
run:
  command: ["pytest", "-q"]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestValidateFile_Valid(t *testing.T) {
	path := writeFile(t, t.TempDir(), "tests.yaml", validWorkflow)
	assert.True(t, validateFile(path, false))
}

func TestValidateFile_ParseError(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.yaml", "name: [broken")
	assert.False(t, validateFile(path, false))
}

func TestValidateFile_ValidationError(t *testing.T) {
	// Missing the interpreter dimension.
	path := writeFile(t, t.TempDir(), "bad.yaml", `
name: tests
on:
  push: {}
matrix:
  deps: ["minimal"]
run:
  command: ["pytest"]
`)
	assert.False(t, validateFile(path, false))
}

func TestValidateFile_Missing(t *testing.T) {
	assert.False(t, validateFile(filepath.Join(t.TempDir(), "nope.yaml"), false))
}

func TestValidateDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.yaml", validWorkflow)
	writeFile(t, dir, "bad.yml", "name: [broken")
	writeFile(t, dir, "notes.txt", "not a workflow")

	assert.Equal(t, 1, validateDir(dir, false))
}

func TestValidateDir_AllValid(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.yaml", validWorkflow)

	assert.Equal(t, 0, validateDir(dir, true))
}

func TestTriggers(t *testing.T) {
	path := writeFile(t, t.TempDir(), "tests.yaml", validWorkflow)
	def, err := workflow.Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"push", "workflow_dispatch"}, triggers(def))
}

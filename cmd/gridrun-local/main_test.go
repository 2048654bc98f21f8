// SPDX-License-Identifier: MIT

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridrun/gridrun/internal/model"
	"github.com/gridrun/gridrun/internal/workflow"
)

func loadDef(t *testing.T, src string) *workflow.Definition {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o600))
	def, err := workflow.Load(path)
	require.NoError(t, err)
	return def
}

const pushWorkflow = `
name: tests
on:
  push:
    branches: [main]
  workflow_dispatch: true
matrix:
  interpreter: ["cpython3.11"]
run:
  command: ["pytest"]
`

func TestSyntheticTrigger_DefaultsToDeclaredKind(t *testing.T) {
	def := loadDef(t, pushWorkflow)

	trig, err := syntheticTrigger(def, "", "main")
	require.NoError(t, err)
	assert.Equal(t, model.TriggerPush, trig.Kind)
	assert.Equal(t, "main", trig.Ref)
	assert.Equal(t, "local", trig.Actor)
}

func TestSyntheticTrigger_ExplicitKind(t *testing.T) {
	def := loadDef(t, pushWorkflow)

	trig, err := syntheticTrigger(def, "workflow_dispatch", "main")
	require.NoError(t, err)
	assert.Equal(t, model.TriggerDispatch, trig.Kind)
}

func TestSyntheticTrigger_UnknownKind(t *testing.T) {
	def := loadDef(t, pushWorkflow)

	_, err := syntheticTrigger(def, "cron", "main")
	assert.ErrorContains(t, err, "unknown event kind")
}

func TestSingleWorkflowSource(t *testing.T) {
	def := loadDef(t, pushWorkflow)
	src := singleWorkflow{def: def}

	got, ok := src.Get("tests")
	require.True(t, ok)
	assert.Equal(t, def, got)
	_, ok = src.Get("other")
	assert.False(t, ok)

	assert.Len(t, src.Match(model.Trigger{Kind: model.TriggerPush, Ref: "main"}), 1)
	assert.Empty(t, src.Match(model.Trigger{Kind: model.TriggerPush, Ref: "feature"}))
}

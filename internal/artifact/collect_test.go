// SPDX-License-Identifier: MIT

package artifact

import (
	"os"
	"path/filepath"
	"testing"
)

func writeWorkspaceFile(t *testing.T, workspace, rel, content string) {
	t.Helper()
	p := filepath.Join(workspace, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		t.Fatalf("mkdir %s: %v", rel, err)
	}
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestCollectMatchesGlobs(t *testing.T) {
	ws := t.TempDir()
	writeWorkspaceFile(t, ws, "junit.xml", "<testsuite/>")
	writeWorkspaceFile(t, ws, "logs/pytest.log", "12 passed")
	writeWorkspaceFile(t, ws, "logs/deep/trace.log", "nested")
	writeWorkspaceFile(t, ws, "conftest.py", "ignored")

	store := newSeededStore(t, nil)

	keys, err := Collect(ws, []string{"*.xml", "logs/*.log"}, store, "")
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "junit.xml" || keys[1] != "logs/pytest.log" {
		t.Fatalf("keys = %v", keys)
	}

	// Globs match path segments, so logs/*.log does not reach logs/deep/.
	if _, err := store.Get("logs/deep/trace.log"); err == nil {
		t.Error("glob matched across a path separator")
	}

	data, err := store.Get("junit.xml")
	if err != nil || string(data) != "<testsuite/>" {
		t.Errorf("Get = (%q, %v)", data, err)
	}
}

func TestCollectAppliesPrefix(t *testing.T) {
	ws := t.TempDir()
	writeWorkspaceFile(t, ws, "junit.xml", "<testsuite/>")

	store := newSeededStore(t, nil)

	keys, err := Collect(ws, []string{"*.xml"}, store, "job-3")
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "job-3/junit.xml" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestCollectDedupesOverlappingGlobs(t *testing.T) {
	ws := t.TempDir()
	writeWorkspaceFile(t, ws, "junit.xml", "<testsuite/>")

	store := newSeededStore(t, nil)

	keys, err := Collect(ws, []string{"*.xml", "junit.*"}, store, "")
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("keys = %v, want one entry", keys)
	}
}

func TestCollectNothingMatches(t *testing.T) {
	ws := t.TempDir()
	writeWorkspaceFile(t, ws, "conftest.py", "x")

	store := newSeededStore(t, nil)

	keys, err := Collect(ws, []string{"*.xml"}, store, "")
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("keys = %v, want none", keys)
	}
}

func TestCollectRejectsBadGlob(t *testing.T) {
	ws := t.TempDir()
	writeWorkspaceFile(t, ws, "junit.xml", "x")

	store := newSeededStore(t, nil)

	if _, err := Collect(ws, []string{"["}, store, ""); err == nil {
		t.Error("Collect accepted an invalid glob")
	}
}

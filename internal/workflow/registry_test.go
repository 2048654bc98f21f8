// SPDX-License-Identifier: MIT

package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gridrun/gridrun/internal/model"
)

func writeWorkflow(t *testing.T, dir, file, name string, branches ...string) {
	t.Helper()
	if len(branches) == 0 {
		branches = []string{"main"}
	}
	src := `
name: ` + name + `
on:
  push:
    branches: [` + strings.Join(branches, ", ") + `]
matrix:
  interpreter: ["cpython3.11"]
run:
  command: ["pytest"]
`
	if err := os.WriteFile(filepath.Join(dir, file), []byte(src), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestRegistryLoadAndMatch(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "a.yaml", "alpha")
	writeWorkflow(t, dir, "b.yml", "beta")
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600); err != nil {
		t.Fatal(err)
	}

	reg, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	if _, ok := reg.Get("alpha"); !ok {
		t.Error("Get(alpha) not found")
	}
	if _, ok := reg.Get("missing"); ok {
		t.Error("Get(missing) should not be found")
	}

	list := reg.List()
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "beta" {
		t.Errorf("List() = %v", list)
	}

	matched := reg.Match(model.Trigger{Kind: model.TriggerPush, Ref: "main"})
	if len(matched) != 2 {
		t.Errorf("Match(push main) = %d workflows, want 2", len(matched))
	}
	matched = reg.Match(model.Trigger{Kind: model.TriggerPush, Ref: "dev"})
	if len(matched) != 0 {
		t.Errorf("Match(push dev) = %d workflows, want 0", len(matched))
	}
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "a.yaml", "tests")
	writeWorkflow(t, dir, "b.yaml", "tests")

	if _, err := NewRegistry(dir); err == nil {
		t.Fatal("expected duplicate workflow name error")
	}
}

func TestRegistryReloadSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "a.yaml", "alpha")
	writeWorkflow(t, dir, "b.yaml", "beta")

	reg, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	// Break b.yaml and, in the same sweep, make a valid edit to a.yaml.
	if err := os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("name: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	writeWorkflow(t, dir, "a.yaml", "alpha", "main", "dev")

	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	// alpha's edit went live even though its sibling file is broken.
	if got := reg.Match(model.Trigger{Kind: model.TriggerPush, Ref: "dev"}); len(got) != 1 || got[0].Name != "alpha" {
		t.Errorf("Match(push dev) after reload = %v, want alpha", got)
	}
	// beta regressed: its last good version stays active.
	beta, ok := reg.Get("beta")
	if !ok {
		t.Fatal("beta evicted by its own broken edit")
	}
	if beta.On.Push == nil || len(beta.On.Push.Branches) != 1 || beta.On.Push.Branches[0] != "main" {
		t.Errorf("beta = %+v, want last good version with branches [main]", beta.On)
	}

	// Fixing b.yaml brings the new version in.
	writeWorkflow(t, dir, "b.yaml", "beta", "main", "dev")
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if got := reg.Match(model.Trigger{Kind: model.TriggerPush, Ref: "dev"}); len(got) != 2 {
		t.Errorf("Match(push dev) after fix = %d workflows, want 2", len(got))
	}
}

func TestRegistryReloadDropsNeverValidFile(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "a.yaml", "alpha")

	reg, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	// A new file that never parsed has no last good version to retain.
	if err := os.WriteFile(filepath.Join(dir, "new.yaml"), []byte("name: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if got := len(reg.List()); got != 1 {
		t.Errorf("List() = %d workflows, want 1", got)
	}
	if _, ok := reg.Get("alpha"); !ok {
		t.Error("alpha missing after reload")
	}
}

func TestRegistryReloadRemovesDeletedFile(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "a.yaml", "alpha")
	writeWorkflow(t, dir, "b.yaml", "beta")

	reg, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	if err := os.Remove(filepath.Join(dir, "b.yaml")); err != nil {
		t.Fatal(err)
	}
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if _, ok := reg.Get("beta"); ok {
		t.Error("beta still registered after its file was deleted")
	}
}

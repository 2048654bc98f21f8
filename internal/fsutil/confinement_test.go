// SPDX-License-Identifier: MIT

package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfineRelPath(t *testing.T) {
	tmpDir := t.TempDir()

	subDir := filepath.Join(tmpDir, "subdir")
	if err := os.Mkdir(subDir, 0o750); err != nil {
		t.Fatal(err)
	}

	safeFile := filepath.Join(tmpDir, "safe.txt")
	if err := os.WriteFile(safeFile, []byte("safe"), 0o600); err != nil {
		t.Fatal(err)
	}

	// Symlink pointing above the root must be rejected.
	linkOutside := filepath.Join(tmpDir, "link_outside")
	if err := os.Symlink("..", linkOutside); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		root     string
		target   string
		wantErr  bool
		wantPath string // if not empty, checks suffix
	}{
		{
			name:     "valid simple file",
			root:     tmpDir,
			target:   "safe.txt",
			wantErr:  false,
			wantPath: "safe.txt",
		},
		{
			name:     "valid subdir file",
			root:     tmpDir,
			target:   "subdir/foo.txt",
			wantErr:  false,
			wantPath: "subdir/foo.txt",
		},
		{
			name:    "traversal attempt ..",
			root:    tmpDir,
			target:  "../outside.txt",
			wantErr: true,
		},
		{
			name:    "traversal attempt /",
			root:    tmpDir,
			target:  "/etc/passwd",
			wantErr: true,
		},
		{
			name:    "backslash bypass",
			root:    tmpDir,
			target:  "sub\\..\\..\\etc",
			wantErr: true,
		},
		{
			name:    "symlink escape",
			root:    tmpDir,
			target:  "link_outside/foo",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ConfineRelPath(tt.root, tt.target)
			if (err != nil) != tt.wantErr {
				t.Errorf("ConfineRelPath() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tt.wantPath != "" {
				if !strings.HasSuffix(got, tt.wantPath) {
					t.Errorf("ConfineRelPath() got = %v, want suffix %v", got, tt.wantPath)
				}
			}
		})
	}
}

func TestConfineRelPath_MissingTargetResolvedViaParent(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.Mkdir(filepath.Join(tmpDir, "run-1"), 0o750); err != nil {
		t.Fatal(err)
	}

	// Not-yet-written files confine through their parent directory.
	got, err := ConfineRelPath(tmpDir, "run-1/job.log")
	if err != nil {
		t.Fatalf("ConfineRelPath() error = %v", err)
	}
	if !strings.HasSuffix(got, filepath.Join("run-1", "job.log")) {
		t.Errorf("ConfineRelPath() = %q", got)
	}

	// A symlinked parent pointing outside the root is still an escape.
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(tmpDir, "evil")); err != nil {
		t.Fatal(err)
	}
	if _, err := ConfineRelPath(tmpDir, "evil/job.log"); err == nil {
		t.Error("expected symlinked parent escape to be rejected")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "out.json")

	if err := WriteFileAtomic(path, []byte("hello")); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("got %q, want %q", data, "hello")
	}

	// Overwrite replaces content, never leaves a partial file behind.
	if err := WriteFileAtomic(path, []byte("replaced")); err != nil {
		t.Fatalf("WriteFileAtomic() overwrite error = %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "replaced" {
		t.Errorf("got %q, want %q", data, "replaced")
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the target file in dir, got %d entries", len(entries))
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "manifest.json")

	v := map[string]string{"interpreter": "pypy3.11"}
	if err := WriteJSONAtomic(path, v); err != nil {
		t.Fatalf("WriteJSONAtomic() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "pypy3.11") {
		t.Errorf("expected marshalled content, got %q", data)
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Error("expected trailing newline")
	}
}

// SPDX-License-Identifier: MIT

// Package envman drives the external environment manager, the tool that
// creates isolated, dependency-pinned interpreter environments per matrix
// cell. The binary is configurable and must support the conda-compatible
// verb set:
//
//	<bin> create -n <name> -y <spec>...
//	<bin> list -n <name> --json
//	<bin> run -n <name> <command>...
//	<bin> env remove -n <name> -y
package envman

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"time"
)

// EnvSpec describes one isolated environment to create.
type EnvSpec struct {
	// Name is the environment name, unique per job.
	Name string

	// Interpreter is the matrix cell's interpreter label, e.g. "cpython3.11".
	// Used for metrics and logging; the actual interpreter package is part
	// of Packages.
	Interpreter string

	// Packages is the fully resolved package set: base packages, the
	// interpreter mapping, per-dimension pins and profile extras.
	Packages []string
}

// Hash is the cache key for environment reuse: two specs with the same
// interpreter and package set are interchangeable regardless of name.
func (s EnvSpec) Hash() string {
	sum := sha256.Sum256([]byte(s.Interpreter + "\x00" + strings.Join(s.Packages, "\x00")))
	return hex.EncodeToString(sum[:])[:16]
}

// Package is one resolved package in a created environment.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ExecOpts controls where a command runs and where its output goes.
type ExecOpts struct {
	// Dir is the working directory. Empty keeps the daemon's cwd.
	Dir string

	// Env is extra variables in KEY=VALUE form, appended to the inherited
	// environment.
	Env []string

	Stdout io.Writer
	Stderr io.Writer
}

// ExecResult reports how an executed command ended.
type ExecResult struct {
	ExitCode int
	Duration time.Duration
}

// Manager is the environment manager abstraction. Exec returns a nil error
// for commands that ran and exited non-zero; errors mean the command could
// not be run at all.
type Manager interface {
	Create(ctx context.Context, spec EnvSpec) error
	Packages(ctx context.Context, name string) ([]Package, error)
	Exec(ctx context.Context, name string, command []string, opts ExecOpts) (ExecResult, error)
	Remove(ctx context.Context, name string) error
}

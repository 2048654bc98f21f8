// SPDX-License-Identifier: MIT

package envman

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Fake is an in-memory Manager for engine and executor tests. It records
// every call and can be scripted to fail or stall per environment.
type Fake struct {
	mu sync.Mutex

	// CreateDelay simulates environment build time. Create honors ctx
	// cancellation while waiting.
	CreateDelay time.Duration

	// ExecDelay simulates test runtime.
	ExecDelay time.Duration

	// FailCreate makes Create fail for the named environments.
	FailCreate map[string]error

	// ExecExit sets the exit code Exec reports per environment name; keys
	// match as substrings so tests can target a matrix cell without knowing
	// the derived hash suffix. Unlisted environments exit 0.
	ExecExit map[string]int

	// ExecOutput is written to the exec stdout stream.
	ExecOutput string

	// Manifest is what Packages returns for every environment.
	Manifest []Package

	created []EnvSpec
	removed []string
	execs   []FakeExec
}

// FakeExec records one Exec call.
type FakeExec struct {
	Env     string
	Command []string
	Dir     string
	Extra   []string
}

func NewFake() *Fake {
	return &Fake{
		Manifest: []Package{
			{Name: "python", Version: "3.11.9"},
			{Name: "numpy", Version: "1.26.4"},
			{Name: "pytest", Version: "8.2.0"},
		},
	}
}

func (f *Fake) Create(ctx context.Context, spec EnvSpec) error {
	if f.CreateDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.CreateDelay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.FailCreate[spec.Name]; ok {
		return err
	}
	f.created = append(f.created, spec)
	return nil
}

func (f *Fake) Packages(ctx context.Context, name string) ([]Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasEnv(name) {
		return nil, fmt.Errorf("envman: environment %s does not exist", name)
	}
	out := make([]Package, len(f.Manifest))
	copy(out, f.Manifest)
	return out, nil
}

func (f *Fake) Exec(ctx context.Context, name string, command []string, opts ExecOpts) (ExecResult, error) {
	if f.ExecDelay > 0 {
		select {
		case <-ctx.Done():
			return ExecResult{ExitCode: -1}, ctx.Err()
		case <-time.After(f.ExecDelay):
		}
	}
	if err := ctx.Err(); err != nil {
		return ExecResult{ExitCode: -1}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasEnv(name) {
		return ExecResult{}, fmt.Errorf("envman: environment %s does not exist", name)
	}
	f.execs = append(f.execs, FakeExec{
		Env:     name,
		Command: append([]string(nil), command...),
		Dir:     opts.Dir,
		Extra:   append([]string(nil), opts.Env...),
	})

	if f.ExecOutput != "" && opts.Stdout != nil {
		_, _ = opts.Stdout.Write([]byte(f.ExecOutput))
	}

	code := 0
	for key, exit := range f.ExecExit {
		if key == name || strings.Contains(name, key) {
			code = exit
			break
		}
	}
	return ExecResult{ExitCode: code, Duration: f.ExecDelay}, nil
}

func (f *Fake) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	for i, spec := range f.created {
		if spec.Name == name {
			f.created = append(f.created[:i], f.created[i+1:]...)
			break
		}
	}
	return nil
}

// Created snapshots the environments built so far.
func (f *Fake) Created() []EnvSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]EnvSpec(nil), f.created...)
}

// Removed snapshots the environments torn down so far.
func (f *Fake) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

// Execs snapshots the commands run so far.
func (f *Fake) Execs() []FakeExec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeExec(nil), f.execs...)
}

func (f *Fake) hasEnv(name string) bool {
	for _, spec := range f.created {
		if spec.Name == name {
			return true
		}
	}
	return false
}

var _ Manager = (*Fake)(nil)

// SPDX-License-Identifier: MIT

// gridrun-local runs a single workflow file once, without a daemon: it
// expands the matrix, executes every job against an in-memory store and
// prints the job logs. The exit code mirrors the run conclusion.
//
// Usage:
//
//	gridrun-local tests.yaml
//	gridrun-local -ref release -envman micromamba tests.yaml
//
// Exit codes:
//   - 0: run succeeded
//   - 1: run failed or was cancelled
//   - 2: usage or setup error
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gridrun/gridrun/internal/cache"
	"github.com/gridrun/gridrun/internal/engine"
	"github.com/gridrun/gridrun/internal/envman"
	"github.com/gridrun/gridrun/internal/executor"
	"github.com/gridrun/gridrun/internal/log"
	"github.com/gridrun/gridrun/internal/model"
	"github.com/gridrun/gridrun/internal/store"
	"github.com/gridrun/gridrun/internal/version"
	"github.com/gridrun/gridrun/internal/workflow"
)

// singleWorkflow adapts one loaded definition to the engine's registry
// contract.
type singleWorkflow struct {
	def *workflow.Definition
}

func (s singleWorkflow) Get(name string) (*workflow.Definition, bool) {
	if name == s.def.Name {
		return s.def, true
	}
	return nil, false
}

func (s singleWorkflow) Match(t model.Trigger) []*workflow.Definition {
	if s.def.Matches(t) {
		return []*workflow.Definition{s.def}
	}
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	showVersion := flag.Bool("version", false, "print version and exit")
	ref := flag.String("ref", "main", "branch the synthetic event targets")
	eventKind := flag.String("event", "", "event kind to simulate (push, pull_request, workflow_dispatch); default picks from the workflow's triggers")
	envmanBin := flag.String("envman", "", "environment manager binary; empty runs against the in-process fake")
	workDir := flag.String("work", "", "working directory for workspaces, logs and artifacts (default: a temp dir, removed on success)")
	keep := flag.Bool("keep", false, "keep the working directory")
	parallel := flag.Int("parallel", 4, "maximum jobs executing at once")
	quiet := flag.Bool("q", false, "suppress engine logs, print job logs only")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Version)
		return 0
	}
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: gridrun-local [flags] <workflow.yaml>")
		return 2
	}

	level := "info"
	if *quiet {
		level = "error"
	}
	log.Configure(log.Config{Level: level, Output: os.Stderr, Service: "gridrun-local"})
	log.SetLevel(level)

	def, err := workflow.Load(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid workflow: %v\n", err)
		return 2
	}

	trigger, err := syntheticTrigger(def, *eventKind, *ref)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	root := *workDir
	cleanup := false
	if root == "" {
		root, err = os.MkdirTemp("", "gridrun-local-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "temp dir: %v\n", err)
			return 2
		}
		cleanup = !*keep
	}

	var mgr envman.Manager
	if *envmanBin == "" {
		mgr = envman.NewFake()
	} else {
		mgr, err = envman.NewCLI(envman.CLIConfig{Bin: *envmanBin, CacheDownloads: true})
		if err != nil {
			fmt.Fprintf(os.Stderr, "environment manager: %v\n", err)
			return 2
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.NewMemory()
	workRoot := filepath.Join(root, "work")
	exec := executor.New(mgr, cache.NewMemory(time.Minute), executor.Config{WorkRoot: workRoot}, log.WithComponent("executor"))

	eng := engine.New(engine.Config{
		Owner:        "local",
		MaxParallel:  *parallel,
		WorkRoot:     workRoot,
		ArtifactRoot: filepath.Join(root, "artifacts"),
	}, st, singleWorkflow{def: def}, exec, nil, nil, log.Base())
	if err := eng.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		return 2
	}

	runRec, err := submit(ctx, eng, def, trigger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		return 2
	}
	fmt.Fprintf(os.Stderr, "run %s: %d job(s)\n", runRec.ID, len(runRec.JobIDs))

	final, interrupted := awaitConclusion(ctx, st, runRec.ID)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := eng.Close(closeCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}
	if interrupted {
		// Close cancelled the run; reload the final record for the report.
		if r, err := st.GetRun(closeCtx, runRec.ID); err == nil && r != nil {
			final = r
		}
	}

	report(closeCtx, st, workRoot, final)

	if final.State == model.StateSucceeded {
		if cleanup {
			_ = os.RemoveAll(root)
		}
		return 0
	}
	fmt.Fprintf(os.Stderr, "working directory kept at %s\n", root)
	return 1
}

// syntheticTrigger builds the trigger for the chosen event kind, defaulting
// to the first kind the workflow declares.
func syntheticTrigger(def *workflow.Definition, kind, ref string) (model.Trigger, error) {
	if kind == "" {
		switch {
		case def.On.Push != nil:
			kind = string(model.TriggerPush)
		case def.On.PullRequest != nil:
			kind = string(model.TriggerPullRequest)
		case def.On.Dispatch:
			kind = string(model.TriggerDispatch)
		default:
			return model.Trigger{}, fmt.Errorf("workflow %q declares no triggers", def.Name)
		}
	}

	t := model.Trigger{Ref: ref, Actor: "local"}
	switch kind {
	case string(model.TriggerPush):
		t.Kind = model.TriggerPush
	case string(model.TriggerPullRequest):
		t.Kind = model.TriggerPullRequest
	case string(model.TriggerDispatch):
		t.Kind = model.TriggerDispatch
	default:
		return model.Trigger{}, fmt.Errorf("unknown event kind %q", kind)
	}
	return t, nil
}

func submit(ctx context.Context, eng *engine.Engine, def *workflow.Definition, t model.Trigger) (*model.Run, error) {
	if t.Kind == model.TriggerDispatch {
		return eng.Dispatch(ctx, def.Name, t)
	}
	res, err := eng.Submit(ctx, t)
	if err != nil {
		return nil, err
	}
	if len(res.Runs) == 0 {
		return nil, fmt.Errorf("workflow %q does not fire for %s on %q", def.Name, t.Kind, t.Ref)
	}
	return res.Runs[0], nil
}

// awaitConclusion polls until the run is terminal or the context ends.
// Returns the latest run record and whether it was interrupted.
func awaitConclusion(ctx context.Context, st store.StateStore, runID string) (*model.Run, bool) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	var last *model.Run
	for {
		select {
		case <-ctx.Done():
			return last, true
		case <-ticker.C:
			r, err := st.GetRun(context.WithoutCancel(ctx), runID)
			if err != nil || r == nil {
				continue
			}
			last = r
			if r.State.IsTerminal() {
				return r, false
			}
		}
	}
}

// report prints per-job outcomes and streams each job log to stdout.
func report(ctx context.Context, st store.StateStore, workRoot string, run *model.Run) {
	if run == nil {
		fmt.Fprintln(os.Stderr, "run record lost")
		return
	}
	jobs, err := store.JobsForRun(ctx, st, run)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading jobs: %v\n", err)
	}

	for _, job := range jobs {
		fmt.Printf("=== %s: %s", job.Name, job.State)
		if job.ExitCode != nil {
			fmt.Printf(" (exit %d)", *job.ExitCode)
		}
		fmt.Println()

		f, err := os.Open(executor.LogPath(workRoot, job.RunID, job.Slug))
		if err != nil {
			continue
		}
		_, _ = io.Copy(os.Stdout, f)
		_ = f.Close()
	}
	fmt.Fprintf(os.Stderr, "run %s: %s\n", run.ID, run.State)
}

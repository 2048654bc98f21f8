// SPDX-License-Identifier: MIT

// Package executor runs a single matrix job end to end: workspace
// allocation, environment creation (or reuse), manifest capture, the test
// command under its timeout, and artifact collection. The engine owns job
// state; the executor reports how the attempt ended.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridrun/gridrun/internal/artifact"
	"github.com/gridrun/gridrun/internal/cache"
	"github.com/gridrun/gridrun/internal/envman"
	"github.com/gridrun/gridrun/internal/fsutil"
	"github.com/gridrun/gridrun/internal/log"
	"github.com/gridrun/gridrun/internal/metrics"
	"github.com/gridrun/gridrun/internal/model"
	"github.com/gridrun/gridrun/internal/workflow"
)

// Phase names the job stage a failure happened in.
type Phase string

const (
	PhaseWorkspace   Phase = "workspace"
	PhaseEnvironment Phase = "environment"
	PhaseManifest    Phase = "manifest"
	PhaseTest        Phase = "test"
	PhaseArtifacts   Phase = "artifacts"
)

// Config parameterizes job execution.
type Config struct {
	// WorkRoot is the directory holding per-job workspaces and logs.
	WorkRoot string

	// EnvTTL is the reuse window for published environments.
	EnvTTL time.Duration

	// ReuseEnvs publishes created environments to the cache and leaves them
	// in place for later jobs with the same spec. Enable only with an
	// active cache backend; the retention sweeper removes them eventually.
	ReuseEnvs bool

	// KeepEnvs skips environment removal entirely, for debugging.
	KeepEnvs bool
}

// Result is the executor's account of one job attempt. State is failed or
// succeeded; cancellation surfaces as an error from Execute instead.
type Result struct {
	State  model.State        `json:"state"`
	Reason model.CancelReason `json:"reason,omitempty"`

	// Phase and Detail identify what broke when State is failed for a
	// reason other than the test command's exit code.
	Phase  Phase  `json:"failed_phase,omitempty"`
	Detail string `json:"detail,omitempty"`

	// ExitCode is set once the test command ran, regardless of outcome.
	ExitCode *int `json:"exit_code,omitempty"`

	// EnvName is the environment the job actually used, which differs from
	// the job's own when a cached environment was reused.
	EnvName   string `json:"env_name"`
	EnvReused bool   `json:"env_reused"`

	Packages  []envman.Package `json:"packages,omitempty"`
	Artifacts []string         `json:"artifacts,omitempty"`
}

// minute is the unit behind timeout-minutes; tests shrink it.
var minute = time.Minute

// Executor runs jobs against one environment manager and one reuse cache.
type Executor struct {
	mgr    envman.Manager
	cache  cache.Cache
	cfg    Config
	logger zerolog.Logger
}

func New(mgr envman.Manager, c cache.Cache, cfg Config, logger zerolog.Logger) *Executor {
	if c == nil {
		c = cache.NewNoOp()
	}
	return &Executor{mgr: mgr, cache: c, cfg: cfg, logger: logger}
}

// Execute runs one job. A nil error means the attempt concluded on its own
// terms and Result says how; a non-nil error means the parent context ended
// first and the caller should record the cancellation with its own reason.
// Test timeouts conclude the job as failed, they are not cancellations.
func (e *Executor) Execute(ctx context.Context, def *workflow.Definition, run *model.Run, job *model.Job, artifacts artifact.Store) (*Result, error) {
	logger := log.WithContext(ctx, e.logger.With().
		Str(log.FieldComponent, "executor").
		Str(log.FieldRunID, job.RunID).
		Str(log.FieldJobID, job.ID).
		Str(log.FieldWorkflow, job.Workflow).
		Logger())

	workspace := WorkspaceDir(e.cfg.WorkRoot, job.RunID, job.Slug)
	if err := os.MkdirAll(workspace, 0o750); err != nil {
		return e.conclude(logger, job, nil, &Result{
			State:  model.StateFailed,
			Phase:  PhaseWorkspace,
			Detail: err.Error(),
		}), nil
	}

	logFile, err := os.OpenFile(LogPath(e.cfg.WorkRoot, job.RunID, job.Slug),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return e.conclude(logger, job, nil, &Result{
			State:  model.StateFailed,
			Phase:  PhaseWorkspace,
			Detail: err.Error(),
		}), nil
	}
	defer func() { _ = logFile.Close() }()

	spec := e.envSpec(def, job)
	result := &Result{EnvName: spec.Name}

	// Environment phase: reuse a published environment when one with the
	// same spec hash is still alive, otherwise create the job's own.
	envName, manifest, reused, err := e.prepareEnv(ctx, spec, logFile, logger)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		fmt.Fprintf(logFile, "[env] %v\n", err)
		result.State = model.StateFailed
		result.Phase = PhaseEnvironment
		result.Detail = err.Error()
		return e.conclude(logger, job, logFile, result), nil
	}
	result.EnvName = envName
	result.EnvReused = reused

	// Created environments are torn down unless they were published for
	// reuse. Removal survives run cancellation.
	if !reused && !e.cfg.ReuseEnvs && !e.cfg.KeepEnvs {
		defer func() {
			rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
			defer cancel()
			if err := e.mgr.Remove(rmCtx, envName); err != nil {
				logger.Warn().Err(err).Str(log.FieldEnvName, envName).Msg("environment removal failed")
			}
		}()
	}

	// Manifest phase: skipped when reuse already verified the environment
	// by listing it.
	if manifest == nil {
		manifest, err = e.mgr.Packages(ctx, envName)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			result.State = model.StateFailed
			result.Phase = PhaseManifest
			result.Detail = err.Error()
			return e.conclude(logger, job, logFile, result), nil
		}
	}
	result.Packages = manifest
	fmt.Fprintf(logFile, "[env] %d packages resolved\n", len(manifest))
	e.storeManifest(job, manifest, artifacts, logger)

	if !reused && e.cfg.ReuseEnvs {
		e.cache.Set(envCacheKey(spec), &cache.Entry{
			EnvName:   envName,
			SpecHash:  spec.Hash(),
			Packages:  packageStrings(manifest),
			CreatedAt: time.Now(),
		}, e.cfg.EnvTTL)
	}

	// Test phase: the fixed command, confined to the workspace, bounded by
	// the workflow timeout.
	timeout := time.Duration(def.Run.Timeout()) * minute
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fmt.Fprintf(logFile, "[run] %s\n", strings.Join(def.Run.Command, " "))
	execRes, err := e.mgr.Exec(execCtx, envName, def.Run.Command, envman.ExecOpts{
		Dir:    workspace,
		Env:    jobEnv(def, run, job),
		Stdout: logFile,
		Stderr: logFile,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			fmt.Fprintf(logFile, "[run] timed out after %s\n", timeout)
			result.State = model.StateFailed
			result.Reason = model.ReasonTimeout
			result.Phase = PhaseTest
			result.Detail = fmt.Sprintf("timed out after %s", timeout)
			return e.conclude(logger, job, logFile, result), nil
		}
		result.State = model.StateFailed
		result.Phase = PhaseTest
		result.Detail = err.Error()
		return e.conclude(logger, job, logFile, result), nil
	}
	exit := execRes.ExitCode
	result.ExitCode = &exit
	fmt.Fprintf(logFile, "[run] exit %d in %s\n", exit, execRes.Duration.Round(time.Millisecond))

	// Artifact phase runs regardless of the exit code; failing runs produce
	// the reports worth keeping.
	if len(def.Run.Artifacts) > 0 && artifacts != nil {
		keys, err := artifact.Collect(workspace, def.Run.Artifacts, artifacts, job.Slug)
		if err != nil {
			fmt.Fprintf(logFile, "[artifacts] %v\n", err)
			result.State = model.StateFailed
			result.Phase = PhaseArtifacts
			result.Detail = err.Error()
			return e.conclude(logger, job, logFile, result), nil
		}
		result.Artifacts = keys
		for _, k := range keys {
			fmt.Fprintf(logFile, "[artifacts] %s\n", k)
		}
	}

	if exit == 0 {
		result.State = model.StateSucceeded
	} else {
		result.State = model.StateFailed
	}
	return e.conclude(logger, job, logFile, result), nil
}

// prepareEnv returns the environment to run in, its manifest when reuse
// already listed it, and whether it was reused.
func (e *Executor) prepareEnv(ctx context.Context, spec envman.EnvSpec, logFile *os.File, logger zerolog.Logger) (string, []envman.Package, bool, error) {
	key := envCacheKey(spec)
	if ent, ok := e.cache.Get(key); ok {
		// The entry may outlive the environment; verify before trusting it.
		pkgs, err := e.mgr.Packages(ctx, ent.EnvName)
		if err == nil {
			metrics.IncEnvCacheLookup("hit")
			fmt.Fprintf(logFile, "[env] reusing %s\n", ent.EnvName)
			logger.Info().
				Str("event", "env.reused").
				Str(log.FieldEnvName, ent.EnvName).
				Msg("reusing cached environment")
			return ent.EnvName, pkgs, true, nil
		}
		if ctx.Err() != nil {
			return "", nil, false, ctx.Err()
		}
		metrics.IncEnvCacheLookup("error")
		e.cache.Delete(key)
		logger.Warn().
			Str("event", "env.cache_stale").
			Str(log.FieldEnvName, ent.EnvName).
			Msg("cached environment is gone, creating fresh")
	} else {
		metrics.IncEnvCacheLookup("miss")
	}

	fmt.Fprintf(logFile, "[env] creating %s (%s)\n", spec.Name, strings.Join(spec.Packages, " "))
	if err := e.mgr.Create(ctx, spec); err != nil {
		return "", nil, false, err
	}
	return spec.Name, nil, false, nil
}

// conclude writes the final log banner and the job record. Record write
// failures are logged, not escalated; the attempt already concluded.
func (e *Executor) conclude(logger zerolog.Logger, job *model.Job, logFile *os.File, result *Result) *Result {
	if logFile != nil {
		fmt.Fprintf(logFile, "[done] %s\n", result.State)
	}

	resultPath := ResultPath(e.cfg.WorkRoot, job.RunID, job.Slug)
	if err := fsutil.WriteJSONAtomic(resultPath, result); err != nil {
		logger.Warn().Err(err).Str(log.FieldPath, resultPath).Msg("job record write failed")
	}

	evt := logger.Info()
	if result.State == model.StateFailed {
		evt = logger.Warn()
	}
	evt.Str("event", "job.concluded").
		Str(log.FieldNewState, result.State.String()).
		Str(log.FieldEnvName, result.EnvName).
		Msg("job concluded")
	return result
}

func (e *Executor) envSpec(def *workflow.Definition, job *model.Job) envman.EnvSpec {
	cell := cellFor(def, job)
	interpreter, _ := cell.Value(def.InterpreterDim())
	return envman.EnvSpec{
		Name:        job.EnvName,
		Interpreter: interpreter,
		Packages:    def.PackagesFor(cell),
	}
}

// storeManifest writes the manifest next to the job log and into the run's
// artifact store. Both are conveniences; neither failure fails the job.
func (e *Executor) storeManifest(job *model.Job, manifest []envman.Package, artifacts artifact.Store, logger zerolog.Logger) {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return
	}
	data = append(data, '\n')

	manifestPath := ManifestPath(e.cfg.WorkRoot, job.RunID, job.Slug)
	if err := fsutil.WriteFileAtomic(manifestPath, data); err != nil {
		logger.Warn().Err(err).Str(log.FieldPath, manifestPath).Msg("manifest write failed")
	}
	if artifacts != nil {
		if err := artifacts.Set(path.Join(job.Slug, "manifest.json"), data); err != nil {
			logger.Warn().Err(err).Msg("manifest artifact write failed")
		}
	}
}

// cellFor rebuilds the job's matrix cell in dimension declaration order.
func cellFor(def *workflow.Definition, job *model.Job) workflow.Cell {
	coords := make([]workflow.Coordinate, 0, len(def.Matrix.Dimensions))
	for _, dim := range def.Matrix.Dimensions {
		if v, ok := job.Matrix[dim.Name]; ok {
			coords = append(coords, workflow.Coordinate{Dim: dim.Name, Value: v})
		}
	}
	return workflow.Cell{Coords: coords}
}

// jobEnv assembles the command's extra environment: workflow-declared
// variables first, then the injected GRIDRUN_* identity so workflows cannot
// shadow it. Sorted for deterministic argv in tests and logs.
func jobEnv(def *workflow.Definition, run *model.Run, job *model.Job) []string {
	vars := make(map[string]string, len(def.Env)+len(job.Matrix)+8)
	for k, v := range def.Env {
		vars[k] = v
	}

	vars["GRIDRUN_WORKFLOW"] = job.Workflow
	vars["GRIDRUN_RUN_ID"] = job.RunID
	vars["GRIDRUN_JOB_ID"] = job.ID
	vars["GRIDRUN_JOB"] = job.Slug
	vars["GRIDRUN_EVENT"] = run.Trigger.Kind.String()
	vars["GRIDRUN_REF"] = run.Trigger.Ref
	vars["GRIDRUN_SHA"] = run.Trigger.SHA
	vars["GRIDRUN_ACTOR"] = run.Trigger.Actor
	for dim, val := range job.Matrix {
		vars["GRIDRUN_MATRIX_"+envKey(dim)] = val
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

// envKey uppercases a matrix dimension name into a variable-safe suffix.
func envKey(dim string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(dim) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func envCacheKey(spec envman.EnvSpec) string {
	return "env:" + spec.Hash()
}

func packageStrings(pkgs []envman.Package) []string {
	out := make([]string, len(pkgs))
	for i, p := range pkgs {
		out[i] = p.Name + "=" + p.Version
	}
	return out
}

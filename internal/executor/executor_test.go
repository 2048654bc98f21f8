// SPDX-License-Identifier: MIT

package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridrun/gridrun/internal/artifact"
	"github.com/gridrun/gridrun/internal/cache"
	"github.com/gridrun/gridrun/internal/envman"
	"github.com/gridrun/gridrun/internal/model"
	"github.com/gridrun/gridrun/internal/workflow"
)

func testDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name: "tests",
		Matrix: workflow.Matrix{
			Dimensions: []workflow.Dimension{
				{Name: "interpreter", Values: []string{"cpython3.11", "pypy3.11"}},
				{Name: "numerics", Values: []string{"numpy-1.26", "numpy-2.0", "none"}},
				{Name: "deps", Values: []string{"minimal", "full"}},
			},
		},
		Environment: workflow.Environment{
			Base: []string{"pytest"},
			Packages: map[string]map[string][]string{
				"interpreter": {
					"cpython3.11": {"python=3.11"},
					"pypy3.11":    {"pypy3.11"},
				},
				"numerics": {
					"numpy-1.26": {"numpy==1.26.4"},
					"numpy-2.0":  {"numpy==2.0.1"},
					"none":       {},
				},
				"deps": {
					"minimal": {},
					"full":    {"scipy", "pandas"},
				},
			},
		},
		Env: map[string]string{"PYTEST_ADDOPTS": "-q"},
		Run: workflow.RunSpec{
			Command:        []string{"pytest", "-x", "tests"},
			TimeoutMinutes: 5,
			Artifacts:      []string{"junit.xml"},
		},
	}
}

func testRunAndJob(id string) (*model.Run, *model.Job) {
	now := time.Now().UTC()
	run := &model.Run{
		ID:       "run-" + id,
		Workflow: "tests",
		Group:    "tests-main",
		Trigger: model.Trigger{
			Kind:  model.TriggerPush,
			Ref:   "main",
			SHA:   "deadbeef",
			Actor: "ada",
		},
		State:     model.StateRunning,
		CreatedAt: now,
	}
	job := &model.Job{
		ID:       "job-" + id,
		RunID:    run.ID,
		Workflow: "tests",
		Name:     "tests (cpython3.11, numpy-1.26, minimal)",
		Slug:     "cpython3.11-numpy-1.26-minimal",
		Matrix: map[string]string{
			"interpreter": "cpython3.11",
			"numerics":    "numpy-1.26",
			"deps":        "minimal",
		},
		State:     model.StateRunning,
		EnvName:   "gr-tests-cpython3.11-numpy-1.26-minimal-" + id,
		CreatedAt: now,
	}
	run.JobIDs = []string{job.ID}
	return run, job
}

func newTestExecutor(t *testing.T, fake *envman.Fake, cfg Config) (*Executor, artifact.Store) {
	t.Helper()
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = t.TempDir()
	}
	store, err := artifact.OpenDir(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatalf("OpenDir failed: %v", err)
	}
	var c cache.Cache
	if cfg.ReuseEnvs {
		c = cache.NewMemory(0)
	}
	return New(fake, c, cfg, zerolog.Nop()), store
}

// TestExecuteSucceeds walks the full happy path: create, manifest, run,
// collect, conclude.
func TestExecuteSucceeds(t *testing.T) {
	fake := envman.NewFake()
	fake.ExecOutput = "collected 12 items\n12 passed\n"
	workRoot := t.TempDir()
	exec, store := newTestExecutor(t, fake, Config{WorkRoot: workRoot})

	def := testDefinition()
	run, job := testRunAndJob("a1")

	// The fake cannot write files itself; stage the artifact up front.
	ws := WorkspaceDir(workRoot, job.RunID, job.Slug)
	if err := os.MkdirAll(ws, 0o750); err != nil {
		t.Fatalf("mkdir workspace: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ws, "junit.xml"), []byte("<testsuite/>"), 0o600); err != nil {
		t.Fatalf("stage artifact: %v", err)
	}

	res, err := exec.Execute(context.Background(), def, run, job, store)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.State != model.StateSucceeded {
		t.Fatalf("state = %s, want succeeded (detail %q)", res.State, res.Detail)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", res.ExitCode)
	}
	if res.EnvName != job.EnvName || res.EnvReused {
		t.Errorf("env = %q reused=%v", res.EnvName, res.EnvReused)
	}
	if len(res.Packages) == 0 {
		t.Error("manifest not captured")
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0] != job.Slug+"/junit.xml" {
		t.Errorf("artifacts = %v", res.Artifacts)
	}

	// The created environment carries the resolved package set.
	created := fake.Created()
	if len(created) != 1 {
		t.Fatalf("created %d environments, want 1", len(created))
	}
	wantPkgs := "pytest python=3.11 numpy==1.26.4"
	if got := strings.Join(created[0].Packages, " "); got != wantPkgs {
		t.Errorf("packages = %q, want %q", got, wantPkgs)
	}

	// Without reuse the environment is torn down after the job.
	removed := fake.Removed()
	if len(removed) != 1 || removed[0] != job.EnvName {
		t.Errorf("removed = %v", removed)
	}

	// The command ran in the workspace with the injected identity.
	execs := fake.Execs()
	if len(execs) != 1 {
		t.Fatalf("execs = %d, want 1", len(execs))
	}
	if execs[0].Dir != ws {
		t.Errorf("exec dir = %q, want %q", execs[0].Dir, ws)
	}

	// Artifact store holds the collected file plus the manifest.
	if _, err := store.Get(job.Slug + "/junit.xml"); err != nil {
		t.Errorf("collected artifact missing: %v", err)
	}
	if _, err := store.Get(job.Slug + "/manifest.json"); err != nil {
		t.Errorf("manifest artifact missing: %v", err)
	}

	// job.log tells the whole story.
	logData, err := os.ReadFile(LogPath(workRoot, job.RunID, job.Slug))
	if err != nil {
		t.Fatalf("read job log: %v", err)
	}
	for _, want := range []string{
		"[env] creating " + job.EnvName,
		"packages resolved",
		"[run] pytest -x tests",
		"collected 12 items",
		"[run] exit 0",
		"[artifacts] " + job.Slug + "/junit.xml",
		"[done] succeeded",
	} {
		if !strings.Contains(string(logData), want) {
			t.Errorf("job log missing %q:\n%s", want, logData)
		}
	}

	// result.json mirrors the returned record.
	if _, err := os.Stat(ResultPath(workRoot, job.RunID, job.Slug)); err != nil {
		t.Errorf("result record missing: %v", err)
	}
}

// TestExecuteNonZeroExitFails: a red test suite fails the job through its
// exit code, not through a phase error.
func TestExecuteNonZeroExitFails(t *testing.T) {
	fake := envman.NewFake()
	run, job := testRunAndJob("b2")
	fake.ExecExit = map[string]int{job.EnvName: 3}
	exec, store := newTestExecutor(t, fake, Config{})

	def := testDefinition()
	def.Run.Artifacts = nil

	res, err := exec.Execute(context.Background(), def, run, job, store)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.State != model.StateFailed {
		t.Fatalf("state = %s, want failed", res.State)
	}
	if res.ExitCode == nil || *res.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", res.ExitCode)
	}
	if res.Phase != "" {
		t.Errorf("phase = %q, want empty for exit-code failures", res.Phase)
	}
	if res.Reason != "" {
		t.Errorf("reason = %q, want empty", res.Reason)
	}
}

// TestExecuteCreateFailure: a failing environment phase fails the job and
// records the phase.
func TestExecuteCreateFailure(t *testing.T) {
	fake := envman.NewFake()
	run, job := testRunAndJob("c3")
	fake.FailCreate = map[string]error{
		job.EnvName: errors.New("nothing provides cpython99"),
	}
	exec, store := newTestExecutor(t, fake, Config{})

	res, err := exec.Execute(context.Background(), testDefinition(), run, job, store)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.State != model.StateFailed {
		t.Fatalf("state = %s, want failed", res.State)
	}
	if res.Phase != PhaseEnvironment {
		t.Errorf("phase = %q, want %q", res.Phase, PhaseEnvironment)
	}
	if !strings.Contains(res.Detail, "nothing provides") {
		t.Errorf("detail = %q", res.Detail)
	}
	if len(fake.Execs()) != 0 {
		t.Error("test command ran despite create failure")
	}
}

// TestExecuteTimeout: exceeding timeout-minutes concludes the job failed
// with reason timeout; it is not a cancellation.
func TestExecuteTimeout(t *testing.T) {
	minute = time.Millisecond
	t.Cleanup(func() { minute = time.Minute })

	fake := envman.NewFake()
	fake.ExecDelay = 5 * time.Second
	exec, store := newTestExecutor(t, fake, Config{})

	def := testDefinition()
	def.Run.TimeoutMinutes = 10 // 10ms under the shrunken unit
	run, job := testRunAndJob("d4")

	res, err := exec.Execute(context.Background(), def, run, job, store)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.State != model.StateFailed {
		t.Fatalf("state = %s, want failed", res.State)
	}
	if res.Reason != model.ReasonTimeout {
		t.Errorf("reason = %q, want %q", res.Reason, model.ReasonTimeout)
	}
	if res.Phase != PhaseTest {
		t.Errorf("phase = %q, want %q", res.Phase, PhaseTest)
	}
}

// TestExecuteParentCancellation: when the run is cancelled the executor
// reports the context error and leaves state handling to the engine, but
// still tears down the environment it created.
func TestExecuteParentCancellation(t *testing.T) {
	fake := envman.NewFake()
	fake.ExecDelay = time.Minute
	exec, store := newTestExecutor(t, fake, Config{})

	run, job := testRunAndJob("e5")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res, err := exec.Execute(ctx, testDefinition(), run, job, store)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute returned (%v, %v), want context.Canceled", res, err)
	}
	if res != nil {
		t.Errorf("result = %+v, want nil on cancellation", res)
	}

	removed := fake.Removed()
	if len(removed) != 1 || removed[0] != job.EnvName {
		t.Errorf("environment not cleaned up after cancel: %v", removed)
	}
}

// TestExecuteReusesCachedEnvironment: two jobs with identical coordinates
// share one environment when reuse is on.
func TestExecuteReusesCachedEnvironment(t *testing.T) {
	fake := envman.NewFake()
	workRoot := t.TempDir()
	exec, store := newTestExecutor(t, fake, Config{
		WorkRoot:  workRoot,
		ReuseEnvs: true,
		EnvTTL:    time.Hour,
	})

	def := testDefinition()
	def.Run.Artifacts = nil

	run1, job1 := testRunAndJob("f6")
	if _, err := exec.Execute(context.Background(), def, run1, job1, store); err != nil {
		t.Fatalf("first Execute failed: %v", err)
	}

	run2, job2 := testRunAndJob("g7")
	res, err := exec.Execute(context.Background(), def, run2, job2, store)
	if err != nil {
		t.Fatalf("second Execute failed: %v", err)
	}
	if !res.EnvReused {
		t.Fatal("second job did not reuse the cached environment")
	}
	if res.EnvName != job1.EnvName {
		t.Errorf("reused env = %q, want %q", res.EnvName, job1.EnvName)
	}
	if created := fake.Created(); len(created) != 1 {
		t.Errorf("created %d environments, want 1", len(created))
	}
	if removed := fake.Removed(); len(removed) != 0 {
		t.Errorf("reusable environments were removed: %v", removed)
	}
}

// TestExecuteStaleCacheEntry: a cache entry whose environment is gone falls
// back to creation instead of failing the job.
func TestExecuteStaleCacheEntry(t *testing.T) {
	fake := envman.NewFake()
	c := cache.NewMemory(0)
	cfg := Config{WorkRoot: t.TempDir(), ReuseEnvs: true, EnvTTL: time.Hour}
	exec := New(fake, c, cfg, zerolog.Nop())
	store, err := artifact.OpenDir(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatalf("OpenDir failed: %v", err)
	}

	def := testDefinition()
	def.Run.Artifacts = nil
	run, job := testRunAndJob("h8")

	spec := envman.EnvSpec{
		Name:        job.EnvName,
		Interpreter: "cpython3.11",
		Packages:    []string{"pytest", "python=3.11", "numpy==1.26.4"},
	}
	c.Set("env:"+spec.Hash(), &cache.Entry{EnvName: "gr-gone", SpecHash: spec.Hash()}, time.Hour)

	res, err := exec.Execute(context.Background(), def, run, job, store)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.EnvReused {
		t.Error("reused an environment that does not exist")
	}
	if res.EnvName != job.EnvName {
		t.Errorf("env = %q, want fresh %q", res.EnvName, job.EnvName)
	}
	if created := fake.Created(); len(created) != 1 {
		t.Errorf("created = %d, want 1", len(created))
	}
}

// TestJobEnv checks the injected identity and that workflows cannot shadow it.
func TestJobEnv(t *testing.T) {
	def := testDefinition()
	def.Env["GRIDRUN_RUN_ID"] = "spoofed"
	run, job := testRunAndJob("i9")

	vars := jobEnv(def, run, job)

	want := map[string]string{
		"PYTEST_ADDOPTS":             "-q",
		"GRIDRUN_WORKFLOW":           "tests",
		"GRIDRUN_RUN_ID":             run.ID,
		"GRIDRUN_EVENT":              "push",
		"GRIDRUN_REF":                "main",
		"GRIDRUN_SHA":                "deadbeef",
		"GRIDRUN_MATRIX_INTERPRETER": "cpython3.11",
		"GRIDRUN_MATRIX_NUMERICS":    "numpy-1.26",
		"GRIDRUN_MATRIX_DEPS":        "minimal",
	}
	got := make(map[string]string, len(vars))
	for _, kv := range vars {
		k, v, _ := strings.Cut(kv, "=")
		got[k] = v
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}

	// Sorted for determinism.
	for i := 1; i < len(vars); i++ {
		if vars[i-1] >= vars[i] {
			t.Fatalf("env not sorted: %q before %q", vars[i-1], vars[i])
		}
	}
}

func TestEnvKey(t *testing.T) {
	cases := map[string]string{
		"interpreter":  "INTERPRETER",
		"numerics-lib": "NUMERICS_LIB",
		"py.ver":       "PY_VER",
	}
	for in, want := range cases {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}

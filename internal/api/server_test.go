// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridrun/gridrun/internal/engine"
	"github.com/gridrun/gridrun/internal/envman"
	"github.com/gridrun/gridrun/internal/executor"
	"github.com/gridrun/gridrun/internal/health"
	"github.com/gridrun/gridrun/internal/store"
	"github.com/gridrun/gridrun/internal/workflow"
)

const testToken = "test-api-token"

const testsWorkflowYAML = `
name: tests
on:
  push:
    branches: [main]
  pull_request:
    branches: [main]
  workflow_dispatch:
concurrency:
  group: ${{ workflow }}-${{ ref }}
  cancel-in-progress: true
matrix:
  interpreter: ["cpython3.11"]
  deps: ["minimal", "full"]
environment:
  base: ["pytest"]
  packages:
    deps:
      minimal: []
      full: ["scipy"]
run:
  command: ["pytest", "-q"]
  timeout-minutes: 5
`

const pushOnlyWorkflowYAML = `
name: push-only
on:
  push:
    branches: [release]
matrix:
  interpreter: ["cpython3.11"]
run:
  command: ["pytest", "-q"]
`

// testAPI bundles the server with the pieces tests poke at directly.
type testAPI struct {
	srv          *Server
	handler      http.Handler
	store        *store.MemoryStore
	workRoot     string
	artifactRoot string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	wfDir := t.TempDir()
	writeWorkflow(t, wfDir, "tests.yaml", testsWorkflowYAML)
	writeWorkflow(t, wfDir, "push-only.yaml", pushOnlyWorkflowYAML)

	reg, err := workflow.NewRegistry(wfDir)
	require.NoError(t, err)

	st := store.NewMemory()
	workRoot := t.TempDir()
	artifactRoot := t.TempDir()
	exec := executor.New(envman.NewFake(), nil, executor.Config{WorkRoot: workRoot}, zerolog.Nop())

	eng := engine.New(engine.Config{
		Owner:          "api-test",
		MaxParallel:    4,
		LeaseTTL:       time.Minute,
		HeartbeatEvery: time.Minute,
	}, st, reg, exec, nil, nil, zerolog.Nop())
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	})

	srv := New(Config{
		Token:        testToken,
		WorkRoot:     workRoot,
		ArtifactRoot: artifactRoot,
		Version:      "test",
	}, eng, reg, nil, health.NewManager("test"), nil, nil)

	return &testAPI{
		srv:          srv,
		handler:      srv.Handler(),
		store:        st,
		workRoot:     workRoot,
		artifactRoot: artifactRoot,
	}
}

func writeWorkflow(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

// do issues a request against the router and decodes the JSON body into out
// when out is non-nil.
func (a *testAPI) do(t *testing.T, method, path, body string, out any, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "203.0.113.7:9999"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), "body: %s", rec.Body.String())
	}
	return rec
}

func withToken(token string) func(*http.Request) {
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	}
}

// waitForRunState polls the run endpoint until the run reaches the wanted
// state.
func (a *testAPI) waitForRunState(t *testing.T, runID, want string) map[string]any {
	t.Helper()
	var detail map[string]any
	require.Eventually(t, func() bool {
		rec := a.do(t, http.MethodGet, "/api/v1/runs/"+runID, "", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		detail = map[string]any{}
		if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
			return false
		}
		return detail["state"] == want
	}, 10*time.Second, 10*time.Millisecond, "run %s never reached %s", runID, want)
	return detail
}

func TestVersionEndpoint(t *testing.T) {
	a := newTestAPI(t)

	var body map[string]string
	rec := a.do(t, http.MethodGet, "/version", "", &body)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test", body["version"])
}

func TestHealthEndpoints(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	a := newTestAPI(t)

	var snap map[string]any
	rec := a.do(t, http.MethodGet, "/api/v1/stats", "", &snap)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, snap, "active_runs")
}

func TestAuth_FailClosed(t *testing.T) {
	a := newTestAPI(t)

	// No token.
	rec := a.do(t, http.MethodPost, "/api/v1/workflows/reload", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong token.
	rec = a.do(t, http.MethodPost, "/api/v1/workflows/reload", "", nil, withToken("wrong"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Correct token.
	rec = a.do(t, http.MethodPost, "/api/v1/workflows/reload", "", nil, withToken(testToken))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_NoTokenConfiguredRejectsEverything(t *testing.T) {
	a := newTestAPI(t)
	a.srv.cfg.Token = ""

	rec := a.do(t, http.MethodPost, "/api/v1/workflows/reload", "", nil, withToken("anything"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// SPDX-License-Identifier: MIT

package envman

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gridrun/gridrun/internal/log"
	"github.com/gridrun/gridrun/internal/metrics"
	"github.com/gridrun/gridrun/internal/procgroup"
)

// CLIConfig parameterizes the external manager binary.
type CLIConfig struct {
	// Bin is the manager executable, e.g. "micromamba".
	Bin string

	// CacheDownloads passes the manager's index-cache flag to create calls.
	CacheDownloads bool

	// CreateTimeout bounds environment creation. Zero means 15 minutes.
	CreateTimeout time.Duration

	// KillGrace is how long a terminated command gets between SIGTERM and
	// SIGKILL. Zero means 10 seconds.
	KillGrace time.Duration
}

// CLIManager shells out to the configured environment manager with
// process-group isolation, so cancellation kills helper processes too.
type CLIManager struct {
	bin            string
	cacheDownloads bool
	createTimeout  time.Duration
	killGrace      time.Duration
}

// NewCLI builds a Manager around cfg.Bin.
func NewCLI(cfg CLIConfig) (*CLIManager, error) {
	if cfg.Bin == "" {
		return nil, errors.New("envman: manager binary not configured")
	}
	if _, err := exec.LookPath(cfg.Bin); err != nil {
		return nil, fmt.Errorf("envman: %w", err)
	}

	m := &CLIManager{
		bin:            cfg.Bin,
		cacheDownloads: cfg.CacheDownloads,
		createTimeout:  cfg.CreateTimeout,
		killGrace:      cfg.KillGrace,
	}
	if m.createTimeout <= 0 {
		m.createTimeout = 15 * time.Minute
	}
	if m.killGrace <= 0 {
		m.killGrace = 10 * time.Second
	}
	return m, nil
}

// Create builds the named environment. Output is kept in a ring buffer; on
// failure the tail rides along in the error so the job log shows why.
func (m *CLIManager) Create(ctx context.Context, spec EnvSpec) error {
	args := []string{"create", "-n", spec.Name, "-y"}
	if m.cacheDownloads {
		args = append(args, "--use-index-cache")
	}
	args = append(args, spec.Packages...)

	ctx, cancel := context.WithTimeout(ctx, m.createTimeout)
	defer cancel()

	logger := log.WithContext(ctx, log.WithComponent("envman"))
	logger.Info().
		Str("event", "env.create_started").
		Str(log.FieldEnvName, spec.Name).
		Str(log.FieldInterpreter, spec.Interpreter).
		Int("packages", len(spec.Packages)).
		Msg("creating environment")

	start := time.Now()
	ring := newLineRing(64)
	err := m.run(ctx, args, ring, ring)
	d := time.Since(start)

	if err != nil {
		metrics.ObserveEnvCreate(spec.Interpreter, "failure", d)
		tail := strings.Join(ring.lastN(10), "\n")
		if tail != "" {
			return fmt.Errorf("envman create %s: %w\n%s", spec.Name, err, tail)
		}
		return fmt.Errorf("envman create %s: %w", spec.Name, err)
	}

	metrics.ObserveEnvCreate(spec.Interpreter, "success", d)
	logger.Info().
		Str("event", "env.create_finished").
		Str(log.FieldEnvName, spec.Name).
		Dur("duration", d).
		Msg("environment ready")
	return nil
}

// Packages lists the environment's resolved packages via the manager's
// JSON output.
func (m *CLIManager) Packages(ctx context.Context, name string) ([]Package, error) {
	var out strings.Builder
	ring := newLineRing(64)
	if err := m.run(ctx, []string{"list", "-n", name, "--json"}, &out, ring); err != nil {
		return nil, fmt.Errorf("envman list %s: %w", name, err)
	}

	var pkgs []Package
	if err := json.Unmarshal([]byte(out.String()), &pkgs); err != nil {
		return nil, fmt.Errorf("envman list %s: parse manifest: %w", name, err)
	}
	metrics.RecordPackagesResolved(len(pkgs))
	return pkgs, nil
}

// Exec runs command inside the named environment. A non-zero exit is not an
// error; it is reported in the result for the caller to conclude the job.
func (m *CLIManager) Exec(ctx context.Context, name string, command []string, opts ExecOpts) (ExecResult, error) {
	if len(command) == 0 {
		return ExecResult{}, errors.New("envman exec: empty command")
	}

	args := append([]string{"run", "-n", name}, command...)
	cmd := exec.Command(m.bin, args...) // #nosec G204 -- bin comes from daemon config, command from a validated workflow
	procgroup.Set(cmd)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return ExecResult{}, fmt.Errorf("envman exec %s: %w", name, err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = procgroup.Terminate(cmd, waitCh, m.killGrace)
		return ExecResult{ExitCode: -1, Duration: time.Since(start)}, ctx.Err()
	case err := <-waitCh:
		res := ExecResult{ExitCode: 0, Duration: time.Since(start)}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitCode()
				return res, nil
			}
			return res, fmt.Errorf("envman exec %s: %w", name, err)
		}
		return res, nil
	}
}

// Remove tears the environment down. Unknown environments are not an error;
// removal is idempotent so sweeps can retry.
func (m *CLIManager) Remove(ctx context.Context, name string) error {
	ring := newLineRing(16)
	err := m.run(ctx, []string{"env", "remove", "-n", name, "-y"}, ring, ring)
	if err != nil {
		tail := strings.ToLower(strings.Join(ring.lastN(4), "\n"))
		if strings.Contains(tail, "not found") || strings.Contains(tail, "does not exist") {
			return nil
		}
		return fmt.Errorf("envman remove %s: %w", name, err)
	}
	metrics.IncEnvRemoved()
	return nil
}

// run executes one manager invocation to completion, killing the process
// group if ctx ends first.
func (m *CLIManager) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd := exec.Command(m.bin, args...) // #nosec G204 -- bin comes from daemon config
	procgroup.Set(cmd)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return err
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = procgroup.Terminate(cmd, waitCh, m.killGrace)
		return ctx.Err()
	case err := <-waitCh:
		return err
	}
}

// lineRing keeps the last N lines of subprocess output for error reporting.
type lineRing struct {
	mu    sync.Mutex
	lines []string
	head  int
	size  int
}

func newLineRing(capacity int) *lineRing {
	if capacity < 1 {
		capacity = 16
	}
	return &lineRing{
		lines: make([]string, capacity),
		size:  capacity,
	}
}

func (r *lineRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sc := bufio.NewScanner(strings.NewReader(string(p)))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		r.lines[r.head] = line
		r.head = (r.head + 1) % r.size
	}
	return len(p), nil
}

// lastN returns the most recent lines in chronological order.
func (r *lineRing) lastN(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > r.size {
		n = r.size
	}
	ordered := make([]string, 0, r.size)
	for i := 0; i < r.size; i++ {
		idx := (r.head + i) % r.size
		if r.lines[idx] != "" {
			ordered = append(ordered, r.lines[idx])
		}
	}
	if len(ordered) <= n {
		return ordered
	}
	return ordered[len(ordered)-n:]
}

var _ Manager = (*CLIManager)(nil)

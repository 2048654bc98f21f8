// SPDX-License-Identifier: MIT

// Package validation runs pre-flight checks before the daemon accepts work.
// A failed check aborts startup with a message naming the broken piece,
// instead of failing on the first run hours later.
package validation

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/gridrun/gridrun/internal/config"
	"github.com/gridrun/gridrun/internal/log"
	"github.com/gridrun/gridrun/internal/workflow"
)

// PerformStartupChecks validates the environment and dependencies before
// the daemon starts serving.
func PerformStartupChecks(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkWritableDir(logger, "data directory", cfg.DataDir); err != nil {
		return fmt.Errorf("data directory check failed: %w", err)
	}
	if err := checkWritableDir(logger, "work root", cfg.WorkRoot()); err != nil {
		return fmt.Errorf("work root check failed: %w", err)
	}
	if err := checkWritableDir(logger, "artifact root", cfg.ArtifactRoot()); err != nil {
		return fmt.Errorf("artifact root check failed: %w", err)
	}
	if err := checkWorkflowsDir(logger, cfg.WorkflowsDir()); err != nil {
		return fmt.Errorf("workflows check failed: %w", err)
	}
	if cfg.Envman.Bin == "" {
		logger.Warn().Msg("environment manager binary not configured; jobs will run against the in-process fake")
	} else if err := checkEnvmanBinary(ctx, logger, cfg.Envman.Bin); err != nil {
		return fmt.Errorf("environment manager check failed: %w", err)
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

// checkWritableDir creates the directory if missing and probes write access.
func checkWritableDir(logger zerolog.Logger, what, path string) error {
	if path == "" {
		return fmt.Errorf("%s is not configured", what)
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("cannot create %s: %w", path, err)
	}

	probe := filepath.Join(path, ".write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s: %w", path, err)
	}
	_ = os.Remove(probe)

	logger.Info().Str("path", path).Msgf("%s is writable", what)
	return nil
}

// checkWorkflowsDir parses every workflow file so malformed definitions
// fail startup, not the first matching delivery.
func checkWorkflowsDir(logger zerolog.Logger, dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("workflows directory does not exist: %s", dir)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("workflows path is not a directory: %s", dir)
	}

	defs, err := workflow.LoadDir(dir)
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		logger.Warn().Str("dir", dir).Msg("no workflow definitions found; daemon will accept events but start nothing")
		return nil
	}
	for name, def := range defs {
		logger.Info().
			Str("workflow", name).
			Int("jobs", len(def.Matrix.Expand())).
			Msg("workflow loaded")
	}
	return nil
}

// checkEnvmanBinary verifies the environment manager is on PATH and runs.
func checkEnvmanBinary(ctx context.Context, logger zerolog.Logger, bin string) error {
	if bin == "" {
		return fmt.Errorf("environment manager binary is not configured")
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return fmt.Errorf("binary %q not found in PATH: %w", bin, err)
	}

	cmd := exec.CommandContext(ctx, path, "--version")
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("binary %q failed to run: %w", path, err)
	}

	logger.Info().Str("bin", path).Str("version", firstLine(out)).Msg("environment manager available")
	return nil
}

func firstLine(out []byte) string {
	for i, b := range out {
		if b == '\n' {
			return string(out[:i])
		}
	}
	return string(out)
}

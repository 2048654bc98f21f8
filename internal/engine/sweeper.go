// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gridrun/gridrun/internal/executor"
	"github.com/gridrun/gridrun/internal/log"
	"github.com/gridrun/gridrun/internal/model"
)

// sweepLoop periodically prunes concluded runs past the retention window:
// state-store records, archived history rows, job workspaces and artifact
// directories.
func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()
	if e.cfg.Retention <= 0 {
		return
	}

	t := time.NewTicker(e.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.sweep(ctx)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-e.cfg.Retention)

	var expired []*model.Run
	err := e.store.ScanRuns(ctx, func(r *model.Run) error {
		if r.State.IsTerminal() && r.FinishedAt != nil && r.FinishedAt.Before(cutoff) {
			expired = append(expired, r)
		}
		return nil
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("event", "sweep.scan_failed").Msg("retention scan failed")
		return
	}

	for _, run := range expired {
		for _, jobID := range run.JobIDs {
			if err := e.store.DeleteJob(ctx, jobID); err != nil {
				e.logger.Warn().Err(err).Str(log.FieldJobID, jobID).Msg("job record prune failed")
			}
		}
		if err := e.store.DeleteRun(ctx, run.ID); err != nil {
			e.logger.Warn().Err(err).Str(log.FieldRunID, run.ID).Msg("run record prune failed")
			continue
		}

		// Run directories are owned by this engine; IDs are daemon-generated
		// UUIDs, so the joins below cannot escape the roots.
		if e.cfg.WorkRoot != "" {
			dir := executor.RunDir(e.cfg.WorkRoot, run.ID)
			if err := os.RemoveAll(dir); err != nil {
				e.logger.Warn().Err(err).Str(log.FieldPath, dir).Msg("workspace prune failed")
			}
		}
		if e.cfg.ArtifactRoot != "" {
			dir := filepath.Join(e.cfg.ArtifactRoot, run.ID)
			if err := os.RemoveAll(dir); err != nil {
				e.logger.Warn().Err(err).Str(log.FieldPath, dir).Msg("artifact prune failed")
			}
		}

		e.logger.Debug().
			Str("event", "sweep.pruned").
			Str(log.FieldRunID, run.ID).
			Msg("expired run pruned")
	}

	if e.archive != nil {
		if n, err := e.archive.Prune(ctx, cutoff); err != nil {
			e.logger.Warn().Err(err).Str("event", "sweep.archive_failed").Msg("archive prune failed")
		} else if n > 0 {
			e.logger.Info().
				Str("event", "sweep.archive_pruned").
				Int64("rows", n).
				Msg("archived history pruned")
		}
	}

	if len(expired) > 0 {
		e.logger.Info().
			Str("event", "sweep.done").
			Int("pruned", len(expired)).
			Msg("retention sweep complete")
	}
}

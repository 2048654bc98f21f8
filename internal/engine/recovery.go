// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/gridrun/gridrun/internal/log"
	"github.com/gridrun/gridrun/internal/metrics"
	"github.com/gridrun/gridrun/internal/model"
	"github.com/gridrun/gridrun/internal/store"
)

// recoverOrphans settles runs a previous daemon process left behind. The
// engine is single-node, so any non-terminal run found at startup lost its
// owner: it is concluded as cancelled with reason owner_lost. Queued runs
// are not resumed either; their trigger is gone and webhook redelivery
// re-creates them cleanly.
func (e *Engine) recoverOrphans(ctx context.Context) error {
	var orphans []*model.Run
	err := e.store.ScanRuns(ctx, func(r *model.Run) error {
		if !r.State.IsTerminal() {
			orphans = append(orphans, r)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan runs: %w", err)
	}

	for _, run := range orphans {
		now := time.Now().UTC()
		updated, err := e.store.UpdateRun(ctx, run.ID, func(r *model.Run) error {
			if r.State.IsTerminal() {
				return ErrRunFinished
			}
			r.State = model.StateCancelled
			r.Reason = model.ReasonOwnerLost
			r.FinishedAt = &now
			return nil
		})
		if err != nil {
			continue
		}
		for _, jobID := range updated.JobIDs {
			_, _ = e.store.UpdateJob(ctx, jobID, func(j *model.Job) error {
				if j.State.IsTerminal() {
					return nil
				}
				j.State = model.StateCancelled
				j.Reason = model.ReasonOwnerLost
				j.FinishedAt = &now
				j.Lease = nil
				return nil
			})
		}

		metrics.IncRunConcluded(model.StateCancelled.String())
		metrics.IncRunCancelled(model.ReasonOwnerLost.String())
		e.logger.Warn().
			Str("event", "run.recovered").
			Str(log.FieldRunID, run.ID).
			Str(log.FieldWorkflow, run.Workflow).
			Str("previous_owner", run.Owner).
			Msg("orphaned run cancelled during startup recovery")

		e.finalize(ctx, updated)
	}

	if len(orphans) > 0 {
		e.logger.Info().
			Str("event", "engine.recovery_done").
			Int("recovered", len(orphans)).
			Msg("startup recovery sweep complete")
	}
	return nil
}

// Snapshot is a point-in-time engine view for health and status reporting.
type Snapshot struct {
	ActiveRuns int `json:"active_runs"`
	Groups     int `json:"groups"`
	Waiting    int `json:"waiting"`
}

// Stats reports the current scheduling state.
func (e *Engine) Stats() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{ActiveRuns: len(e.active), Groups: len(e.groups)}
	for _, g := range e.groups {
		snap.Waiting += len(g.waiting)
	}
	return snap
}

// Store exposes the engine's state store for read paths (API listings).
func (e *Engine) Store() store.StateStore { return e.store }

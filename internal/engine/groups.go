// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"errors"
	"time"

	"github.com/gridrun/gridrun/internal/log"
	"github.com/gridrun/gridrun/internal/metrics"
	"github.com/gridrun/gridrun/internal/model"
)

// groupState tracks one concurrency group: the run currently executing and
// the FIFO backlog behind it. Guarded by Engine.mu.
type groupState struct {
	active  string       // run ID executing, "" when idle
	waiting []*model.Run // queued runs in arrival order
}

// cancelCause carries the cancellation reason through context so the run
// goroutine records why it was stopped.
type cancelCause model.CancelReason

func (c cancelCause) Error() string { return "run cancelled: " + string(c) }

// reasonFromContext extracts the cancel reason, defaulting to shutdown for
// plain context cancellation (parent daemon context went away).
func reasonFromContext(ctx context.Context) model.CancelReason {
	if cause, ok := context.Cause(ctx).(cancelCause); ok {
		return model.CancelReason(cause)
	}
	return model.ReasonShutdown
}

// schedule places a freshly created run into its concurrency group. With
// cancel-in-progress the newcomer supersedes everything in the group;
// otherwise groups execute FIFO, one run at a time.
func (e *Engine) schedule(run *model.Run) {
	if run.CancelInProgress {
		e.supersedeGroup(run)
	}
	e.enqueue(run)
}

// supersedeGroup cancels the backlog and the in-flight run of the newcomer's
// group. Concluding the backlog writes to the store, so this runs unlocked;
// the in-flight run frees the group slot when its goroutine finishes.
func (e *Engine) supersedeGroup(run *model.Run) {
	e.mu.Lock()
	g := e.groups[run.Group]
	if g == nil {
		e.mu.Unlock()
		return
	}
	superseded := g.waiting
	g.waiting = nil
	activeID := g.active
	var cancelActive context.CancelCauseFunc
	if activeID != "" {
		cancelActive = e.active[activeID]
	}
	e.mu.Unlock()

	for _, old := range superseded {
		e.concludeQueued(old, model.ReasonSuperseded)
	}
	if cancelActive != nil {
		e.logger.Info().
			Str("event", "run.superseding").
			Str(log.FieldGroup, run.Group).
			Str(log.FieldRunID, activeID).
			Str("superseded_by", run.ID).
			Msg("cancelling in-progress run in group")
		cancelActive(cancelCause(model.ReasonSuperseded))
	}
}

// enqueue appends the run to its group's backlog and promotes it if the group
// is idle. The group entry is looked up fresh under the lock: a superseded
// run may have concluded in the meantime, and its groupDone drops the idle
// entry from the map. Appending to that stale state would orphan the run.
func (e *Engine) enqueue(run *model.Run) {
	e.mu.Lock()
	defer e.mu.Unlock()

	g := e.groups[run.Group]
	if g == nil {
		g = &groupState{}
		e.groups[run.Group] = g
	}
	g.waiting = append(g.waiting, run)
	metrics.SetGroupQueueDepth(run.Group, len(g.waiting))
	e.promoteLocked(run.Group, g)
}

// promoteLocked starts the next waiting run when the group is idle.
// Caller holds e.mu.
func (e *Engine) promoteLocked(group string, g *groupState) {
	if g.active != "" || len(g.waiting) == 0 || e.closed {
		return
	}
	next := g.waiting[0]
	g.waiting = g.waiting[1:]
	g.active = next.ID
	metrics.SetGroupQueueDepth(group, len(g.waiting))

	runCtx, cancel := context.WithCancelCause(e.rootCtx)
	e.active[next.ID] = cancel
	e.wg.Add(1)
	go e.runLifecycle(runCtx, next)
}

// groupDone releases the group slot after a run concluded and promotes the
// next waiting run.
func (e *Engine) groupDone(run *model.Run) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.active, run.ID)
	g := e.groups[run.Group]
	if g == nil {
		return
	}
	if g.active == run.ID {
		g.active = ""
	}
	if len(g.waiting) == 0 && g.active == "" {
		delete(e.groups, run.Group)
		metrics.SetGroupQueueDepth(run.Group, 0)
		return
	}
	e.promoteLocked(run.Group, g)
}

// cancelRun cancels a run in whatever stage it is: waiting runs conclude
// directly, executing runs get their context cancelled.
func (e *Engine) cancelRun(_ context.Context, run *model.Run, reason model.CancelReason) error {
	e.mu.Lock()
	if cancel, ok := e.active[run.ID]; ok {
		e.mu.Unlock()
		cancel(cancelCause(reason))
		return nil
	}

	// Not executing: remove from the group backlog if still there.
	if g := e.groups[run.Group]; g != nil {
		for i, waiting := range g.waiting {
			if waiting.ID == run.ID {
				g.waiting = append(g.waiting[:i], g.waiting[i+1:]...)
				break
			}
		}
		metrics.SetGroupQueueDepth(run.Group, len(g.waiting))
	}
	e.mu.Unlock()

	e.concludeQueued(run, reason)
	return nil
}

// concludeQueued finishes a run that never started executing: the run and
// all its jobs go straight to cancelled.
func (e *Engine) concludeQueued(run *model.Run, reason model.CancelReason) {
	ctx := context.WithoutCancel(context.Background())

	updated, err := e.store.UpdateRun(ctx, run.ID, func(r *model.Run) error {
		if r.State.IsTerminal() {
			return ErrRunFinished
		}
		now := time.Now().UTC()
		r.State = model.StateCancelled
		r.Reason = reason
		r.FinishedAt = &now
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrRunFinished) {
			e.logger.Error().Err(err).Str(log.FieldRunID, run.ID).Msg("queued run cancellation failed")
		}
		return
	}

	for _, jobID := range updated.JobIDs {
		_, _ = e.store.UpdateJob(ctx, jobID, func(j *model.Job) error {
			if j.State.IsTerminal() {
				return nil
			}
			now := time.Now().UTC()
			j.State = model.StateCancelled
			j.Reason = reason
			j.FinishedAt = &now
			return nil
		})
	}

	metrics.IncRunConcluded(model.StateCancelled.String())
	metrics.IncRunCancelled(reason.String())
	e.logger.Info().
		Str("event", "run.cancelled").
		Str(log.FieldRunID, run.ID).
		Str(log.FieldGroup, run.Group).
		Str(log.FieldReason, reason.String()).
		Msg("queued run cancelled")

	e.finalize(ctx, updated)
}

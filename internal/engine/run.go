// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/gridrun/gridrun/internal/log"
	"github.com/gridrun/gridrun/internal/metrics"
	"github.com/gridrun/gridrun/internal/model"
	"github.com/gridrun/gridrun/internal/store"
	"github.com/gridrun/gridrun/internal/workflow"
)

// runLifecycle executes one run from queued to a terminal state. It owns the
// run lease, fans the jobs out and aggregates the conclusion. Runs on its
// own goroutine; e.wg tracks it.
func (e *Engine) runLifecycle(ctx context.Context, run *model.Run) {
	defer e.wg.Done()
	defer e.groupDone(run)

	logger := e.logger.With().
		Str(log.FieldRunID, run.ID).
		Str(log.FieldWorkflow, run.Workflow).
		Str(log.FieldGroup, run.Group).
		Logger()
	ctx = log.ContextWithRunID(ctx, run.ID)

	def, ok := e.workflows.Get(run.Workflow)
	if !ok {
		// Definition disappeared between creation and start (registry
		// reload). Nothing can execute; fail the run.
		logger.Error().Str("event", "run.workflow_missing").Msg("workflow definition vanished before start")
		e.concludeRun(ctx, run, model.StateFailed, "", logger)
		return
	}

	// Single-writer claim for the run. Lost leases abort with owner_lost.
	lease, got, err := e.store.TryAcquireLease(ctx, runLeaseKey(run.ID), e.cfg.Owner, e.cfg.LeaseTTL)
	if err != nil || !got {
		if err != nil {
			logger.Error().Err(err).Str("event", "run.lease_error").Msg("run lease acquisition failed")
		} else {
			logger.Warn().Str("event", "run.lease_conflict").Msg("run lease held elsewhere, skipping")
		}
		e.concludeRun(ctx, run, model.StateCancelled, model.ReasonOwnerLost, logger)
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = e.store.ReleaseLease(releaseCtx, lease.Key(), lease.Owner())
	}()

	hbCtx, hbStop := context.WithCancelCause(ctx)
	defer hbStop(nil)
	go e.heartbeat(hbCtx, hbStop, lease.Key(), logger)

	updated, err := e.store.UpdateRun(ctx, run.ID, func(r *model.Run) error {
		if r.State.IsTerminal() {
			return ErrRunFinished
		}
		now := time.Now().UTC()
		r.State = model.StateRunning
		r.StartedAt = &now
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrRunFinished) {
			logger.Error().Err(err).Str("event", "run.start_failed").Msg("run start transition failed")
		}
		return
	}
	run = updated

	metrics.AddActiveRuns(1)
	defer metrics.AddActiveRuns(-1)
	logger.Info().
		Str("event", "run.started").
		Str(log.FieldOldState, model.StateQueued.String()).
		Str(log.FieldNewState, model.StateRunning.String()).
		Msg("run started")

	jobs, err := store.JobsForRun(hbCtx, e.store, run)
	if err != nil {
		logger.Error().Err(err).Str("event", "run.jobs_load_failed").Msg("job load failed")
		e.concludeRun(ctx, run, model.StateFailed, "", logger)
		return
	}

	// Fan out: jobs are independent, bounded by the global semaphore, no
	// fail-fast. A cancelled run context stops the jobs; a failing job
	// never touches its siblings.
	sem := semaphore.NewWeighted(int64(e.cfg.MaxParallel))
	done := make(chan struct{}, len(jobs))
	for _, job := range jobs {
		job := job
		go func() {
			defer func() { done <- struct{}{} }()
			if err := sem.Acquire(hbCtx, 1); err != nil {
				e.concludeJobCancelled(ctx, job.ID, reasonFromContext(hbCtx))
				return
			}
			defer sem.Release(1)
			e.executeJob(hbCtx, def, run, job)
		}()
	}
	for range jobs {
		<-done
	}

	// Re-load for the aggregated verdict; executeJob persisted each job's
	// terminal state.
	final, err := store.JobsForRun(context.WithoutCancel(ctx), e.store, run)
	if err != nil {
		logger.Error().Err(err).Msg("job reload for aggregation failed")
		e.concludeRun(ctx, run, model.StateFailed, "", logger)
		return
	}
	jobValues := make([]model.Job, len(final))
	for i, j := range final {
		jobValues[i] = *j
	}
	conclusion := model.AggregateConclusion(jobValues)

	var reason model.CancelReason
	if conclusion == model.StateCancelled {
		reason = reasonFromContext(hbCtx)
	}
	e.concludeRun(ctx, run, conclusion, reason, logger)
}

// heartbeat renews the run lease until the run context ends. A lost lease
// cancels the run with owner_lost.
func (e *Engine) heartbeat(ctx context.Context, abort context.CancelCauseFunc, leaseKey string, logger zerolog.Logger) {
	t := time.NewTicker(e.cfg.HeartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, ok, err := e.store.RenewLease(ctx, leaseKey, e.cfg.Owner, e.cfg.LeaseTTL)
			if err != nil {
				logger.Warn().Err(err).Str("event", "run.heartbeat_error").Msg("lease renewal error")
				continue
			}
			if !ok {
				logger.Warn().Str("event", "run.lease_lost").Msg("run lease lost, aborting")
				abort(cancelCause(model.ReasonOwnerLost))
				return
			}
		}
	}
}

// executeJob drives one matrix job through the executor and persists its
// terminal state.
func (e *Engine) executeJob(ctx context.Context, def *workflow.Definition, run *model.Run, job *model.Job) {
	ctx = log.ContextWithJobID(ctx, job.ID)
	logger := e.logger.With().
		Str(log.FieldRunID, run.ID).
		Str(log.FieldJobID, job.ID).
		Str("job", job.Slug).
		Logger()

	updated, err := e.store.UpdateJob(ctx, job.ID, func(j *model.Job) error {
		if !j.State.CanTransitionTo(model.StateRunning) {
			return ErrRunFinished
		}
		now := time.Now().UTC()
		j.State = model.StateRunning
		j.StartedAt = &now
		j.Lease = &model.Lease{Owner: e.cfg.Owner, PID: os.Getpid(), ExpiresAt: now.Add(e.cfg.LeaseTTL)}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrRunFinished) {
			logger.Error().Err(err).Str("event", "job.start_failed").Msg("job start transition failed")
			metrics.IncStoreError("update_job")
		}
		return
	}
	job = updated

	metrics.AddActiveJobs(1)
	defer metrics.AddActiveJobs(-1)
	logger.Info().Str("event", "job.started").Msg("job started")

	artifacts := e.artifactStore(run.ID)
	if artifacts != nil {
		defer func() { _ = artifacts.Close() }()
	}

	result, err := e.exec.Execute(ctx, def, run, job, artifacts)
	if err != nil {
		// Context ended mid-flight: the job is cancelled with the run's
		// cancellation reason.
		e.concludeJobCancelled(ctx, job.ID, reasonFromContext(ctx))
		return
	}

	start := job.StartedAt
	_, err = e.store.UpdateJob(context.WithoutCancel(ctx), job.ID, func(j *model.Job) error {
		if j.State.IsTerminal() {
			return nil
		}
		now := time.Now().UTC()
		j.State = result.State
		j.Reason = result.Reason
		j.ExitCode = result.ExitCode
		j.EnvName = result.EnvName
		j.FinishedAt = &now
		j.Lease = nil
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Str("event", "job.conclude_failed").Msg("job conclusion write failed")
		metrics.IncStoreError("update_job")
		return
	}

	metrics.IncJobConcluded(result.State.String())
	if start != nil {
		metrics.ObserveJobDuration(result.State.String(), time.Since(*start))
	}
}

// concludeJobCancelled marks a job cancelled; used when the run context
// ended before or during execution.
func (e *Engine) concludeJobCancelled(ctx context.Context, jobID string, reason model.CancelReason) {
	_, err := e.store.UpdateJob(context.WithoutCancel(ctx), jobID, func(j *model.Job) error {
		if j.State.IsTerminal() {
			return nil
		}
		now := time.Now().UTC()
		j.State = model.StateCancelled
		j.Reason = reason
		j.FinishedAt = &now
		j.Lease = nil
		return nil
	})
	if err != nil {
		e.logger.Error().Err(err).Str(log.FieldJobID, jobID).Msg("job cancellation write failed")
		metrics.IncStoreError("update_job")
		return
	}
	metrics.IncJobConcluded(model.StateCancelled.String())
}

// concludeRun writes the run's terminal state, then archives and notifies.
func (e *Engine) concludeRun(ctx context.Context, run *model.Run, state model.State, reason model.CancelReason, logger zerolog.Logger) {
	bg := context.WithoutCancel(ctx)
	updated, err := e.store.UpdateRun(bg, run.ID, func(r *model.Run) error {
		if r.State.IsTerminal() {
			return ErrRunFinished
		}
		now := time.Now().UTC()
		r.State = state
		r.Reason = reason
		r.FinishedAt = &now
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrRunFinished) {
			logger.Error().Err(err).Str("event", "run.conclude_failed").Msg("run conclusion write failed")
			metrics.IncStoreError("update_run")
		}
		return
	}

	metrics.IncRunConcluded(state.String())
	if state == model.StateCancelled && reason != "" {
		metrics.IncRunCancelled(reason.String())
	}

	evt := logger.Info()
	if state == model.StateFailed {
		evt = logger.Warn()
	}
	evt.Str("event", "run.concluded").
		Str(log.FieldNewState, state.String()).
		Str(log.FieldReason, reason.String()).
		Msg("run concluded")

	e.finalize(bg, updated)
}

// finalize appends the concluded run to the history archive and fires the
// notifier. Both are best-effort; the state store already holds the truth.
func (e *Engine) finalize(ctx context.Context, run *model.Run) {
	jobs, err := store.JobsForRun(ctx, e.store, run)
	if err != nil {
		e.logger.Warn().Err(err).Str(log.FieldRunID, run.ID).Msg("job load for finalize failed")
		return
	}

	if e.archive != nil {
		if err := e.archive.Append(ctx, run, jobs); err != nil {
			e.logger.Warn().Err(err).Str(log.FieldRunID, run.ID).Msg("archive append failed")
			metrics.IncStoreError("archive_append")
		}
	}
	if e.notifier != nil {
		e.notifier.RunConcluded(ctx, run, jobs)
	}
}

func runLeaseKey(runID string) string { return "run:" + runID }

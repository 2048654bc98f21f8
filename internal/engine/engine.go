// SPDX-License-Identifier: MIT

// Package engine coordinates workflow runs: it matches inbound triggers
// against registered workflows, expands the build matrix into jobs, enforces
// per-group concurrency policy and drives job execution through the
// executor. One engine instance owns all runs of a daemon process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gridrun/gridrun/internal/artifact"
	"github.com/gridrun/gridrun/internal/executor"
	"github.com/gridrun/gridrun/internal/log"
	"github.com/gridrun/gridrun/internal/metrics"
	"github.com/gridrun/gridrun/internal/model"
	"github.com/gridrun/gridrun/internal/store"
	"github.com/gridrun/gridrun/internal/store/archive"
	"github.com/gridrun/gridrun/internal/workflow"
)

var (
	// ErrNoMatch is returned by Submit when no registered workflow fires for
	// the trigger.
	ErrNoMatch = errors.New("no workflow matches trigger")

	// ErrUnknownWorkflow is returned by Dispatch for unregistered names.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrDispatchDisabled is returned by Dispatch when the workflow does not
	// declare the workflow_dispatch trigger.
	ErrDispatchDisabled = errors.New("workflow_dispatch not enabled")

	// ErrRunNotFound is returned by Cancel for unknown run IDs.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunFinished is returned by Cancel when the run is already terminal.
	ErrRunFinished = errors.New("run already finished")

	// ErrEngineClosed rejects submissions after shutdown started.
	ErrEngineClosed = errors.New("engine is shut down")
)

// DuplicateDeliveryError reports a webhook redelivery: the delivery ID was
// already consumed and RunID is the run it created.
type DuplicateDeliveryError struct {
	RunID string
}

func (e *DuplicateDeliveryError) Error() string {
	return "duplicate delivery, already handled by run " + e.RunID
}

// WorkflowSource is what the engine needs from the workflow registry.
type WorkflowSource interface {
	Get(name string) (*workflow.Definition, bool)
	Match(t model.Trigger) []*workflow.Definition
}

// Notifier receives run conclusions. Implementations must not block for long;
// the engine calls them on the run's goroutine after the terminal state is
// persisted.
type Notifier interface {
	RunConcluded(ctx context.Context, run *model.Run, jobs []*model.Job)
}

// Config parameterizes the engine.
type Config struct {
	// Owner is this daemon's stable identity, stamped on runs and leases.
	// Empty picks "<hostname>-<pid>-<uuid>".
	Owner string

	// MaxParallel bounds jobs executing at once across all runs. Zero means 4.
	MaxParallel int

	// ArtifactRoot is the directory holding per-run artifact stores.
	ArtifactRoot string

	// WorkRoot is the executor's workspace root; the sweeper prunes expired
	// run directories beneath it.
	WorkRoot string

	// LeaseTTL is the run lease duration; HeartbeatEvery renews it. Defaults
	// 30s / 10s.
	LeaseTTL       time.Duration
	HeartbeatEvery time.Duration

	// IdempotencyTTL is the delivery de-duplication window. Default 24h.
	IdempotencyTTL time.Duration

	// Retention is how long concluded runs and their directories are kept by
	// the sweeper. Zero disables pruning.
	Retention time.Duration

	// SweepInterval is the sweeper period. Default 5m.
	SweepInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Owner == "" {
		host, _ := os.Hostname()
		out.Owner = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString())
	}
	if out.MaxParallel <= 0 {
		out.MaxParallel = 4
	}
	if out.LeaseTTL <= 0 {
		out.LeaseTTL = 30 * time.Second
	}
	if out.HeartbeatEvery <= 0 {
		out.HeartbeatEvery = 10 * time.Second
	}
	if out.IdempotencyTTL <= 0 {
		out.IdempotencyTTL = 24 * time.Hour
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = 5 * time.Minute
	}
	return out
}

// Engine is the run coordinator.
type Engine struct {
	cfg       Config
	store     store.StateStore
	workflows WorkflowSource
	exec      *executor.Executor
	archive   *archive.Archive // optional
	notifier  Notifier         // optional
	logger    zerolog.Logger

	// sem bounds concurrent job execution across runs.
	sem chan struct{}

	mu      sync.Mutex
	closed  bool
	active  map[string]context.CancelCauseFunc // runID -> cancel
	groups  map[string]*groupState
	rootCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New wires an engine. Archive and notifier may be nil.
func New(cfg Config, st store.StateStore, wfs WorkflowSource, exec *executor.Executor, arch *archive.Archive, notifier Notifier, logger zerolog.Logger) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:       cfg,
		store:     st,
		workflows: wfs,
		exec:      exec,
		archive:   arch,
		notifier:  notifier,
		logger:    logger.With().Str(log.FieldComponent, "engine").Logger(),
		sem:       make(chan struct{}, cfg.MaxParallel),
		active:    make(map[string]context.CancelCauseFunc),
		groups:    make(map[string]*groupState),
	}
}

// Start recovers orphaned runs and launches the retention sweeper. The
// engine executes runs until Close.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.rootCtx = runCtx
	e.stop = cancel
	e.mu.Unlock()

	if err := e.recoverOrphans(ctx); err != nil {
		cancel()
		return fmt.Errorf("recovery sweep: %w", err)
	}

	e.wg.Add(1)
	go e.sweepLoop(runCtx)

	e.logger.Info().
		Str("event", "engine.started").
		Str("owner", e.cfg.Owner).
		Int("max_parallel", e.cfg.MaxParallel).
		Msg("engine started")
	return nil
}

// Close stops accepting work, cancels active runs with reason shutdown and
// waits for them to settle, bounded by ctx.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancels := make([]context.CancelCauseFunc, 0, len(e.active))
	for _, c := range e.active {
		cancels = append(cancels, c)
	}
	var waiting []*model.Run
	for _, g := range e.groups {
		waiting = append(waiting, g.waiting...)
		g.waiting = nil
	}
	stop := e.stop
	e.mu.Unlock()

	// Backlogged runs never started; conclude them directly. In-flight runs
	// get their contexts cancelled with the shutdown reason, then the
	// sweeper's root context is torn down.
	for _, run := range waiting {
		e.concludeQueued(run, model.ReasonShutdown)
	}
	for _, c := range cancels {
		c(cancelCause(model.ReasonShutdown))
	}
	if stop != nil {
		stop()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("engine shutdown: %w", ctx.Err())
	}

	e.logger.Info().Str("event", "engine.stopped").Msg("engine stopped")
	return err
}

// SubmitOutcome reports what one delivery did for a single matched workflow.
type SubmitOutcome struct {
	Workflow string
	// RunID is the created run, or the original run for a replayed delivery.
	RunID    string
	Replayed bool
	Err      error
}

// SubmitResult carries the per-workflow outcomes of one delivery.
type SubmitResult struct {
	// Runs are the newly created runs, in match order.
	Runs []*model.Run
	// Outcomes has one entry per matched workflow, including replays and
	// creation failures.
	Outcomes []SubmitOutcome
}

// Submit matches the trigger against all registered workflows and creates one
// run per match. Execution is asynchronous; the returned runs are queued.
// Workflows are independent: a replayed delivery or a creation failure for
// one does not stop run creation for the others. The error is non-nil only
// when nothing was created: ErrNoMatch, a DuplicateDeliveryError when every
// matched workflow already consumed the delivery, or the first creation
// failure.
func (e *Engine) Submit(ctx context.Context, t model.Trigger) (*SubmitResult, error) {
	defs := e.workflows.Match(t)
	if len(defs) == 0 {
		metrics.IncEventRejected("no_match")
		return nil, ErrNoMatch
	}

	res := &SubmitResult{Outcomes: make([]SubmitOutcome, 0, len(defs))}
	var firstDup *DuplicateDeliveryError
	var firstErr error
	for _, def := range defs {
		run, err := e.createRun(ctx, def, t)
		var dup *DuplicateDeliveryError
		switch {
		case errors.As(err, &dup):
			res.Outcomes = append(res.Outcomes, SubmitOutcome{Workflow: def.Name, RunID: dup.RunID, Replayed: true})
			if firstDup == nil {
				firstDup = dup
			}
		case err != nil:
			res.Outcomes = append(res.Outcomes, SubmitOutcome{Workflow: def.Name, Err: err})
			if firstErr == nil {
				firstErr = err
			}
			e.logger.Error().
				Err(err).
				Str(log.FieldWorkflow, def.Name).
				Str("trigger", t.Kind.String()).
				Msg("run creation failed")
		default:
			res.Outcomes = append(res.Outcomes, SubmitOutcome{Workflow: def.Name, RunID: run.ID})
			res.Runs = append(res.Runs, run)
		}
	}

	if len(res.Runs) == 0 {
		if firstDup != nil {
			return res, firstDup
		}
		return nil, firstErr
	}
	return res, nil
}

// Dispatch starts the named workflow manually. The workflow must declare the
// workflow_dispatch trigger.
func (e *Engine) Dispatch(ctx context.Context, name string, t model.Trigger) (*model.Run, error) {
	def, ok := e.workflows.Get(name)
	if !ok {
		return nil, ErrUnknownWorkflow
	}
	if !def.On.Dispatch {
		return nil, ErrDispatchDisabled
	}
	return e.createRun(ctx, def, t)
}

// Cancel requests cancellation of a queued or running run.
func (e *Engine) Cancel(ctx context.Context, runID string, reason model.CancelReason) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return ErrRunNotFound
	}
	if run.State.IsTerminal() {
		return ErrRunFinished
	}
	return e.cancelRun(ctx, run, reason)
}

// createRun persists the run with its expanded jobs and hands it to the
// concurrency group scheduler.
func (e *Engine) createRun(ctx context.Context, def *workflow.Definition, t model.Trigger) (*model.Run, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.mu.Unlock()

	cells := def.Matrix.Expand()
	now := time.Now().UTC()

	run := &model.Run{
		ID:               uuid.NewString(),
		Workflow:         def.Name,
		Group:            def.GroupKey(t),
		CancelInProgress: def.CancelInProgress(),
		Trigger:          t,
		State:            model.StateQueued,
		Owner:            e.cfg.Owner,
		CreatedAt:        now,
	}

	jobs := make([]*model.Job, 0, max(len(cells), 1))
	if len(cells) == 0 {
		// Empty matrix: a single job with no coordinates.
		cells = []workflow.Cell{{}}
	}
	for _, cell := range cells {
		jobID := uuid.NewString()
		jobs = append(jobs, &model.Job{
			ID:        jobID,
			RunID:     run.ID,
			Workflow:  def.Name,
			Name:      workflow.JobName(def.Name, cell),
			Slug:      jobSlug(cell),
			Matrix:    cell.Map(),
			State:     model.StateQueued,
			EnvName:   workflow.EnvName(def.Name, cell, jobID),
			CreatedAt: now,
		})
		run.JobIDs = append(run.JobIDs, jobID)
	}

	for _, job := range jobs {
		if err := e.store.PutJob(ctx, job); err != nil {
			return nil, fmt.Errorf("persist job: %w", err)
		}
	}

	if t.DeliveryID != "" {
		idemKey := t.DeliveryID + ":" + def.Name
		err := e.store.PutRunWithIdempotency(ctx, run, idemKey, e.cfg.IdempotencyTTL)
		if errors.Is(err, store.ErrIdempotentReplay) {
			for _, job := range jobs {
				_ = e.store.DeleteJob(ctx, job.ID)
			}
			existing, _, lookupErr := e.store.GetIdempotency(ctx, idemKey)
			if lookupErr != nil {
				return nil, lookupErr
			}
			e.logger.Info().
				Str("event", "run.duplicate_delivery").
				Str(log.FieldDeliveryID, t.DeliveryID).
				Str(log.FieldWorkflow, def.Name).
				Str(log.FieldRunID, existing).
				Msg("delivery already handled")
			return nil, &DuplicateDeliveryError{RunID: existing}
		}
		if err != nil {
			return nil, fmt.Errorf("persist run: %w", err)
		}
	} else if err := e.store.PutRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	metrics.IncRun(t.Kind.String())
	metrics.RecordMatrixSize(len(jobs))
	e.logger.Info().
		Str("event", "run.created").
		Str(log.FieldRunID, run.ID).
		Str(log.FieldWorkflow, run.Workflow).
		Str(log.FieldGroup, run.Group).
		Str("trigger", t.Kind.String()).
		Int("jobs", len(jobs)).
		Msg("run created")

	e.schedule(run)
	return run, nil
}

// artifactStore opens the run's artifact directory. A nil store disables
// collection for the run.
func (e *Engine) artifactStore(runID string) artifact.Store {
	if e.cfg.ArtifactRoot == "" {
		return nil
	}
	s, err := artifact.OpenDir(filepath.Join(e.cfg.ArtifactRoot, runID))
	if err != nil {
		e.logger.Warn().Err(err).Str(log.FieldRunID, runID).Msg("artifact store unavailable")
		return nil
	}
	return s
}

func jobSlug(cell workflow.Cell) string {
	if len(cell.Coords) == 0 {
		return "default"
	}
	return cell.Slug()
}

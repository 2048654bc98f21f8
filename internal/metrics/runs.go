// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instrumentation for the run engine,
// the environment manager and process supervision.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridrun_runs_total",
		Help: "Workflow runs created, by trigger event",
	}, []string{"event"}) // event=push|pull_request|workflow_dispatch

	runsConcluded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridrun_runs_concluded_total",
		Help: "Workflow runs reaching a terminal state, by conclusion",
	}, []string{"conclusion"}) // conclusion=succeeded|failed|cancelled

	runsCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridrun_runs_cancelled_total",
		Help: "Workflow run cancellations by reason",
	}, []string{"reason"}) // reason=superseded|api_cancel|shutdown|owner_lost

	runsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridrun_runs_active",
		Help: "Runs currently queued or running",
	})

	groupQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridrun_group_queue_depth",
		Help: "Runs waiting behind an active run in a concurrency group",
	}, []string{"group"})

	jobsConcluded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridrun_jobs_concluded_total",
		Help: "Matrix jobs reaching a terminal state, by conclusion",
	}, []string{"conclusion"})

	jobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridrun_jobs_active",
		Help: "Matrix jobs currently executing",
	})

	jobDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gridrun_job_duration_seconds",
		Help:    "Wall-clock job duration from start to terminal state",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~68m
	}, []string{"conclusion"})

	matrixJobsExpanded = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gridrun_matrix_jobs_expanded",
		Help:    "Number of jobs produced by matrix expansion per run",
		Buckets: []float64{1, 2, 4, 8, 12, 16, 24, 32, 48, 64},
	})

	eventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridrun_events_rejected_total",
		Help: "Trigger events that produced no run, by cause",
	}, []string{"cause"}) // cause=no_match|duplicate|invalid
)

func IncRun(event string)                 { runsTotal.WithLabelValues(event).Inc() }
func IncRunConcluded(conclusion string)   { runsConcluded.WithLabelValues(conclusion).Inc() }
func IncRunCancelled(reason string)       { runsCancelled.WithLabelValues(reason).Inc() }
func IncJobConcluded(conclusion string)   { jobsConcluded.WithLabelValues(conclusion).Inc() }
func IncEventRejected(cause string)       { eventsRejected.WithLabelValues(cause).Inc() }
func AddActiveRuns(delta int)             { runsActive.Add(float64(delta)) }
func AddActiveJobs(delta int)             { jobsActive.Add(float64(delta)) }
func RecordMatrixSize(jobs int)           { matrixJobsExpanded.Observe(float64(jobs)) }
func SetGroupQueueDepth(group string, n int) {
	groupQueueDepth.WithLabelValues(group).Set(float64(n))
}

// ObserveJobDuration records a finished job's wall-clock duration.
func ObserveJobDuration(conclusion string, d time.Duration) {
	jobDurationSeconds.WithLabelValues(conclusion).Observe(d.Seconds())
}

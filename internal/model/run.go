// SPDX-License-Identifier: MIT

package model

import (
	"time"
)

// TriggerKind identifies how a run was started.
type TriggerKind string

const (
	TriggerPush     TriggerKind = "push"
	TriggerPullRequest TriggerKind = "pull_request"
	TriggerDispatch TriggerKind = "workflow_dispatch"
)

// IsValid checks whether the trigger kind is one of the defined constants.
func (k TriggerKind) IsValid() bool {
	switch k {
	case TriggerPush, TriggerPullRequest, TriggerDispatch:
		return true
	default:
		return false
	}
}

func (k TriggerKind) String() string {
	return string(k)
}

// Trigger describes the event that started a run.
type Trigger struct {
	Kind TriggerKind `json:"kind"`

	// Ref is the branch the event targets. For pull_request events this is
	// the target branch, matching how concurrency groups key on refs.
	Ref string `json:"ref"`

	// SHA is the commit under test, if the event carried one.
	SHA string `json:"sha,omitempty"`

	// Actor is who caused the event (committer, PR author, dispatch caller).
	Actor string `json:"actor,omitempty"`

	// DeliveryID deduplicates retried webhook deliveries.
	DeliveryID string `json:"delivery_id,omitempty"`
}

// Run is one execution of a workflow: a set of matrix jobs sharing a trigger
// and a concurrency group.
type Run struct {
	ID       string `json:"id"`
	Workflow string `json:"workflow"`

	// Group is the resolved concurrency group key, e.g. "tests-main".
	Group string `json:"group"`

	// CancelInProgress is the group policy resolved at creation time, kept on
	// the run so recovery after restart applies the same policy.
	CancelInProgress bool `json:"cancel_in_progress"`

	Trigger Trigger `json:"trigger"`

	State  State        `json:"state"`
	Reason CancelReason `json:"reason,omitempty"`

	// JobIDs lists the matrix jobs in expansion order.
	JobIDs []string `json:"job_ids"`

	// Owner identifies the daemon instance driving this run.
	Owner string `json:"owner,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Lease records which daemon instance is executing a job and until when the
// claim is considered alive. Expired leases are reclaimed on startup recovery.
type Lease struct {
	Owner     string    `json:"owner"`
	PID       int       `json:"pid,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease has passed the given instant.
func (l *Lease) Expired(now time.Time) bool {
	if l == nil {
		return true
	}
	return now.After(l.ExpiresAt)
}

// Job is a single cell of the build matrix within a run.
type Job struct {
	ID       string `json:"id"`
	RunID    string `json:"run_id"`
	Workflow string `json:"workflow"`

	// Name is the human-readable job title, e.g. "tests (pypy3.11, numpy, minimal)".
	Name string `json:"name"`

	// Slug is the filesystem- and environment-safe coordinate key in
	// dimension declaration order, e.g. "pypy3.11-numpy-minimal".
	Slug string `json:"slug"`

	// Matrix holds the job's coordinates, one value per dimension.
	Matrix map[string]string `json:"matrix"`

	State  State        `json:"state"`
	Reason CancelReason `json:"reason,omitempty"`

	// ExitCode is the test command's exit code once the job finished running.
	ExitCode *int `json:"exit_code,omitempty"`

	// EnvName is the isolated environment the job executed in.
	EnvName string `json:"env_name,omitempty"`

	Lease *Lease `json:"lease,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Duration returns the wall-clock execution time of a finished job, or zero
// if it never started or has not finished.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// AggregateConclusion derives a run's terminal state from its jobs.
// Cancellation dominates, then failure; a run succeeds only when every job
// succeeded.
func AggregateConclusion(jobs []Job) State {
	conclusion := StateSucceeded
	for i := range jobs {
		switch jobs[i].State {
		case StateCancelled:
			return StateCancelled
		case StateFailed:
			conclusion = StateFailed
		case StateSucceeded:
			// keep current
		default:
			// Non-terminal job: the run cannot conclude yet. Callers must
			// only aggregate once all jobs are terminal; treat as failed to
			// fail safe.
			conclusion = StateFailed
		}
	}
	return conclusion
}

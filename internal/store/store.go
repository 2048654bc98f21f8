// SPDX-License-Identifier: MIT

// Package store persists run and job state. The Badger backend is the
// durable default; the memory backend serves tests and local iteration.
//
// Key layout (Badger):
//   - runs:  "run:<id>"   (JSON)
//   - jobs:  "job:<id>"   (JSON)
//   - idem:  "idem:<key>" (value = run ID) with TTL
//   - lease: "lease:<key>" (JSON) with TTL
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gridrun/gridrun/internal/model"
)

// ErrIdempotentReplay is returned when a delivery ID was already consumed.
var ErrIdempotentReplay = errors.New("idempotent replay")

// ErrNotFound is returned by Update methods when the record does not exist.
// Get methods return (nil, nil) instead.
var ErrNotFound = errors.New("record not found")

// StateStore is the persistence contract for the run engine.
//
// Get methods return (nil, nil) when the record does not exist; storage
// failures are the only errors.
type StateStore interface {
	Close() error

	// Runs
	PutRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	UpdateRun(ctx context.Context, id string, fn func(*model.Run) error) (*model.Run, error)
	ScanRuns(ctx context.Context, fn func(*model.Run) error) error
	DeleteRun(ctx context.Context, id string) error

	// PutRunWithIdempotency writes the run and consumes the delivery key in
	// one transaction. A consumed key yields ErrIdempotentReplay and no write.
	PutRunWithIdempotency(ctx context.Context, run *model.Run, idemKey string, ttl time.Duration) error

	// Jobs
	PutJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	UpdateJob(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error)
	ScanJobs(ctx context.Context, fn func(*model.Job) error) error
	DeleteJob(ctx context.Context, id string) error

	// Delivery idempotency
	GetIdempotency(ctx context.Context, idemKey string) (string, bool, error)

	// Leases
	TryAcquireLease(ctx context.Context, leaseKey, owner string, ttl time.Duration) (Lease, bool, error)
	RenewLease(ctx context.Context, leaseKey, owner string, ttl time.Duration) (Lease, bool, error)
	ReleaseLease(ctx context.Context, leaseKey, owner string) error
}

// Lease is a held execution claim.
type Lease interface {
	Key() string
	Owner() string
	ExpiresAt() time.Time
}

// ListRuns collects all runs; convenience over ScanRuns.
func ListRuns(ctx context.Context, s StateStore) ([]*model.Run, error) {
	var list []*model.Run
	err := s.ScanRuns(ctx, func(r *model.Run) error {
		list = append(list, r)
		return nil
	})
	return list, err
}

// JobsForRun loads the run's jobs in expansion order.
func JobsForRun(ctx context.Context, s StateStore, run *model.Run) ([]*model.Job, error) {
	jobs := make([]*model.Job, 0, len(run.JobIDs))
	for _, id := range run.JobIDs {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load job %s: %w", id, err)
		}
		if job == nil {
			return nil, fmt.Errorf("run %s references missing job %s", run.ID, id)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Backend selects a store implementation.
type Backend string

const (
	BackendBadger Backend = "badger"
	BackendMemory Backend = "memory"
)

// Open constructs the configured backend. path is only used by Badger.
func Open(backend Backend, path string) (StateStore, error) {
	switch backend {
	case BackendBadger:
		return OpenBadger(path)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gridrun/gridrun/internal/model"
)

// MemoryStore is an in-memory StateStore intended for tests and local
// iteration. Not durable; not suitable for production.
type MemoryStore struct {
	mu sync.RWMutex

	runs map[string][]byte
	jobs map[string][]byte

	// leaseKey -> lease state
	leases map[string]leaseState

	// idemKey -> run ID (with expiry)
	idem map[string]idemState
}

type leaseState struct {
	owner string
	exp   time.Time
}

type idemState struct {
	runID string
	exp   time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string][]byte),
		jobs:   make(map[string][]byte),
		leases: make(map[string]leaseState),
		idem:   make(map[string]idemState),
	}
}

func (m *MemoryStore) Close() error { return nil }

// Records are stored as JSON so callers never share pointers with the store,
// matching Badger's copy semantics.

func (m *MemoryStore) PutRun(ctx context.Context, run *model.Run) error {
	buf, err := json.Marshal(run)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.runs[run.ID] = buf
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	m.mu.RLock()
	buf, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var out model.Run
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *MemoryStore) UpdateRun(ctx context.Context, id string, fn func(*model.Run) error) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	var out model.Run
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, err
	}
	if err := fn(&out); err != nil {
		return nil, err
	}
	next, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	m.runs[id] = next
	return &out, nil
}

func (m *MemoryStore) ScanRuns(ctx context.Context, fn func(*model.Run) error) error {
	m.mu.RLock()
	snapshot := make([][]byte, 0, len(m.runs))
	for _, buf := range m.runs {
		snapshot = append(snapshot, buf)
	}
	m.mu.RUnlock()

	for _, buf := range snapshot {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		var rec model.Run
		if err := json.Unmarshal(buf, &rec); err != nil {
			continue
		}
		if err := fn(&rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) DeleteRun(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.runs, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) PutRunWithIdempotency(ctx context.Context, run *model.Run, idemKey string, ttl time.Duration) error {
	buf, err := json.Marshal(run)
	if err != nil {
		return err
	}

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if idemKey != "" {
		if st, ok := m.idem[idemKey]; ok && now.Before(st.exp) {
			return ErrIdempotentReplay
		}
		m.idem[idemKey] = idemState{runID: run.ID, exp: now.Add(ttl)}
	}
	m.runs[run.ID] = buf
	return nil
}

func (m *MemoryStore) PutJob(ctx context.Context, job *model.Job) error {
	buf, err := json.Marshal(job)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.jobs[job.ID] = buf
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	m.mu.RLock()
	buf, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var out model.Job
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *MemoryStore) UpdateJob(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	var out model.Job
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, err
	}
	if err := fn(&out); err != nil {
		return nil, err
	}
	next, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	m.jobs[id] = next
	return &out, nil
}

func (m *MemoryStore) ScanJobs(ctx context.Context, fn func(*model.Job) error) error {
	m.mu.RLock()
	snapshot := make([][]byte, 0, len(m.jobs))
	for _, buf := range m.jobs {
		snapshot = append(snapshot, buf)
	}
	m.mu.RUnlock()

	for _, buf := range snapshot {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		var rec model.Job
		if err := json.Unmarshal(buf, &rec); err != nil {
			continue
		}
		if err := fn(&rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.jobs, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetIdempotency(ctx context.Context, idemKey string) (string, bool, error) {
	if idemKey == "" {
		return "", false, nil
	}
	now := time.Now()
	m.mu.Lock()
	st, ok := m.idem[idemKey]
	if ok && now.After(st.exp) {
		delete(m.idem, idemKey)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return "", false, nil
	}
	return st.runID, true, nil
}

func (m *MemoryStore) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.leases[key]; ok && now.Before(st.exp) {
		return nil, false, nil
	}
	exp := now.Add(ttl)
	m.leases[key] = leaseState{owner: owner, exp: exp}
	return &memoryLease{key: key, owner: owner, exp: exp}, true, nil
}

func (m *MemoryStore) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.leases[key]
	if !ok || st.owner != owner || now.After(st.exp) {
		return nil, false, nil
	}
	exp := now.Add(ttl)
	m.leases[key] = leaseState{owner: owner, exp: exp}
	return &memoryLease{key: key, owner: owner, exp: exp}, true, nil
}

func (m *MemoryStore) ReleaseLease(ctx context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.leases[key]; ok && st.owner == owner {
		delete(m.leases, key)
	}
	return nil
}

type memoryLease struct {
	key   string
	owner string
	exp   time.Time
}

func (l *memoryLease) Key() string          { return l.key }
func (l *memoryLease) Owner() string        { return l.owner }
func (l *memoryLease) ExpiresAt() time.Time { return l.exp }

var _ StateStore = (*MemoryStore)(nil)
var _ Lease = (*memoryLease)(nil)

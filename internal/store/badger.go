// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/gridrun/gridrun/internal/model"
)

// BadgerStore is the durable StateStore.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the database at path.
func OpenBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func runKey(id string) []byte  { return []byte("run:" + id) }
func jobKey(id string) []byte  { return []byte("job:" + id) }
func idemKey(k string) []byte  { return []byte("idem:" + k) }
func leaseKey(k string) []byte { return []byte("lease:" + k) }

func (s *BadgerStore) PutRun(ctx context.Context, run *model.Run) error {
	buf, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(run.ID), buf)
	})
}

func (s *BadgerStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var out model.Run
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil // Not found, no error
		}
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) UpdateRun(ctx context.Context, id string, fn func(*model.Run) error) (*model.Run, error) {
	var out model.Run
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(id))
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		}); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		buf, err := json.Marshal(out)
		if err != nil {
			return err
		}
		return txn.Set(runKey(id), buf)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) ScanRuns(ctx context.Context, fn func(*model.Run) error) error {
	prefix := []byte("run:")
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			item := it.Item()
			var rec model.Run
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				continue
			}
			if err := fn(&rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) DeleteRun(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(runKey(id))
	})
}

func (s *BadgerStore) PutRunWithIdempotency(ctx context.Context, run *model.Run, key string, ttl time.Duration) error {
	buf, err := json.Marshal(run)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		// Idempotency check
		if key != "" {
			iKey := idemKey(key)
			if _, err := txn.Get(iKey); err == nil {
				return ErrIdempotentReplay // Already consumed
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			entry := badger.NewEntry(iKey, []byte(run.ID)).WithTTL(ttl)
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
		}
		return txn.Set(runKey(run.ID), buf)
	})
}

func (s *BadgerStore) PutJob(ctx context.Context, job *model.Job) error {
	buf, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(jobKey(job.ID), buf)
	})
}

func (s *BadgerStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var out model.Job
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) UpdateJob(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	var out model.Job
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		}); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		buf, err := json.Marshal(out)
		if err != nil {
			return err
		}
		return txn.Set(jobKey(id), buf)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) ScanJobs(ctx context.Context, fn func(*model.Job) error) error {
	prefix := []byte("job:")
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			item := it.Item()
			var rec model.Job
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				continue
			}
			if err := fn(&rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) DeleteJob(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(jobKey(id))
	})
}

func (s *BadgerStore) GetIdempotency(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(idemKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v = string(val)
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

type leaseEnvelope struct {
	Owner     string    `json:"owner"`
	LeaseKey  string    `json:"leaseKey"`
	ExpiresAt time.Time `json:"expiresAt"`
}

var errLeaseHeld = errors.New("lease held")
var errLeaseOwnedByOther = errors.New("lease owned by other")

func (s *BadgerStore) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error) {
	// Create-only within one Update txn; Badger's TTL reaps stale entries so
	// an expired lease simply looks absent.
	k := leaseKey(key)
	exp := time.Now().Add(ttl)
	env := leaseEnvelope{Owner: owner, LeaseKey: key, ExpiresAt: exp}
	buf, _ := json.Marshal(env)

	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(k)
		if err == nil {
			return errLeaseHeld
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		entry := badger.NewEntry(k, buf).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		if errors.Is(err, errLeaseHeld) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &badgerLease{leaseKey: key, owner: owner, expiresAt: exp}, true, nil
}

type badgerLease struct {
	leaseKey  string
	owner     string
	expiresAt time.Time
}

func (l *badgerLease) Key() string          { return l.leaseKey }
func (l *badgerLease) Owner() string        { return l.owner }
func (l *badgerLease) ExpiresAt() time.Time { return l.expiresAt }

func (s *BadgerStore) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error) {
	k := leaseKey(key)
	exp := time.Now().Add(ttl)
	env := leaseEnvelope{Owner: owner, LeaseKey: key, ExpiresAt: exp}
	buf, _ := json.Marshal(env)
	entry := badger.NewEntry(k, buf).WithTTL(ttl)

	err := s.db.Update(func(txn *badger.Txn) error {
		// Verify owner
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		var current leaseEnvelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &current)
		}); err != nil {
			return err
		}
		if current.Owner != owner {
			return errLeaseOwnedByOther
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) || errors.Is(err, errLeaseOwnedByOther) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &badgerLease{leaseKey: key, owner: owner, expiresAt: exp}, true, nil
}

func (s *BadgerStore) ReleaseLease(ctx context.Context, key, owner string) error {
	k := leaseKey(key)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var current leaseEnvelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &current)
		}); err != nil {
			return err
		}
		if current.Owner == owner {
			return txn.Delete(k)
		}
		return nil
	})
}

// Ensure interface compliance at compile time.
var _ StateStore = (*BadgerStore)(nil)
var _ Lease = (*badgerLease)(nil)

package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"medledger/internal/models"
)

// Key layout:
//
//	job:<id>                                  -> JSON-encoded job
//	idx:pending:<created_at big-endian><id>   -> id
//
// The pending index sorts by creation time so ClaimNext sees the oldest
// eligible job first without scanning the whole job space.
const (
	keyPrefixJob     = "job:"
	keyPrefixPending = "idx:pending:"
)

func jobKey(id string) []byte {
	return []byte(keyPrefixJob + id)
}

func pendingKey(id string, createdAt time.Time) []byte {
	key := make([]byte, 0, len(keyPrefixPending)+8+len(id))
	key = append(key, keyPrefixPending...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt.UnixNano()))
	key = append(key, ts[:]...)
	key = append(key, id...)
	return key
}

// BadgerStore persists jobs in an embedded BadgerDB. Claim exclusivity rides
// on Badger's SSI transactions: two workers claiming the same index entry
// conflict, and the loser retries against the updated index.
type BadgerStore struct {
	db *badger.DB
}

// NewBadger opens (or creates) a Badger-backed store at path.
func NewBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerInMemory opens a store that lives entirely in memory. Used in
// tests and for local runs that do not need durability.
func NewBadgerInMemory() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// retryUpdate retries an update on transaction conflict. Conflicts are the
// expected outcome when several workers race for the same pending entry.
func (s *BadgerStore) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(time.Millisecond)
		}
		err := s.db.Update(fn)
		if err == nil || !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, badger.ErrConflict)
}

func getJobTxn(txn *badger.Txn, id string) (models.Job, error) {
	item, err := txn.Get(jobKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return models.Job{}, fmt.Errorf("copy job %s: %w", id, err)
	}
	var job models.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return job, nil
}

func putJobTxn(txn *badger.Txn, job models.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	return txn.Set(jobKey(job.ID), raw)
}

func (s *BadgerStore) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = models.DefaultMaxAttempts
	}

	now := time.Now().UTC()
	job := models.Job{
		ID:              uuid.New().String(),
		Type:            p.Type,
		RelatedRecordID: p.RelatedRecordID,
		Payload:         p.Payload,
		MaxAttempts:     p.MaxAttempts,
		Status:          models.StatusPending,
		NextAttemptAt:   now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := putJobTxn(txn, job); err != nil {
			return err
		}
		return txn.Set(pendingKey(job.ID, job.CreatedAt), []byte(job.ID))
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

func (s *BadgerStore) ClaimNext(ctx context.Context, now time.Time) (models.Job, error) {
	var claimed models.Job
	err := s.retryUpdate(ctx, func(txn *badger.Txn) error {
		claimed = models.Job{}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixPending)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(keyPrefixPending)); it.Valid(); it.Next() {
			idBytes, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			job, err := getJobTxn(txn, string(idBytes))
			if errors.Is(err, ErrNotFound) {
				// stale index entry
				_ = txn.Delete(it.Item().KeyCopy(nil))
				continue
			}
			if err != nil {
				return err
			}
			if job.Status != models.StatusPending {
				_ = txn.Delete(it.Item().KeyCopy(nil))
				continue
			}
			if job.NextAttemptAt.After(now) {
				continue
			}

			job.Status = models.StatusRunning
			job.UpdatedAt = time.Now().UTC()
			if err := putJobTxn(txn, job); err != nil {
				return err
			}
			if err := txn.Delete(it.Item().KeyCopy(nil)); err != nil {
				return err
			}
			claimed = job
			return nil
		}
		return ErrNoEligibleJob
	})
	if err != nil {
		return models.Job{}, err
	}
	return claimed, nil
}

func (s *BadgerStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	var job models.Job
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		job, err = getJobTxn(txn, id)
		return err
	})
	if err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func (s *BadgerStore) RecordSubmission(ctx context.Context, id, signature, address string) error {
	return s.mutateRunning(ctx, id, func(job *models.Job) {
		job.SubmittedSig = signature
		job.SubmittedAddr = address
	})
}

func (s *BadgerStore) RecordSuccess(ctx context.Context, id string) error {
	return s.mutateRunning(ctx, id, func(job *models.Job) {
		job.Status = models.StatusSuccess
		job.LastError = nil
	})
}

func (s *BadgerStore) RecordFailure(ctx context.Context, id, errMsg string, backoff time.Duration) (models.Job, error) {
	var out models.Job
	err := s.retryUpdate(ctx, func(txn *badger.Txn) error {
		job, err := getJobTxn(txn, id)
		if err != nil {
			return err
		}
		if job.Status != models.StatusRunning {
			return fmt.Errorf("record failure for %s: %w", id, ErrNotFound)
		}

		now := time.Now().UTC()
		job.Attempts++
		job.LastError = &errMsg
		job.UpdatedAt = now
		if job.Attempts >= job.MaxAttempts {
			job.Status = models.StatusFailed
		} else {
			job.Status = models.StatusPending
			job.NextAttemptAt = now.Add(backoff)
			if err := txn.Set(pendingKey(job.ID, job.CreatedAt), []byte(job.ID)); err != nil {
				return err
			}
		}
		if err := putJobTxn(txn, job); err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		return models.Job{}, err
	}
	return out, nil
}

func (s *BadgerStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	return s.mutateRunning(ctx, id, func(job *models.Job) {
		job.Status = models.StatusFailed
		job.Attempts++
		job.LastError = &errMsg
	})
}

func (s *BadgerStore) Requeue(ctx context.Context, id string) error {
	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		job, err := getJobTxn(txn, id)
		if err != nil {
			return err
		}
		if job.Status != models.StatusRunning {
			return nil
		}
		now := time.Now().UTC()
		job.Status = models.StatusPending
		job.NextAttemptAt = now
		job.UpdatedAt = now
		if err := putJobTxn(txn, job); err != nil {
			return err
		}
		return txn.Set(pendingKey(job.ID, job.CreatedAt), []byte(job.ID))
	})
}

func (s *BadgerStore) ReclaimOrphans(ctx context.Context, stuckSince time.Time) ([]models.Job, error) {
	var out []models.Job
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixJob)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			var job models.Job
			if err := json.Unmarshal(raw, &job); err != nil {
				continue
			}
			if job.Status == models.StatusRunning && job.UpdatedAt.Before(stuckSince) {
				out = append(out, job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	return out, nil
}

func (s *BadgerStore) PendingDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixJob)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			var job models.Job
			if err := json.Unmarshal(raw, &job); err != nil {
				continue
			}
			if job.Status == models.StatusPending {
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

// mutateRunning applies fn to a job that must currently be running, bumping
// UpdatedAt. Terminal jobs are immutable; mutating them is a caller bug.
func (s *BadgerStore) mutateRunning(ctx context.Context, id string, fn func(*models.Job)) error {
	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		job, err := getJobTxn(txn, id)
		if err != nil {
			return err
		}
		if job.Status != models.StatusRunning {
			return fmt.Errorf("job %s not running: %w", id, ErrNotFound)
		}
		fn(&job)
		job.UpdatedAt = time.Now().UTC()
		return putJobTxn(txn, job)
	})
}

// Package jobstore persists job records in Redis with merge-write semantics.
//
// Records are stored as JSON at {prefix}job:{id}. Every update goes through
// Merge, which reads the current record, applies the partial update via
// protocol.JobRecord.Merge, and writes the result back inside a WATCH
// transaction. That gives three guarantees the rest of the system leans on:
// created_at never changes after the first write, progress never decreases
// while a job is non-terminal, and a redelivered job cannot reopen a
// terminal record.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PlumyCat/func-orchestr-mcp/pkg/protocol"
)

// ErrNotFound is returned by Get when no record exists for the job id.
var ErrNotFound = errors.New("job record not found")

// mergeRetries bounds the optimistic WATCH loop. Contention on a single job
// is rare (one worker owns a job at a time), so a handful of retries is
// plenty.
const mergeRetries = 5

// Store reads and writes job records and the submitted request blobs.
type Store struct {
	client *redis.Client
	prefix string // Key prefix (e.g., "orchestr:")
	ttl    time.Duration
}

// New creates a Store. ttl bounds how long records and request blobs live
// after their last write; 0 means keys never expire.
func New(client *redis.Client, prefix string, ttl time.Duration) *Store {
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

func (s *Store) recordKey(jobID string) string  { return s.prefix + "job:" + jobID }
func (s *Store) requestKey(jobID string) string { return s.prefix + "jobreq:" + jobID }

// Create writes the initial queued record for a job. It fails if a record
// already exists, so double submission of the same id is caught early.
func (s *Store) Create(ctx context.Context, rec *protocol.JobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record for job %s: %w", rec.ID, err)
	}

	ok, err := s.client.SetNX(ctx, s.recordKey(rec.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("creating record for job %s: %w", rec.ID, err)
	}
	if !ok {
		return fmt.Errorf("record for job %s already exists", rec.ID)
	}
	return nil
}

// Get returns the current record for a job, or ErrNotFound.
func (s *Store) Get(ctx context.Context, jobID string) (*protocol.JobRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading record for job %s: %w", jobID, err)
	}

	var rec protocol.JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing record for job %s: %w", jobID, err)
	}
	return &rec, nil
}

// Merge applies a partial update onto the stored record and returns the
// merged result. A missing record is treated as an empty one, so a worker
// can make progress even if the router's initial write was lost.
//
// The read-merge-write runs under WATCH so a concurrent writer triggers a
// retry instead of a lost update.
func (s *Store) Merge(ctx context.Context, jobID string, upd protocol.JobUpdate) (*protocol.JobRecord, error) {
	key := s.recordKey(jobID)
	var merged protocol.JobRecord

	txn := func(tx *redis.Tx) error {
		var current protocol.JobRecord
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
			current = protocol.JobRecord{ID: jobID}
		case err != nil:
			return fmt.Errorf("reading record for job %s: %w", jobID, err)
		default:
			if err := json.Unmarshal(data, &current); err != nil {
				return fmt.Errorf("parsing record for job %s: %w", jobID, err)
			}
		}

		merged = current.Merge(upd, time.Now().UTC())

		out, err := json.Marshal(&merged)
		if err != nil {
			return fmt.Errorf("marshaling record for job %s: %w", jobID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < mergeRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return &merged, nil
		}
		if err == redis.TxFailedErr {
			continue // Another writer got in first, re-read and retry
		}
		return nil, err
	}
	return nil, fmt.Errorf("merging record for job %s: too much contention", jobID)
}

// PutRequest persists the original submission body for audit and debugging.
func (s *Store) PutRequest(ctx context.Context, jobID string, body *protocol.RequestBody) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request for job %s: %w", jobID, err)
	}
	if err := s.client.Set(ctx, s.requestKey(jobID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("storing request for job %s: %w", jobID, err)
	}
	return nil
}

// GetRequest returns the original submission body, or ErrNotFound.
func (s *Store) GetRequest(ctx context.Context, jobID string) (*protocol.RequestBody, error) {
	data, err := s.client.Get(ctx, s.requestKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading request for job %s: %w", jobID, err)
	}

	var body protocol.RequestBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("parsing request for job %s: %w", jobID, err)
	}
	return &body, nil
}

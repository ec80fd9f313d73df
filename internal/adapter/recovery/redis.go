// Package recovery persists the out-of-band job mirror in Redis.
//
// Every active job keeps a `recovery:<job_id>` record carrying its spec,
// last progress and owned temp files. Heartbeats refresh the TTL; a
// record that stops beating is what the startup sweep feeds on.
package recovery

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/tangleworks/vidimport/internal/domain"
)

const keyPrefix = "recovery:"

// Store implements domain.RecoveryStore on a Redis client.
type Store struct {
	rdb *redis.Client
	ttl time.Duration

	// serializes read-modify-write cycles within this process so a
	// heartbeat cannot drop a concurrent temp-file registration.
	mu sync.Mutex
}

// New constructs a Store. ttl is the record lifetime without heartbeats.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{rdb: rdb, ttl: ttl}
}

func key(jobID string) string { return keyPrefix + jobID }

// Open writes a fresh mirror record for a leased job.
func (s *Store) Open(ctx domain.Context, st domain.RecoveryState) error {
	tracer := otel.Tracer("recovery.mirror")
	ctx, span := tracer.Start(ctx, "recovery.Open")
	defer span.End()
	if st.Timestamp.IsZero() {
		st.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("op=recovery.open: %w", err)
	}
	if err := s.rdb.Set(ctx, key(st.JobID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("op=recovery.open: %w", err)
	}
	return nil
}

// Heartbeat refreshes the record timestamp and TTL.
func (s *Store) Heartbeat(ctx domain.Context, jobID string) error {
	return s.update(ctx, "recovery.Heartbeat", jobID, func(st *domain.RecoveryState) {})
}

// SetStatus updates the mirror status (active, stalled, failed).
func (s *Store) SetStatus(ctx domain.Context, jobID, status string) error {
	return s.update(ctx, "recovery.SetStatus", jobID, func(st *domain.RecoveryState) {
		st.Status = status
	})
}

// SetProgress writes through the latest progress snapshot.
func (s *Store) SetProgress(ctx domain.Context, jobID string, p domain.Progress) error {
	return s.update(ctx, "recovery.SetProgress", jobID, func(st *domain.RecoveryState) {
		st.Progress = p
	})
}

// AddTempFile registers a temp path before any byte is written to it.
func (s *Store) AddTempFile(ctx domain.Context, jobID, path string) error {
	return s.update(ctx, "recovery.AddTempFile", jobID, func(st *domain.RecoveryState) {
		for _, f := range st.TempFiles {
			if f == path {
				return
			}
		}
		st.TempFiles = append(st.TempFiles, path)
	})
}

// update is the shared read-modify-write cycle. Every update refreshes
// both timestamp and TTL.
func (s *Store) update(ctx domain.Context, op, jobID string, mutate func(*domain.RecoveryState)) error {
	tracer := otel.Tracer("recovery.mirror")
	ctx, span := tracer.Start(ctx, op)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=%s: %w", strings.ToLower(op), err)
	}
	mutate(&st)
	st.Timestamp = time.Now().UTC()
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("op=%s: %w", strings.ToLower(op), err)
	}
	if err := s.rdb.Set(ctx, key(jobID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("op=%s: %w", strings.ToLower(op), err)
	}
	return nil
}

// Get loads one mirror record.
func (s *Store) Get(ctx domain.Context, jobID string) (domain.RecoveryState, error) {
	tracer := otel.Tracer("recovery.mirror")
	ctx, span := tracer.Start(ctx, "recovery.Get")
	defer span.End()
	st, err := s.get(ctx, jobID)
	if err != nil {
		return domain.RecoveryState{}, fmt.Errorf("op=recovery.get: %w", err)
	}
	return st, nil
}

func (s *Store) get(ctx domain.Context, jobID string) (domain.RecoveryState, error) {
	b, err := s.rdb.Get(ctx, key(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return domain.RecoveryState{}, domain.ErrNotFound
		}
		return domain.RecoveryState{}, err
	}
	var st domain.RecoveryState
	if err := json.Unmarshal(b, &st); err != nil {
		return domain.RecoveryState{}, fmt.Errorf("%w: corrupt record", domain.ErrInternal)
	}
	if st.JobID == "" {
		st.JobID = jobID
	}
	return st, nil
}

// ListAll scans every mirror record. Corrupt records come back as
// zero-value states carrying only their job id and Corrupt flag so the
// sweep can purge them.
func (s *Store) ListAll(ctx domain.Context) ([]domain.RecoveryState, error) {
	tracer := otel.Tracer("recovery.mirror")
	ctx, span := tracer.Start(ctx, "recovery.ListAll")
	defer span.End()

	var out []domain.RecoveryState
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("op=recovery.list: %w", err)
		}
		for _, k := range keys {
			jobID := strings.TrimPrefix(k, keyPrefix)
			b, err := s.rdb.Get(ctx, k).Bytes()
			if err != nil {
				if err == redis.Nil {
					continue // expired between scan and get
				}
				return nil, fmt.Errorf("op=recovery.list: %w", err)
			}
			var st domain.RecoveryState
			if err := json.Unmarshal(b, &st); err != nil {
				out = append(out, domain.RecoveryState{JobID: jobID, Corrupt: true})
				continue
			}
			if st.JobID == "" {
				st.JobID = jobID
			}
			out = append(out, st)
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// ListStale returns records (corrupt ones included) whose timestamp is
// older than olderThan.
func (s *Store) ListStale(ctx domain.Context, olderThan time.Duration) ([]domain.RecoveryState, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	var out []domain.RecoveryState
	for _, st := range all {
		if st.Corrupt || st.Timestamp.Before(cutoff) {
			out = append(out, st)
		}
	}
	return out, nil
}

// Remove deletes one mirror record.
func (s *Store) Remove(ctx domain.Context, jobID string) error {
	tracer := otel.Tracer("recovery.mirror")
	ctx, span := tracer.Start(ctx, "recovery.Remove")
	defer span.End()
	if err := s.rdb.Del(ctx, key(jobID)).Err(); err != nil {
		return fmt.Errorf("op=recovery.remove: %w", err)
	}
	return nil
}

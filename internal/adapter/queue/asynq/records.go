// Package asynqq implements the durable import queue on asynq, with a
// Redis job-record store carrying everything the queue itself does not
// model: progress, egress attempts, results and timestamps.
package asynqq

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/tangleworks/vidimport/internal/domain"
)

// Persisted key layout. Everything under queue:import:* belongs to this
// queue and is purged wholesale by Obliterate.
const (
	jobKeyPrefix  = "queue:import:job:"
	logKeyPrefix  = "queue:import:logs:"
	killKeyPrefix = "queue:import:kill:"
	indexKey      = "queue:import:index"
)

const (
	maxJobLogs    = 200
	killMarkerTTL = 10 * time.Minute

	// Terminal record retention. Completed also gets trimmed to the 100
	// newest by the janitor.
	completedTTL = 24 * time.Hour
	failedTTL    = 7 * 24 * time.Hour
)

// Records stores rich job state in Redis next to the asynq queue.
type Records struct {
	rdb *redis.Client

	// serializes in-process read-modify-write cycles
	mu sync.Mutex
}

// NewRecords constructs the record store.
func NewRecords(rdb *redis.Client) *Records { return &Records{rdb: rdb} }

func jobKey(id string) string  { return jobKeyPrefix + id }
func logKey(id string) string  { return logKeyPrefix + id }
func killKey(id string) string { return killKeyPrefix + id }

// Create persists a fresh record and indexes it by enqueue time.
func (r *Records) Create(ctx domain.Context, job domain.Job) error {
	tracer := otel.Tracer("queue.records")
	ctx, span := tracer.Start(ctx, "records.Create")
	defer span.End()

	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("op=records.create: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), b, 0)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(job.EnqueuedAt.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=records.create: %w", err)
	}
	return nil
}

// Get loads one record.
func (r *Records) Get(ctx domain.Context, id string) (domain.Job, error) {
	b, err := r.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return domain.Job{}, fmt.Errorf("op=records.get: %w: job %s", domain.ErrNotFound, id)
		}
		return domain.Job{}, fmt.Errorf("op=records.get: %w", err)
	}
	var job domain.Job
	if err := json.Unmarshal(b, &job); err != nil {
		return domain.Job{}, fmt.Errorf("op=records.get: %w: corrupt record", domain.ErrInternal)
	}
	return job, nil
}

// Update applies mutate under the store lock and persists the result.
// Terminal states pick up their retention TTL here.
func (r *Records) Update(ctx domain.Context, id string, mutate func(*domain.Job)) (domain.Job, error) {
	tracer := otel.Tracer("queue.records")
	ctx, span := tracer.Start(ctx, "records.Update")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	job, err := r.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	mutate(&job)
	b, err := json.Marshal(job)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=records.update: %w", err)
	}
	ttl := time.Duration(0)
	switch job.Status {
	case domain.JobCompleted:
		ttl = completedTTL
	case domain.JobFailed:
		ttl = failedTTL
	}
	if err := r.rdb.Set(ctx, jobKey(id), b, ttl).Err(); err != nil {
		return domain.Job{}, fmt.Errorf("op=records.update: %w", err)
	}
	return job, nil
}

// Delete removes the record, its logs and its index entry.
func (r *Records) Delete(ctx domain.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, jobKey(id), logKey(id), killKey(id))
	pipe.ZRem(ctx, indexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=records.delete: %w", err)
	}
	return nil
}

// IDsNewestFirst pages the index, newest enqueue time first. limit<=0
// returns everything from offset on. The second return is the index
// size.
func (r *Records) IDsNewestFirst(ctx domain.Context, offset, limit int) ([]string, int, error) {
	total, err := r.rdb.ZCard(ctx, indexKey).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("op=records.ids: %w", err)
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	ids, err := r.rdb.ZRevRange(ctx, indexKey, int64(offset), stop).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("op=records.ids: %w", err)
	}
	return ids, int(total), nil
}

// AppendLog adds one line to the job's capped log trail.
func (r *Records) AppendLog(ctx domain.Context, id, line string) {
	entry := time.Now().UTC().Format(time.RFC3339) + " " + line
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, logKey(id), entry)
	pipe.LTrim(ctx, logKey(id), -maxJobLogs, -1)
	pipe.Expire(ctx, logKey(id), failedTTL)
	_, _ = pipe.Exec(ctx)
}

// Logs returns the job's log trail, oldest first.
func (r *Records) Logs(ctx domain.Context, id string) ([]string, error) {
	lines, err := r.rdb.LRange(ctx, logKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=records.logs: %w", err)
	}
	return lines, nil
}

// MarkKill plants the manual-kill marker the worker reads when its
// context is cancelled.
func (r *Records) MarkKill(ctx domain.Context, id string) error {
	if err := r.rdb.Set(ctx, killKey(id), "1", killMarkerTTL).Err(); err != nil {
		return fmt.Errorf("op=records.mark_kill: %w", err)
	}
	return nil
}

// KillMarked reports and consumes the manual-kill marker.
func (r *Records) KillMarked(ctx domain.Context, id string) bool {
	n, err := r.rdb.Del(ctx, killKey(id)).Result()
	return err == nil && n > 0
}

// PurgeAll removes every record, log and marker of this queue.
func (r *Records) PurgeAll(ctx domain.Context) error {
	for _, pattern := range []string{jobKeyPrefix + "*", logKeyPrefix + "*", killKeyPrefix + "*"} {
		var cursor uint64
		for {
			keys, next, err := r.rdb.Scan(ctx, cursor, pattern, 200).Result()
			if err != nil {
				return fmt.Errorf("op=records.purge_all: %w", err)
			}
			if len(keys) > 0 {
				if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
					return fmt.Errorf("op=records.purge_all: %w", err)
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	if err := r.rdb.Del(ctx, indexKey).Err(); err != nil {
		return fmt.Errorf("op=records.purge_all: %w", err)
	}
	return nil
}

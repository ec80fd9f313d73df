package asynqq

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/tangleworks/vidimport/internal/adapter/observability"
	"github.com/tangleworks/vidimport/internal/domain"
)

const (
	// QueueName is the single asynq queue every import runs through.
	QueueName = "import"
	// TaskImport is the task type of one video import.
	TaskImport = "video:import"
)

// StoreConfig tunes queueing behavior.
type StoreConfig struct {
	// DefaultMaxAttempts applies when a JobSpec does not set its own.
	DefaultMaxAttempts int
	// JobTimeout is the per-attempt lease; big files need hours.
	JobTimeout time.Duration
}

// Store implements domain.JobStore. asynq owns scheduling state; the
// record store owns progress, results and timestamps. Queries overlay
// live asynq state on the record so waiting/delayed transitions made
// inside asynq are always reported correctly.
type Store struct {
	cfg       StoreConfig
	client    *asynq.Client
	inspector *asynq.Inspector
	records   *Records
	validate  *validator.Validate
}

// NewStore wires the queue client, inspector and record store from one
// Redis connection string.
func NewStore(redisURL string, records *Records, cfg StoreConfig) (*Store, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.new_store: %w", err)
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Hour
	}
	return &Store{
		cfg:       cfg,
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		records:   records,
		validate:  validator.New(),
	}, nil
}

// Close releases the queue client.
func (s *Store) Close() error { return s.client.Close() }

// Submit enqueues a job. Idempotent by request id: while a non-expired
// task with that id exists the stored job is returned instead.
func (s *Store) Submit(ctx domain.Context, spec domain.JobSpec) (domain.Job, error) {
	tracer := otel.Tracer("queue.store")
	ctx, span := tracer.Start(ctx, "queue.Submit")
	defer span.End()

	if spec.RequestID == "" {
		// Pre-staged local submissions arrive without an external id.
		spec.RequestID = strings.ToLower(ulid.Make().String())
	}
	if err := s.validate.Struct(spec); err != nil {
		return domain.Job{}, fmt.Errorf("op=queue.submit: %w: %v", domain.ErrInvalidArgument, err)
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = s.cfg.DefaultMaxAttempts
	}

	payload, err := json.Marshal(spec)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=queue.submit: %w", err)
	}
	task := asynq.NewTask(TaskImport, payload)
	_, err = s.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueName),
		asynq.TaskID(spec.RequestID),
		asynq.MaxRetry(spec.MaxAttempts-1),
		asynq.Timeout(s.cfg.JobTimeout),
		asynq.Retention(completedTTL),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			existing, gerr := s.Get(ctx, spec.RequestID)
			if gerr != nil {
				return domain.Job{}, fmt.Errorf("op=queue.submit: %w", gerr)
			}
			return existing, nil
		}
		return domain.Job{}, fmt.Errorf("op=queue.submit: %w", err)
	}

	job := domain.Job{
		ID:          spec.RequestID,
		SourceKind:  spec.SourceKind,
		SourceRef:   spec.SourceRef,
		FileName:    spec.FileName,
		CatalogID:   spec.CatalogID,
		APIKey:      spec.APIKey,
		Status:      domain.JobWaiting,
		MaxAttempts: spec.MaxAttempts,
		Progress:    domain.Progress{Stage: domain.StageDownloading},
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := s.records.Create(ctx, job); err != nil {
		_ = s.inspector.DeleteTask(QueueName, spec.RequestID)
		return domain.Job{}, fmt.Errorf("op=queue.submit: %w", err)
	}
	s.records.AppendLog(ctx, job.ID, fmt.Sprintf("enqueued source_kind=%s", spec.SourceKind))
	observability.EnqueueJob(string(spec.SourceKind))
	slog.Info("job enqueued",
		slog.String("job_id", job.ID),
		slog.String("source_kind", string(spec.SourceKind)))
	return job, nil
}

// Get loads a job with live queue state overlaid.
func (s *Store) Get(ctx domain.Context, id string) (domain.Job, error) {
	job, err := s.records.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	return s.overlay(job), nil
}

// overlay folds asynq's scheduling view into the record. The record
// wins for terminal states, asynq for everything in flight.
func (s *Store) overlay(job domain.Job) domain.Job {
	info, err := s.inspector.GetTaskInfo(QueueName, job.ID)
	if err != nil {
		return job
	}
	if !job.Status.Terminal() {
		switch info.State {
		case asynq.TaskStatePending, asynq.TaskStateAggregating:
			job.Status = domain.JobWaiting
		case asynq.TaskStateActive:
			job.Status = domain.JobActive
		case asynq.TaskStateScheduled, asynq.TaskStateRetry:
			job.Status = domain.JobDelayed
		case asynq.TaskStateCompleted:
			job.Status = domain.JobCompleted
		case asynq.TaskStateArchived:
			job.Status = domain.JobFailed
			if job.FailureReason == "" {
				job.FailureReason = info.LastErr
			}
		}
	}
	if info.Retried > job.AttemptsMade {
		job.AttemptsMade = info.Retried
	}
	return job
}

// List pages jobs newest-first, optionally filtered by status.
func (s *Store) List(ctx domain.Context, f domain.ListFilter) ([]domain.Job, int, error) {
	tracer := otel.Tracer("queue.store")
	ctx, span := tracer.Start(ctx, "queue.List")
	defer span.End()

	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Page < 1 {
		f.Page = 1
	}

	if len(f.Statuses) == 0 {
		ids, total, err := s.records.IDsNewestFirst(ctx, (f.Page-1)*f.Limit, f.Limit)
		if err != nil {
			return nil, 0, err
		}
		jobs := make([]domain.Job, 0, len(ids))
		for _, id := range ids {
			job, err := s.Get(ctx, id)
			if err != nil {
				continue // expired between index read and get
			}
			jobs = append(jobs, job)
		}
		return jobs, total, nil
	}

	// Status filters need the overlaid state, so filter first and page
	// in memory. Admin listings are small.
	ids, _, err := s.records.IDsNewestFirst(ctx, 0, 0)
	if err != nil {
		return nil, 0, err
	}
	want := map[domain.JobStatus]bool{}
	for _, st := range f.Statuses {
		want[st] = true
	}
	var matched []domain.Job
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if want[job.Status] {
			matched = append(matched, job)
		}
	}
	start := (f.Page - 1) * f.Limit
	if start >= len(matched) {
		return []domain.Job{}, len(matched), nil
	}
	end := start + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], len(matched), nil
}

// Counts returns live per-status queue depths.
func (s *Store) Counts(ctx domain.Context) (domain.JobCounts, error) {
	info, err := s.inspector.GetQueueInfo(QueueName)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return domain.JobCounts{}, nil
		}
		return domain.JobCounts{}, fmt.Errorf("op=queue.counts: %w", err)
	}
	return domain.JobCounts{
		Waiting:   info.Pending + info.Aggregating,
		Active:    info.Active,
		Delayed:   info.Scheduled + info.Retry,
		Completed: info.Completed,
		Failed:    info.Archived,
	}, nil
}

// Logs returns the job's log trail.
func (s *Store) Logs(ctx domain.Context, id string) ([]string, error) {
	if _, err := s.records.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.records.Logs(ctx, id)
}

// Retry re-queues a non-active, non-completed job immediately.
func (s *Store) Retry(ctx domain.Context, id string) error {
	tracer := otel.Tracer("queue.store")
	ctx, span := tracer.Start(ctx, "queue.Retry")
	defer span.End()

	info, err := s.inspector.GetTaskInfo(QueueName, id)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return s.resubmitFromRecord(ctx, id)
		}
		return fmt.Errorf("op=queue.retry: %w", err)
	}
	switch info.State {
	case asynq.TaskStateActive:
		return fmt.Errorf("op=queue.retry: %w: job is active", domain.ErrConflict)
	case asynq.TaskStateCompleted:
		return fmt.Errorf("op=queue.retry: %w: job is completed", domain.ErrConflict)
	case asynq.TaskStatePending:
		return nil
	}
	if err := s.inspector.RunTask(QueueName, id); err != nil {
		return fmt.Errorf("op=queue.retry: %w", err)
	}
	_, _ = s.records.Update(ctx, id, func(j *domain.Job) {
		j.Status = domain.JobWaiting
		j.FailureReason = ""
		j.FinishedAt = nil
	})
	s.records.AppendLog(ctx, id, "manually retried")
	return nil
}

// resubmitFromRecord covers a retry of a job whose task already fell
// out of asynq (archived task purged, retention expired): the stored
// spec is enqueued again under the same id.
func (s *Store) resubmitFromRecord(ctx domain.Context, id string) error {
	job, err := s.records.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == domain.JobCompleted {
		return fmt.Errorf("op=queue.retry: %w: job is completed", domain.ErrConflict)
	}
	payload, err := json.Marshal(job.Spec())
	if err != nil {
		return fmt.Errorf("op=queue.retry: %w", err)
	}
	_, err = s.client.EnqueueContext(ctx, asynq.NewTask(TaskImport, payload),
		asynq.Queue(QueueName),
		asynq.TaskID(id),
		asynq.MaxRetry(job.MaxAttempts-1),
		asynq.Timeout(s.cfg.JobTimeout),
		asynq.Retention(completedTTL),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("op=queue.retry: %w", err)
	}
	_, _ = s.records.Update(ctx, id, func(j *domain.Job) {
		j.Status = domain.JobWaiting
		j.FailureReason = ""
		j.FinishedAt = nil
	})
	s.records.AppendLog(ctx, id, "manually retried")
	return nil
}

// Kill forces a running job to terminal failure. The kill marker lets
// the worker distinguish a manual kill from a deadline when its context
// is cancelled.
func (s *Store) Kill(ctx domain.Context, id string) error {
	tracer := otel.Tracer("queue.store")
	ctx, span := tracer.Start(ctx, "queue.Kill")
	defer span.End()

	info, err := s.inspector.GetTaskInfo(QueueName, id)
	if err != nil {
		return fmt.Errorf("op=queue.kill: %w", err)
	}
	if info.State != asynq.TaskStateActive {
		return fmt.Errorf("op=queue.kill: %w: job is not active", domain.ErrConflict)
	}
	if err := s.records.MarkKill(ctx, id); err != nil {
		return err
	}
	if err := s.inspector.CancelProcessing(id); err != nil {
		return fmt.Errorf("op=queue.kill: %w", err)
	}
	s.records.AppendLog(ctx, id, "kill requested")
	return nil
}

// Delete removes one job and its record.
func (s *Store) Delete(ctx domain.Context, id string) error {
	if err := s.inspector.DeleteTask(QueueName, id); err != nil &&
		!errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		return fmt.Errorf("op=queue.delete: %w", err)
	}
	return s.records.Delete(ctx, id)
}

// Pause stops leasing; queued jobs stay put.
func (s *Store) Pause(ctx domain.Context) error {
	if err := s.inspector.PauseQueue(QueueName); err != nil {
		return fmt.Errorf("op=queue.pause: %w", err)
	}
	slog.Info("queue paused", slog.String("queue", QueueName))
	return nil
}

// Resume reverses Pause.
func (s *Store) Resume(ctx domain.Context) error {
	if err := s.inspector.UnpauseQueue(QueueName); err != nil {
		return fmt.Errorf("op=queue.resume: %w", err)
	}
	slog.Info("queue resumed", slog.String("queue", QueueName))
	return nil
}

// Drain removes every waiting job.
func (s *Store) Drain(ctx domain.Context) error {
	tracer := otel.Tracer("queue.store")
	ctx, span := tracer.Start(ctx, "queue.Drain")
	defer span.End()

	for {
		tasks, err := s.inspector.ListPendingTasks(QueueName, asynq.PageSize(100))
		if err != nil {
			if errors.Is(err, asynq.ErrQueueNotFound) {
				return nil
			}
			return fmt.Errorf("op=queue.drain: %w", err)
		}
		if len(tasks) == 0 {
			return nil
		}
		for _, t := range tasks {
			if err := s.Delete(ctx, t.ID); err != nil {
				return err
			}
		}
	}
}

// Cleanup trims completed records beyond the keepCompleted newest and
// purges failed records older than failedAge. Returns how many jobs
// were removed.
func (s *Store) Cleanup(ctx domain.Context, keepCompleted int, failedAge time.Duration) (int, error) {
	tracer := otel.Tracer("queue.store")
	ctx, span := tracer.Start(ctx, "queue.Cleanup")
	defer span.End()

	ids, _, err := s.records.IDsNewestFirst(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	removed := 0
	completedSeen := 0
	cutoff := time.Now().Add(-failedAge)
	for _, id := range ids {
		job, err := s.records.Get(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				// Record expired under its TTL; drop the index entry.
				_ = s.records.Delete(ctx, id)
				removed++
			}
			continue
		}
		switch job.Status {
		case domain.JobCompleted:
			completedSeen++
			if completedSeen > keepCompleted {
				if err := s.Delete(ctx, id); err == nil {
					removed++
				}
			}
		case domain.JobFailed:
			if job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
				if err := s.Delete(ctx, id); err == nil {
					removed++
				}
			}
		}
	}
	if removed > 0 {
		slog.Info("queue cleanup", slog.Int("removed", removed))
	}
	return removed, nil
}

// Obliterate removes every job regardless of state. Active workers see
// cancellation at their next suspension point.
func (s *Store) Obliterate(ctx domain.Context) error {
	tracer := otel.Tracer("queue.store")
	ctx, span := tracer.Start(ctx, "queue.Obliterate")
	defer span.End()

	if actives, err := s.inspector.ListActiveTasks(QueueName, asynq.PageSize(100)); err == nil {
		for _, t := range actives {
			_ = s.inspector.CancelProcessing(t.ID)
		}
	}
	deleters := []func(string) (int, error){
		s.inspector.DeleteAllPendingTasks,
		s.inspector.DeleteAllScheduledTasks,
		s.inspector.DeleteAllRetryTasks,
		s.inspector.DeleteAllArchivedTasks,
		s.inspector.DeleteAllCompletedTasks,
	}
	for _, del := range deleters {
		if _, err := del(QueueName); err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
			return fmt.Errorf("op=queue.obliterate: %w", err)
		}
	}
	if err := s.records.PurgeAll(ctx); err != nil {
		return err
	}
	slog.Warn("queue obliterated", slog.String("queue", QueueName))
	return nil
}

package asynqq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"github.com/tangleworks/vidimport/internal/adapter/observability"
	"github.com/tangleworks/vidimport/internal/domain"
	"github.com/tangleworks/vidimport/internal/service/progress"
)

const heartbeatEvery = 30 * time.Second

// Importer runs one import attempt end to end and handles the catalog
// notifications around it.
type Importer interface {
	Process(ctx domain.Context, job domain.Job, report domain.ProgressFn) (domain.ImportResult, error)
	// NotifySuccess and NotifyFailure are best-effort; they never fail
	// the job.
	NotifySuccess(ctx domain.Context, job domain.Job, res domain.ImportResult)
	NotifyFailure(ctx domain.Context, job domain.Job, reason string)
}

// WorkerConfig tunes the consumer side of the queue.
type WorkerConfig struct {
	Concurrency     int
	RetryPolicy     domain.RetryPolicy
	ShutdownTimeout time.Duration
}

// Worker consumes the import queue. Each attempt keeps a heartbeated
// recovery mirror so a crash mid-transfer is visible to the next
// startup sweep.
type Worker struct {
	cfg      WorkerConfig
	server   *asynq.Server
	records  *Records
	recovery domain.RecoveryStore
	importer Importer

	inflight sync.Map // job id -> struct{}
}

// NewWorker builds the queue consumer. Start runs it.
func NewWorker(redisURL string, records *Records, recovery domain.RecoveryStore, importer Importer, cfg WorkerConfig) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.new_worker: %w", err)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	w := &Worker{cfg: cfg, records: records, recovery: recovery, importer: importer}
	w.server = asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{QueueName: 1},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return cfg.RetryPolicy.Delay(n)
		},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          slogBridge{},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			slog.Error("task handler error",
				slog.String("task_type", task.Type()),
				slog.Any("error", err))
		}),
	})
	return w, nil
}

// Start begins consuming. It does not block.
func (w *Worker) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskImport, w.handle)
	if err := w.server.Start(mux); err != nil {
		return fmt.Errorf("op=queue.worker_start: %w", err)
	}
	return nil
}

// Stop drains gracefully. In-flight jobs get their recovery mirrors
// marked stalled so the next startup sweep re-queues them.
func (w *Worker) Stop() {
	w.server.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.inflight.Range(func(key, _ any) bool {
		id := key.(string)
		if err := w.recovery.SetStatus(ctx, id, domain.RecoveryStalled); err != nil {
			slog.Warn("failed to mark job stalled", slog.String("job_id", id), slog.Any("error", err))
		}
		return true
	})
	w.server.Shutdown()
}

func (w *Worker) handle(ctx context.Context, task *asynq.Task) error {
	tracer := otel.Tracer("queue.worker")
	ctx, span := tracer.Start(ctx, "queue.HandleImport")
	defer span.End()

	var spec domain.JobSpec
	if err := json.Unmarshal(task.Payload(), &spec); err != nil {
		return fmt.Errorf("op=queue.handle: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	id, _ := asynq.GetTaskID(ctx)
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)

	w.inflight.Store(id, struct{}{})
	defer w.inflight.Delete(id)

	now := time.Now().UTC()
	job, err := w.records.Update(ctx, id, func(j *domain.Job) {
		j.Status = domain.JobActive
		j.AttemptsMade = retried
		j.StartedAt = &now
		j.FailureReason = ""
		j.Progress = domain.Progress{Stage: domain.StageDownloading, Message: "Starting download..."}
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Record expired or was deleted out from under the task.
			return fmt.Errorf("op=queue.handle: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("op=queue.handle: %w", err)
	}
	observability.StartProcessingJob(string(job.SourceKind))
	w.records.AppendLog(ctx, id, fmt.Sprintf("attempt %d/%d started", retried+1, maxRetry+1))
	slog.Info("job started",
		slog.String("job_id", id),
		slog.String("source_kind", string(job.SourceKind)),
		slog.Int("attempt", retried+1))

	if err := w.recovery.Open(ctx, domain.RecoveryState{
		JobID:     id,
		Status:    domain.RecoveryActive,
		Spec:      spec,
		Progress:  job.Progress,
		Timestamp: now,
	}); err != nil {
		slog.Warn("recovery mirror open failed", slog.String("job_id", id), slog.Any("error", err))
	}
	stopBeat := w.startHeartbeat(id)
	defer stopBeat()

	reporter := progress.NewReporter(w.progressSink(id))
	defer reporter.Close()

	result, perr := w.importer.Process(ctx, job, reporter.Publish)
	reporter.Close() // flush before the terminal record write

	if perr == nil {
		if b, err := json.Marshal(result); err == nil {
			_, _ = task.ResultWriter().Write(b)
		}
		return w.complete(ctx, job, result)
	}
	return w.fail(ctx, job, retried, maxRetry, perr)
}

func (w *Worker) complete(ctx context.Context, job domain.Job, result domain.ImportResult) error {
	bg := context.WithoutCancel(ctx)
	done := time.Now().UTC()
	updated, err := w.records.Update(bg, job.ID, func(j *domain.Job) {
		j.Status = domain.JobCompleted
		j.ReturnValue = &result
		j.FinishedAt = &done
		j.Progress.Stage = domain.StageCleanup
		j.Progress.Percentage = 100
		j.Progress.Message = "Import completed"
	})
	if err != nil {
		return fmt.Errorf("op=queue.complete: %w", err)
	}
	_ = w.recovery.Remove(bg, job.ID)
	w.records.AppendLog(bg, job.ID, fmt.Sprintf("completed cdn_url=%s size=%d", result.CDNURL, result.Size))
	observability.CompleteJob(string(job.SourceKind))
	slog.Info("job completed",
		slog.String("job_id", job.ID),
		slog.String("cdn_url", result.CDNURL),
		slog.Int64("size_bytes", result.Size))
	w.importer.NotifySuccess(bg, updated, result)
	return nil
}

func (w *Worker) fail(ctx context.Context, job domain.Job, retried, maxRetry int, perr error) error {
	bg := context.WithoutCancel(ctx)

	// A cancelled context with a kill marker is an operator kill:
	// terminal, no retry, no catalog notification.
	if errors.Is(perr, context.Canceled) && w.records.KillMarked(bg, job.ID) {
		done := time.Now().UTC()
		_, _ = w.records.Update(bg, job.ID, func(j *domain.Job) {
			j.Status = domain.JobFailed
			j.FailureReason = "manually killed"
			j.FinishedAt = &done
		})
		_ = w.recovery.Remove(bg, job.ID)
		w.records.AppendLog(bg, job.ID, "manually killed")
		observability.FailJob(string(job.SourceKind), "manual_kill")
		slog.Warn("job killed", slog.String("job_id", job.ID))
		return fmt.Errorf("op=queue.handle: manually killed: %w", asynq.SkipRetry)
	}

	retryable := domain.Retryable(perr)
	terminal := !retryable || retried >= maxRetry
	kind := domain.KindOf(perr)

	if !terminal {
		_, _ = w.records.Update(bg, job.ID, func(j *domain.Job) {
			j.Status = domain.JobDelayed
			j.FailureReason = perr.Error()
		})
		_ = w.recovery.Remove(bg, job.ID)
		w.records.AppendLog(bg, job.ID, fmt.Sprintf("attempt %d failed, will retry: %v", retried+1, perr))
		slog.Warn("job attempt failed",
			slog.String("job_id", job.ID),
			slog.Int("attempt", retried+1),
			slog.String("kind", kind),
			slog.Any("error", perr))
		return perr
	}

	done := time.Now().UTC()
	updated, _ := w.records.Update(bg, job.ID, func(j *domain.Job) {
		j.Status = domain.JobFailed
		j.FailureReason = perr.Error()
		j.FinishedAt = &done
	})
	_ = w.recovery.Remove(bg, job.ID)
	w.records.AppendLog(bg, job.ID, fmt.Sprintf("failed permanently: %v", perr))
	observability.FailJob(string(job.SourceKind), kind)
	slog.Error("job failed",
		slog.String("job_id", job.ID),
		slog.String("kind", kind),
		slog.Any("error", perr))
	w.importer.NotifyFailure(bg, updated, perr.Error())
	if !retryable {
		return fmt.Errorf("op=queue.handle: %v: %w", perr, asynq.SkipRetry)
	}
	return perr
}

// progressSink persists conflated progress updates onto the record and
// mirrors them into recovery. Egress trails and quality stick once set.
func (w *Worker) progressSink(id string) domain.ProgressFn {
	return func(p domain.Progress) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := w.records.Update(ctx, id, func(j *domain.Job) {
			prev := j.Progress
			j.Progress = p
			if p.EgressAttempts == nil {
				j.Progress.EgressAttempts = prev.EgressAttempts
			}
			if p.Quality == nil {
				j.Progress.Quality = prev.Quality
			}
		})
		if err != nil {
			slog.Debug("progress write failed", slog.String("job_id", id), slog.Any("error", err))
			return
		}
		_ = w.recovery.SetProgress(ctx, id, p)
	}
}

func (w *Worker) startHeartbeat(id string) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := w.recovery.Heartbeat(ctx, id); err != nil {
					slog.Debug("heartbeat failed", slog.String("job_id", id), slog.Any("error", err))
				}
				cancel()
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// slogBridge adapts asynq's logger to slog.
type slogBridge struct{}

func (slogBridge) Debug(args ...any) { slog.Debug(fmt.Sprint(args...)) }
func (slogBridge) Info(args ...any)  { slog.Info(fmt.Sprint(args...)) }
func (slogBridge) Warn(args ...any)  { slog.Warn(fmt.Sprint(args...)) }
func (slogBridge) Error(args ...any) { slog.Error(fmt.Sprint(args...)) }
func (slogBridge) Fatal(args ...any) { slog.Error(fmt.Sprint(args...)) }

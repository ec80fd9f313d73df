package asynqq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangleworks/vidimport/internal/domain"
)

type stubRecovery struct {
	mu      sync.Mutex
	opened  []string
	removed []string
	status  map[string]string
}

func (s *stubRecovery) Open(_ domain.Context, st domain.RecoveryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, st.JobID)
	return nil
}
func (s *stubRecovery) Heartbeat(domain.Context, string) error { return nil }
func (s *stubRecovery) SetStatus(_ domain.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		s.status = map[string]string{}
	}
	s.status[id] = status
	return nil
}
func (s *stubRecovery) SetProgress(domain.Context, string, domain.Progress) error { return nil }
func (s *stubRecovery) AddTempFile(domain.Context, string, string) error          { return nil }
func (s *stubRecovery) Get(domain.Context, string) (domain.RecoveryState, error) {
	return domain.RecoveryState{}, domain.ErrNotFound
}
func (s *stubRecovery) ListStale(domain.Context, time.Duration) ([]domain.RecoveryState, error) {
	return nil, nil
}
func (s *stubRecovery) ListAll(domain.Context) ([]domain.RecoveryState, error) { return nil, nil }
func (s *stubRecovery) Remove(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, id)
	return nil
}

type stubImporter struct {
	mu        sync.Mutex
	successes []string
	failures  []string
}

func (s *stubImporter) Process(domain.Context, domain.Job, domain.ProgressFn) (domain.ImportResult, error) {
	return domain.ImportResult{}, nil
}
func (s *stubImporter) NotifySuccess(_ domain.Context, job domain.Job, _ domain.ImportResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes = append(s.successes, job.ID)
}
func (s *stubImporter) NotifyFailure(_ domain.Context, job domain.Job, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, job.ID)
}

func newTestWorker(t *testing.T) (*Worker, *Records, *stubRecovery, *stubImporter) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	records := NewRecords(rdb)
	rec := &stubRecovery{}
	imp := &stubImporter{}
	w, err := NewWorker("redis://"+mr.Addr(), records, rec, imp, WorkerConfig{
		Concurrency: 1,
		RetryPolicy: domain.DefaultRetryPolicy(),
	})
	require.NoError(t, err)
	return w, records, rec, imp
}

func TestNewWorker_InvalidURL(t *testing.T) {
	_, err := NewWorker("not-a-uri", nil, nil, nil, WorkerConfig{})
	require.Error(t, err)
}

func TestWorker_CompleteWritesResultAndNotifies(t *testing.T) {
	w, records, rec, imp := newTestWorker(t)
	ctx := context.Background()

	job := testJob("job-1")
	require.NoError(t, records.Create(ctx, job))

	result := domain.ImportResult{
		CDNURL:   "https://cdn.example.com/clip.mp4",
		FileName: "clip.mp4",
		Size:     1024,
	}
	require.NoError(t, w.complete(ctx, job, result))

	got, err := records.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	require.NotNil(t, got.ReturnValue)
	assert.Equal(t, result.CDNURL, got.ReturnValue.CDNURL)
	assert.Equal(t, float64(100), got.Progress.Percentage)
	assert.NotNil(t, got.FinishedAt)

	assert.Contains(t, rec.removed, "job-1")
	assert.Contains(t, imp.successes, "job-1")
}

func TestWorker_FailRetryableMidFlight(t *testing.T) {
	w, records, _, imp := newTestWorker(t)
	ctx := context.Background()
	require.NoError(t, records.Create(ctx, testJob("job-1")))

	// attempt 1 of 3: retryable failure keeps the job alive
	err := w.fail(ctx, testJob("job-1"), 0, 2, domain.ErrSourceUnavailable)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)

	got, _ := records.Get(ctx, "job-1")
	assert.Equal(t, domain.JobDelayed, got.Status)
	assert.NotEmpty(t, got.FailureReason)
	assert.Empty(t, imp.failures)
}

func TestWorker_FailExhaustedNotifies(t *testing.T) {
	w, records, rec, imp := newTestWorker(t)
	ctx := context.Background()
	job := testJob("job-1")
	job.CatalogID = "cat-9"
	require.NoError(t, records.Create(ctx, job))

	// final attempt: retryable error still goes terminal
	err := w.fail(ctx, job, 2, 2, domain.ErrSourceUnavailable)
	require.Error(t, err)

	got, _ := records.Get(ctx, "job-1")
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.NotNil(t, got.FinishedAt)
	assert.Contains(t, rec.removed, "job-1")
	assert.Contains(t, imp.failures, "job-1")
}

func TestWorker_FailNonRetryableSkips(t *testing.T) {
	w, records, _, imp := newTestWorker(t)
	ctx := context.Background()
	require.NoError(t, records.Create(ctx, testJob("job-1")))

	err := w.fail(ctx, testJob("job-1"), 0, 2, domain.ErrSourceNotFound)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	got, _ := records.Get(ctx, "job-1")
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Contains(t, imp.failures, "job-1")
}

func TestWorker_ManualKillSkipsNotification(t *testing.T) {
	w, records, rec, imp := newTestWorker(t)
	ctx := context.Background()
	job := testJob("job-1")
	job.CatalogID = "cat-9"
	require.NoError(t, records.Create(ctx, job))
	require.NoError(t, records.MarkKill(ctx, "job-1"))

	err := w.fail(ctx, job, 0, 2, context.Canceled)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	got, _ := records.Get(ctx, "job-1")
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, "manually killed", got.FailureReason)
	assert.Contains(t, rec.removed, "job-1")
	assert.Empty(t, imp.failures, "manual kill must not reach the catalog")
}

func TestWorker_CancelWithoutMarkerIsNotAKill(t *testing.T) {
	w, records, _, _ := newTestWorker(t)
	ctx := context.Background()
	require.NoError(t, records.Create(ctx, testJob("job-1")))

	// cancelled context, no kill marker: treated as a plain failure, and
	// context.Canceled is not retryable so it goes terminal
	err := w.fail(ctx, testJob("job-1"), 0, 2, context.Canceled)
	require.Error(t, err)

	got, _ := records.Get(ctx, "job-1")
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.NotEqual(t, "manually killed", got.FailureReason)
}

func TestWorker_StopMarksInflightStalled(t *testing.T) {
	w, _, rec, _ := newTestWorker(t)
	w.inflight.Store("job-1", struct{}{})

	w.Stop()

	assert.Equal(t, domain.RecoveryStalled, rec.status["job-1"])
}

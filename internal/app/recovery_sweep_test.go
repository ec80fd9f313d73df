package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangleworks/vidimport/internal/domain"
)

type fakeJobStore struct {
	jobs    map[string]domain.Job
	retried []string
}

func (f *fakeJobStore) Submit(_ domain.Context, spec domain.JobSpec) (domain.Job, error) {
	return domain.Job{ID: spec.RequestID}, nil
}
func (f *fakeJobStore) Get(_ domain.Context, id string) (domain.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return job, nil
}
func (f *fakeJobStore) List(domain.Context, domain.ListFilter) ([]domain.Job, int, error) {
	return nil, 0, nil
}
func (f *fakeJobStore) Counts(domain.Context) (domain.JobCounts, error) {
	return domain.JobCounts{}, nil
}
func (f *fakeJobStore) Logs(domain.Context, string) ([]string, error) { return nil, nil }
func (f *fakeJobStore) Retry(_ domain.Context, id string) error {
	f.retried = append(f.retried, id)
	return nil
}
func (f *fakeJobStore) Kill(domain.Context, string) error   { return nil }
func (f *fakeJobStore) Delete(domain.Context, string) error { return nil }
func (f *fakeJobStore) Pause(domain.Context) error          { return nil }
func (f *fakeJobStore) Resume(domain.Context) error         { return nil }
func (f *fakeJobStore) Drain(domain.Context) error          { return nil }
func (f *fakeJobStore) Obliterate(domain.Context) error     { return nil }

type memRecovery struct {
	states  map[string]domain.RecoveryState
	removed []string
}

func newMemRecovery() *memRecovery {
	return &memRecovery{states: map[string]domain.RecoveryState{}}
}
func (m *memRecovery) Open(_ domain.Context, st domain.RecoveryState) error {
	m.states[st.JobID] = st
	return nil
}
func (m *memRecovery) Heartbeat(domain.Context, string) error { return nil }
func (m *memRecovery) SetStatus(_ domain.Context, id, status string) error {
	st := m.states[id]
	st.Status = status
	m.states[id] = st
	return nil
}
func (m *memRecovery) SetProgress(domain.Context, string, domain.Progress) error { return nil }
func (m *memRecovery) AddTempFile(_ domain.Context, id, path string) error {
	st := m.states[id]
	st.TempFiles = append(st.TempFiles, path)
	m.states[id] = st
	return nil
}
func (m *memRecovery) Get(_ domain.Context, id string) (domain.RecoveryState, error) {
	st, ok := m.states[id]
	if !ok {
		return domain.RecoveryState{}, domain.ErrNotFound
	}
	return st, nil
}
func (m *memRecovery) ListStale(_ domain.Context, olderThan time.Duration) ([]domain.RecoveryState, error) {
	var out []domain.RecoveryState
	for _, st := range m.states {
		if time.Since(st.Timestamp) > olderThan {
			out = append(out, st)
		}
	}
	return out, nil
}
func (m *memRecovery) ListAll(domain.Context) ([]domain.RecoveryState, error) {
	out := make([]domain.RecoveryState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st)
	}
	return out, nil
}
func (m *memRecovery) Remove(_ domain.Context, id string) error {
	delete(m.states, id)
	m.removed = append(m.removed, id)
	return nil
}

func tempFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return path
}

func TestSweep_TerminalJobPurgesMirrorAndTemps(t *testing.T) {
	dir := t.TempDir()
	temp := tempFile(t, dir, "a.mp4")
	store := &fakeJobStore{jobs: map[string]domain.Job{
		"job-1": {ID: "job-1", Status: domain.JobCompleted},
	}}
	rec := newMemRecovery()
	rec.states["job-1"] = domain.RecoveryState{
		JobID:     "job-1",
		Status:    domain.RecoveryActive,
		TempFiles: []string{temp},
		Timestamp: time.Now().Add(-10 * time.Minute),
	}

	NewRecoverySweeper(store, rec, SweepConfig{StaleThreshold: 5 * time.Minute}).Sweep(context.Background())

	assert.Contains(t, rec.removed, "job-1")
	_, err := os.Stat(temp)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, store.retried)
}

func TestSweep_MissingJobPurges(t *testing.T) {
	dir := t.TempDir()
	temp := tempFile(t, dir, "a.mp4")
	store := &fakeJobStore{jobs: map[string]domain.Job{}}
	rec := newMemRecovery()
	rec.states["job-1"] = domain.RecoveryState{
		JobID:     "job-1",
		Status:    domain.RecoveryActive,
		TempFiles: []string{temp},
		Timestamp: time.Now().Add(-10 * time.Minute),
	}

	NewRecoverySweeper(store, rec, SweepConfig{StaleThreshold: 5 * time.Minute}).Sweep(context.Background())

	assert.Contains(t, rec.removed, "job-1")
	_, err := os.Stat(temp)
	assert.True(t, os.IsNotExist(err))
}

func TestSweep_FreshActiveMirrorLeftAlone(t *testing.T) {
	store := &fakeJobStore{jobs: map[string]domain.Job{
		"job-1": {ID: "job-1", Status: domain.JobActive},
	}}
	rec := newMemRecovery()
	rec.states["job-1"] = domain.RecoveryState{
		JobID:     "job-1",
		Status:    domain.RecoveryActive,
		Timestamp: time.Now(),
	}

	NewRecoverySweeper(store, rec, SweepConfig{StaleThreshold: 5 * time.Minute}).Sweep(context.Background())

	assert.Empty(t, rec.removed)
	assert.Empty(t, store.retried)
}

func TestSweep_StalledJobRequeued(t *testing.T) {
	dir := t.TempDir()
	temp := tempFile(t, dir, "partial.mp4")
	store := &fakeJobStore{jobs: map[string]domain.Job{
		"job-1": {ID: "job-1", Status: domain.JobActive},
	}}
	rec := newMemRecovery()
	rec.states["job-1"] = domain.RecoveryState{
		JobID:     "job-1",
		Status:    domain.RecoveryStalled,
		TempFiles: []string{temp},
		Timestamp: time.Now(),
	}

	NewRecoverySweeper(store, rec, SweepConfig{StaleThreshold: 5 * time.Minute}).Sweep(context.Background())

	assert.Contains(t, store.retried, "job-1")
	assert.Contains(t, rec.removed, "job-1")
	_, err := os.Stat(temp)
	assert.True(t, os.IsNotExist(err))
}

func TestSweep_StaleActiveMirrorRequeued(t *testing.T) {
	store := &fakeJobStore{jobs: map[string]domain.Job{
		"job-1": {ID: "job-1", Status: domain.JobActive},
	}}
	rec := newMemRecovery()
	rec.states["job-1"] = domain.RecoveryState{
		JobID:     "job-1",
		Status:    domain.RecoveryActive,
		Timestamp: time.Now().Add(-10 * time.Minute),
	}

	NewRecoverySweeper(store, rec, SweepConfig{StaleThreshold: 5 * time.Minute}).Sweep(context.Background())

	assert.Contains(t, store.retried, "job-1")
}

func TestSweep_WaitingJobTempsReclaimedWithoutRetry(t *testing.T) {
	dir := t.TempDir()
	temp := tempFile(t, dir, "partial.mp4")
	store := &fakeJobStore{jobs: map[string]domain.Job{
		"job-1": {ID: "job-1", Status: domain.JobDelayed},
	}}
	rec := newMemRecovery()
	rec.states["job-1"] = domain.RecoveryState{
		JobID:     "job-1",
		Status:    domain.RecoveryActive,
		TempFiles: []string{temp},
		Timestamp: time.Now().Add(-10 * time.Minute),
	}

	NewRecoverySweeper(store, rec, SweepConfig{StaleThreshold: 5 * time.Minute}).Sweep(context.Background())

	assert.Empty(t, store.retried, "queue already owns the retry")
	assert.Contains(t, rec.removed, "job-1")
	_, err := os.Stat(temp)
	assert.True(t, os.IsNotExist(err))
}

func TestSweep_RepeatedStallsHitTheRescueCeiling(t *testing.T) {
	store := &fakeJobStore{jobs: map[string]domain.Job{
		"job-1": {ID: "job-1", Status: domain.JobActive},
	}}
	rec := newMemRecovery()
	sweeper := NewRecoverySweeper(store, rec, SweepConfig{
		StaleThreshold: 5 * time.Minute,
		MaxStalls:      2,
	})

	// The same job keeps coming back stalled; after two rescues the
	// sweeper stops re-queueing it.
	for i := 0; i < 4; i++ {
		rec.states["job-1"] = domain.RecoveryState{
			JobID:     "job-1",
			Status:    domain.RecoveryStalled,
			Timestamp: time.Now().Add(-10 * time.Minute),
		}
		sweeper.Sweep(context.Background())
	}

	assert.Len(t, store.retried, 2)
	assert.NotContains(t, rec.states, "job-1", "mirror purged once the ceiling is hit")
}

func TestSweep_CorruptMirrorRemovedUnconditionally(t *testing.T) {
	store := &fakeJobStore{jobs: map[string]domain.Job{}}
	rec := newMemRecovery()
	rec.states["job-1"] = domain.RecoveryState{JobID: "job-1", Corrupt: true, Timestamp: time.Now()}

	NewRecoverySweeper(store, rec, SweepConfig{StaleThreshold: 5 * time.Minute}).Sweep(context.Background())

	assert.Contains(t, rec.removed, "job-1")
}

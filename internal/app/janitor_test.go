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

type fakeCleaner struct {
	calls int
}

func (f *fakeCleaner) Cleanup(domain.Context, int, time.Duration) (int, error) {
	f.calls++
	return 0, nil
}

func agedFile(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
	return path
}

func TestJanitor_RemovesOrphanedOldTemps(t *testing.T) {
	dir := t.TempDir()
	orphan := agedFile(t, dir, "orphan.mp4", 48*time.Hour)
	fresh := agedFile(t, dir, "fresh.mp4", time.Hour)

	cleaner := &fakeCleaner{}
	j := NewJanitor(cleaner, newMemRecovery(), dir, time.Hour)
	j.sweepOnce(context.Background())

	assert.Equal(t, 1, cleaner.calls)
	_, err := os.Stat(orphan)
	assert.True(t, os.IsNotExist(err), "old orphan must be removed")
	_, err = os.Stat(fresh)
	assert.NoError(t, err, "fresh file must survive")
}

func TestJanitor_SparesClaimedTemps(t *testing.T) {
	dir := t.TempDir()
	claimed := agedFile(t, dir, "claimed.mp4", 48*time.Hour)

	rec := newMemRecovery()
	rec.states["job-1"] = domain.RecoveryState{
		JobID:     "job-1",
		TempFiles: []string{claimed},
		Timestamp: time.Now(),
	}

	j := NewJanitor(&fakeCleaner{}, rec, dir, time.Hour)
	j.sweepOnce(context.Background())

	_, err := os.Stat(claimed)
	assert.NoError(t, err, "claimed file must survive")
}

func TestJanitor_SparesPrefixClaimedTemps(t *testing.T) {
	dir := t.TempDir()
	// mirror tracks the nonce prefix; the child named the final file
	final := agedFile(t, dir, "ab12cd34-My Video.mp4", 48*time.Hour)

	rec := newMemRecovery()
	rec.states["job-1"] = domain.RecoveryState{
		JobID:     "job-1",
		TempFiles: []string{filepath.Join(dir, "ab12cd34-")},
		Timestamp: time.Now(),
	}

	j := NewJanitor(&fakeCleaner{}, rec, dir, time.Hour)
	j.sweepOnce(context.Background())

	_, err := os.Stat(final)
	assert.NoError(t, err)
}

func TestJanitor_RunStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	j := NewJanitor(&fakeCleaner{}, newMemRecovery(), dir, time.Hour)

	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}
}

package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/tangleworks/vidimport/internal/domain"
)

const (
	keepCompletedRecords = 100
	failedRecordMaxAge   = 7 * 24 * time.Hour
	orphanTempMaxAge     = 24 * time.Hour
)

// RecordCleaner is the janitor-facing slice of the queue store.
type RecordCleaner interface {
	Cleanup(ctx domain.Context, keepCompleted int, failedAge time.Duration) (int, error)
}

// Janitor periodically trims old job records and deletes orphaned temp
// files that no live recovery mirror references.
type Janitor struct {
	cleaner  RecordCleaner
	recovery domain.RecoveryStore
	tempDir  string
	interval time.Duration
}

// NewJanitor builds the cleanup loop.
func NewJanitor(cleaner RecordCleaner, recovery domain.RecoveryStore, tempDir string, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{cleaner: cleaner, recovery: recovery, tempDir: tempDir, interval: interval}
}

// Run loops until ctx is done, sweeping once immediately.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("janitor stopping")
			return
		case <-ticker.C:
			j.sweepOnce(ctx)
		}
	}
}

func (j *Janitor) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.janitor")
	ctx, span := tracer.Start(ctx, "Janitor.sweepOnce")
	defer span.End()

	if _, err := j.cleaner.Cleanup(ctx, keepCompletedRecords, failedRecordMaxAge); err != nil {
		slog.Warn("janitor: record cleanup failed", slog.Any("error", err))
	}
	j.sweepTempDir(ctx)
}

// sweepTempDir removes temp files older than a day unless a live
// recovery mirror still claims them.
func (j *Janitor) sweepTempDir(ctx context.Context) {
	entries, err := os.ReadDir(j.tempDir)
	if err != nil {
		slog.Warn("janitor: temp dir read failed", slog.Any("error", err))
		return
	}
	claimed := j.claimedPaths(ctx)
	cutoff := time.Now().Add(-orphanTempMaxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(j.tempDir, e.Name())
		if claimed[path] || claimedByPrefix(claimed, path) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			slog.Warn("janitor: temp removal failed",
				slog.String("path", path), slog.Any("error", err))
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("janitor: orphaned temp files removed", slog.Int("count", removed))
	}
}

func (j *Janitor) claimedPaths(ctx context.Context) map[string]bool {
	claimed := map[string]bool{}
	states, err := j.recovery.ListAll(ctx)
	if err != nil {
		slog.Warn("janitor: recovery list failed", slog.Any("error", err))
		return claimed
	}
	for _, st := range states {
		for _, p := range st.TempFiles {
			claimed[p] = true
		}
	}
	return claimed
}

// claimedByPrefix covers downloader children that name their own
// output: the mirror tracks the nonce prefix, not the final file.
func claimedByPrefix(claimed map[string]bool, path string) bool {
	for p := range claimed {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

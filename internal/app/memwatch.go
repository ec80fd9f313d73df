package app

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/tangleworks/vidimport/internal/adapter/observability"
)

const (
	memSampleEvery   = 10 * time.Second
	memWarnRatio     = 0.85
	memCriticalRatio = 0.95
)

// MemWatcher samples heap usage against a configured cap. It only
// observes and nudges the GC; it never terminates the process.
type MemWatcher struct {
	limitBytes uint64
}

// NewMemWatcher builds the watchdog. limitBytes <= 0 disables it.
func NewMemWatcher(limitBytes int64) *MemWatcher {
	if limitBytes <= 0 {
		return nil
	}
	return &MemWatcher{limitBytes: uint64(limitBytes)}
}

// Run samples until ctx is done.
func (m *MemWatcher) Run(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := time.NewTicker(memSampleEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *MemWatcher) sample() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	heap := stats.HeapAlloc
	observability.SetHeapBytes(heap)

	ratio := float64(heap) / float64(m.limitBytes)
	switch {
	case ratio >= memCriticalRatio:
		slog.Error("heap critical",
			slog.Uint64("heap_bytes", heap),
			slog.Uint64("limit_bytes", m.limitBytes),
			slog.Float64("ratio", ratio))
		runtime.GC()
		debug.FreeOSMemory()
	case ratio >= memWarnRatio:
		slog.Warn("heap high",
			slog.Uint64("heap_bytes", heap),
			slog.Uint64("limit_bytes", m.limitBytes),
			slog.Float64("ratio", ratio))
		runtime.GC()
	}
}

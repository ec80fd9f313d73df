package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tangleworks/vidimport/internal/adapter/observability"
	"github.com/tangleworks/vidimport/internal/domain"
	"github.com/tangleworks/vidimport/pkg/tempfiles"
)

// SweepConfig tunes the recovery sweeper.
type SweepConfig struct {
	// StaleThreshold is how long a mirror may go without a heartbeat
	// before its worker is presumed dead.
	StaleThreshold time.Duration
	// Interval is the re-sweep cadence of Run.
	Interval time.Duration
	// MaxStalls caps how often one job is rescued before the sweeper
	// gives up on it; zero means no cap.
	MaxStalls int
}

// RecoverySweeper reconciles leftover recovery mirrors against the job
// store after a process restart. A mirror that outlived its job means
// the process died mid-transfer; its temp files are reclaimed and, when
// the job can still run, it is re-queued.
type RecoverySweeper struct {
	store    domain.JobStore
	recovery domain.RecoveryStore
	cfg      SweepConfig

	// rescues per job id, this process's lifetime only
	stalls map[string]int
}

// NewRecoverySweeper builds the sweeper. Sweep it once at startup, then
// hand it to Run for the periodic re-sweeps.
func NewRecoverySweeper(store domain.JobStore, recovery domain.RecoveryStore, cfg SweepConfig) *RecoverySweeper {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 5 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &RecoverySweeper{store: store, recovery: recovery, cfg: cfg, stalls: map[string]int{}}
}

// Run re-sweeps every Interval until ctx is done.
func (s *RecoverySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep walks every recovery mirror once. Meant for startup; safe to
// run at any time since fresh mirrors are left alone.
func (s *RecoverySweeper) Sweep(ctx context.Context) {
	tracer := otel.Tracer("app.recovery")
	ctx, span := tracer.Start(ctx, "RecoverySweeper.Sweep")
	defer span.End()

	states, err := s.recovery.ListAll(ctx)
	if err != nil {
		slog.Error("recovery sweep: list failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("recovery.mirrors", len(states)))

	for _, st := range states {
		s.sweepOne(ctx, st)
	}
	if len(states) > 0 {
		slog.Info("recovery sweep done", slog.Int("mirrors", len(states)))
	}
}

func (s *RecoverySweeper) sweepOne(ctx context.Context, st domain.RecoveryState) {
	if st.Corrupt {
		s.purge(ctx, st, "corrupt")
		return
	}
	if time.Since(st.Timestamp) < s.cfg.StaleThreshold && st.Status == domain.RecoveryActive {
		// Heartbeat is recent; another worker still owns this job.
		return
	}

	job, err := s.store.Get(ctx, st.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.purge(ctx, st, "job_missing")
		} else {
			slog.Warn("recovery sweep: job lookup failed",
				slog.String("job_id", st.JobID), slog.Any("error", err))
		}
		return
	}

	switch {
	case job.Status.Terminal():
		s.purge(ctx, st, "job_terminal")
	case job.Status == domain.JobWaiting || job.Status == domain.JobDelayed:
		// Queue already re-owns it; reclaim the dead attempt's files.
		s.purge(ctx, st, "requeued_by_queue")
	case st.Status == domain.RecoveryStalled || st.Status == domain.RecoveryFailed || time.Since(st.Timestamp) >= s.cfg.StaleThreshold:
		// The owning worker is gone. Reclaim and re-queue — unless this
		// job keeps stalling, then stop rescuing it.
		s.stalls[st.JobID]++
		if s.cfg.MaxStalls > 0 && s.stalls[st.JobID] > s.cfg.MaxStalls {
			s.purge(ctx, st, "stall_limit")
			return
		}
		s.reclaimTemps(st)
		if err := s.store.Retry(ctx, st.JobID); err != nil {
			slog.Warn("recovery sweep: retry failed",
				slog.String("job_id", st.JobID), slog.Any("error", err))
		}
		_ = s.recovery.Remove(ctx, st.JobID)
		observability.RecoveryAction("requeued")
		slog.Info("recovery sweep: job requeued", slog.String("job_id", st.JobID))
	}
}

func (s *RecoverySweeper) purge(ctx context.Context, st domain.RecoveryState, reason string) {
	s.reclaimTemps(st)
	if err := s.recovery.Remove(ctx, st.JobID); err != nil {
		slog.Warn("recovery sweep: mirror removal failed",
			slog.String("job_id", st.JobID), slog.Any("error", err))
		return
	}
	observability.RecoveryAction("purged_" + reason)
	slog.Info("recovery sweep: mirror purged",
		slog.String("job_id", st.JobID),
		slog.String("reason", reason))
}

func (s *RecoverySweeper) reclaimTemps(st domain.RecoveryState) {
	for _, path := range st.TempFiles {
		if err := tempfiles.Remove(path); err != nil {
			slog.Warn("recovery sweep: temp removal failed",
				slog.String("job_id", st.JobID),
				slog.String("path", path),
				slog.Any("error", err))
		}
	}
}

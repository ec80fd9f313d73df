// Package main runs the video import worker: queue consumer, recovery
// sweep, janitor, memory watchdog and the ops HTTP listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tangleworks/vidimport/internal/adapter/catalog"
	"github.com/tangleworks/vidimport/internal/adapter/fetcher"
	"github.com/tangleworks/vidimport/internal/adapter/observability"
	"github.com/tangleworks/vidimport/internal/adapter/origin"
	asynqq "github.com/tangleworks/vidimport/internal/adapter/queue/asynq"
	"github.com/tangleworks/vidimport/internal/adapter/recovery"
	"github.com/tangleworks/vidimport/internal/adapter/updater"
	"github.com/tangleworks/vidimport/internal/app"
	"github.com/tangleworks/vidimport/internal/config"
	"github.com/tangleworks/vidimport/internal/domain"
	"github.com/tangleworks/vidimport/internal/service/egress"
	"github.com/tangleworks/vidimport/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting vidimport worker",
		slog.String("env", cfg.AppEnv),
		slog.Int("concurrency", cfg.WorkerConcurrency))

	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return fmt.Errorf("temp dir: %w", err)
	}

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpt)
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	records := asynqq.NewRecords(rdb)
	store, err := asynqq.NewStore(cfg.RedisURL, records, asynqq.StoreConfig{
		DefaultMaxAttempts: cfg.MaxRetryAttempts,
		JobTimeout:         cfg.JobTimeout(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	recoveryStore := recovery.New(rdb, cfg.RecoveryTTL)

	originClient := origin.New(origin.Config{
		BaseURL:       cfg.OriginBaseURL,
		Zone:          cfg.StorageZone,
		AccessKey:     cfg.StorageAccessKey,
		CDNBase:       cfg.CDNBaseURL,
		UploadTimeout: cfg.UploadTimeout(),
		BufferSize:    cfg.StreamBufferBytes(),
		MaxAttempts:   cfg.MaxRetryAttempts,
		VerifyTimeout: config.CDNVerifyTimeout,
	})

	var catalogClient domain.Catalog
	if cfg.CatalogEnabled() {
		catalogClient = catalog.New(catalog.Config{
			BaseURL: cfg.CatalogAPIURL,
			APIKey:  cfg.CatalogAPIKey,
			Timeout: config.CatalogTimeout,
		})
	} else {
		slog.Warn("catalog api not configured, notifications disabled")
	}

	pool := egress.New(egress.Config{
		AdminURL:       cfg.AdminAPIURL,
		InternalSecret: cfg.AdminInternalSecret,
		CacheTTL:       cfg.EgressCacheTTL,
		Fallbacks:      cfg.EgressFallbacks,
	}, rdb)

	runner := fetcher.ExecRunner{Binary: cfg.DownloaderBinary}
	var binUpdater domain.BinaryUpdater
	if cfg.AdminAPIURL != "" {
		binUpdater = updater.New(updater.Config{
			AdminURL:        cfg.AdminAPIURL,
			InternalSecret:  cfg.AdminInternalSecret,
			Channel:         cfg.DownloaderChannel,
			AutoUpdate:      cfg.DownloaderAutoUpdate,
			UpdateFrequency: cfg.DownloaderUpdateFrequency,
		}, runner, nil)
	}

	fetchers := fetcher.Set{
		domain.SourceURL: fetcher.NewURL(fetcher.URLConfig{
			MaxBytes:    cfg.MaxFileBytes(),
			Timeout:     cfg.DownloadTimeout(),
			MaxAttempts: cfg.MaxRetryAttempts,
		}),
		domain.SourceDrive: fetcher.NewDrive(fetcher.DriveConfig{
			APIKey:       cfg.DriveAPIKey,
			ClientID:     cfg.DriveClientID,
			ClientSecret: cfg.DriveClientSecret,
			RefreshToken: cfg.DriveRefreshToken,
			MaxBytes:     cfg.MaxFileBytes(),
			Timeout:      cfg.DownloadTimeout(),
		}),
		domain.SourcePlatform: fetcher.NewPlatform(fetcher.PlatformConfig{
			MaxBytes:        cfg.MaxFileBytes(),
			DownloadTimeout: config.ChildDownloadTimeout,
			ProbeTimeout:    config.ProbeTimeout,
		}, runner, pool, binUpdater),
		domain.SourceLocal: fetcher.NewLocal(cfg.MaxFileBytes()),
	}

	importer := usecase.NewImportService(fetchers, originClient, catalogClient, recoveryStore, cfg.TempDir)

	worker, err := asynqq.NewWorker(cfg.RedisURL, records, recoveryStore, importer, asynqq.WorkerConfig{
		Concurrency:     cfg.WorkerConcurrency,
		RetryPolicy:     cfg.RetryPolicy(),
		ShutdownTimeout: cfg.ServerShutdownTimeout,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Reconcile mirrors left behind by a previous process before taking
	// new leases, then keep re-sweeping for mid-run stalls.
	sweeper := app.NewRecoverySweeper(store, recoveryStore, app.SweepConfig{
		StaleThreshold: cfg.StaleThreshold,
		Interval:       cfg.StalledInterval,
		MaxStalls:      cfg.MaxStalledCount,
	})
	sweeper.Sweep(ctx)

	if err := worker.Start(); err != nil {
		return err
	}

	go sweeper.Run(ctx)
	go app.NewJanitor(store, recoveryStore, cfg.TempDir, cfg.CleanupInterval).Run(ctx)
	go app.NewMemWatcher(int64(cfg.HeapLimitBytes())).Run(ctx)

	checks := app.BuildReadinessChecks(cfg, redisAdapter{rdb})
	opsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.BuildRouter(checks),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("ops listener started", slog.Int("port", cfg.Port))
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops listener error", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("ops listener shutdown error", slog.Any("error", err))
	}
	worker.Stop()
	slog.Info("shutdown complete")
	return nil
}

// redisAdapter narrows *redis.Client to the readiness interface.
type redisAdapter struct{ rdb *redis.Client }

func (r redisAdapter) Ping(ctx context.Context) app.RedisPingResult { return r.rdb.Ping(ctx) }

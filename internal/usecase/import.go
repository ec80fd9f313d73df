// Package usecase contains the application pipeline: fetch, upload,
// notify.
package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tangleworks/vidimport/internal/adapter/fetcher"
	"github.com/tangleworks/vidimport/internal/adapter/observability"
	"github.com/tangleworks/vidimport/internal/domain"
	"github.com/tangleworks/vidimport/pkg/tempfiles"
	"github.com/tangleworks/vidimport/pkg/urlx"
)

// ImportService runs one import attempt end to end: delegate to the
// source fetcher, stream the result to the origin, clean up, and emit
// the catalog notifications around the terminal transition.
type ImportService struct {
	Fetchers fetcher.Set
	Origin   domain.Origin
	Catalog  domain.Catalog // nil disables notifications
	Recovery domain.RecoveryStore
	TempDir  string
}

// NewImportService wires the pipeline dependencies.
func NewImportService(fetchers fetcher.Set, origin domain.Origin, catalog domain.Catalog, recovery domain.RecoveryStore, tempDir string) *ImportService {
	return &ImportService{
		Fetchers: fetchers,
		Origin:   origin,
		Catalog:  catalog,
		Recovery: recovery,
		TempDir:  tempDir,
	}
}

// Process fetches the source and uploads it to the origin. Temp files
// are reclaimed on every exit path; the recovery mirror tracks each one
// before its first byte so a crash mid-transfer is also reclaimable.
func (s *ImportService) Process(ctx domain.Context, job domain.Job, report domain.ProgressFn) (domain.ImportResult, error) {
	tracer := otel.Tracer("usecase.import")
	ctx, span := tracer.Start(ctx, "import.Process", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.source_kind", string(job.SourceKind)),
	))
	defer span.End()

	f, err := s.Fetchers.For(job.SourceKind)
	if err != nil {
		return domain.ImportResult{}, err
	}

	report(domain.Progress{Stage: domain.StageDownloading, Message: "Starting download..."})

	var tracked []string
	req := domain.FetchRequest{
		JobID:     job.ID,
		SourceRef: job.SourceRef,
		FileName:  job.FileName,
		TempDir:   s.TempDir,
		Progress:  report,
		EgressLog: func(attempts []domain.EgressAttempt) {
			report(domain.Progress{
				Stage:          domain.StageDownloading,
				EgressAttempts: attempts,
			})
		},
		TrackTemp: func(path string) {
			tracked = append(tracked, path)
			if err := s.Recovery.AddTempFile(ctx, job.ID, path); err != nil {
				slog.Debug("temp track failed", slog.String("job_id", job.ID), slog.Any("error", err))
			}
		},
	}
	defer func() {
		for _, path := range tracked {
			if err := tempfiles.Remove(path); err != nil {
				slog.Warn("temp cleanup failed",
					slog.String("job_id", job.ID),
					slog.String("path", path),
					slog.Any("error", err))
			}
		}
	}()

	dlStart := time.Now()
	res, err := f.Fetch(ctx, req)
	if err != nil {
		return domain.ImportResult{}, err
	}
	observability.ObserveDownload(string(job.SourceKind), time.Since(dlStart).Seconds(), res.Size)

	objectName := objectName(res.FileName)
	report(domain.Progress{Stage: domain.StageUploading, Message: "Uploading to origin..."})

	ulStart := time.Now()
	cdnURL, err := s.Origin.Upload(ctx, res.LocalPath, objectName, res.Size, func(transferred, total int64) {
		pct := float64(0)
		if total > 0 {
			pct = float64(transferred) / float64(total) * 100
		}
		report(domain.Progress{Stage: domain.StageUploading, Percentage: pct})
	})
	if err != nil {
		return domain.ImportResult{}, err
	}
	observability.ObserveUpload(time.Since(ulStart).Seconds(), res.Size)

	if err := s.Origin.VerifyCDN(ctx, objectName); err != nil {
		slog.Warn("cdn verification failed",
			slog.String("job_id", job.ID),
			slog.String("object", objectName),
			slog.Any("error", err))
	}

	report(domain.Progress{Stage: domain.StageCleanup, Percentage: 100, Message: "Cleaning up..."})

	return domain.ImportResult{
		CDNURL:         cdnURL,
		FileName:       res.FileName,
		Size:           res.Size,
		AttemptsMade:   job.AttemptsMade,
		EgressAttempts: res.Egress,
	}, nil
}

// objectName derives the origin object name: sanitized base, an 8-char
// nonce so re-imports never overwrite, original extension.
func objectName(fileName string) string {
	base, ext := urlx.SplitExt(urlx.SanitizeFileName(fileName))
	if base == "" {
		base = "video"
	}
	return fmt.Sprintf("%s-%s%s", base, uuid.NewString()[:8], ext)
}

// NotifySuccess emits exactly one catalog call: create for jobs without
// a catalog record, source-link update for first-attempt successes,
// import-success with the retry flag otherwise. Failures are logged and
// swallowed.
func (s *ImportService) NotifySuccess(ctx domain.Context, job domain.Job, res domain.ImportResult) {
	if s.Catalog == nil {
		return
	}
	var (
		call string
		err  error
	)
	switch {
	case job.CatalogID == "":
		call = "create_video"
		err = s.Catalog.CreateVideo(ctx, job.APIKey, domain.CatalogCreate{
			Name:        res.FileName,
			SourceLink:  res.CDNURL,
			ImportJobID: job.ID,
		})
	case job.AttemptsMade == 0:
		call = "update_source_link"
		err = s.Catalog.UpdateSourceLink(ctx, job.APIKey, job.CatalogID, domain.CatalogSourceLink{
			SourceLink:  res.CDNURL,
			ImportJobID: job.ID,
		})
	default:
		call = "report_import_success"
		err = s.Catalog.ReportImportSuccess(ctx, job.APIKey, job.CatalogID, domain.CatalogSourceLink{
			SourceLink:  res.CDNURL,
			ImportJobID: job.ID,
			IsRetry:     true,
		})
	}
	observability.CatalogWebhook(call, err)
	if err != nil {
		slog.Warn("catalog notification failed",
			slog.String("job_id", job.ID),
			slog.String("call", call),
			slog.Any("error", err))
	}
}

// NotifyFailure reports a terminal failure to the catalog. Jobs without
// a catalog record stay silent.
func (s *ImportService) NotifyFailure(ctx domain.Context, job domain.Job, reason string) {
	if s.Catalog == nil || job.CatalogID == "" {
		return
	}
	err := s.Catalog.ReportImportFailure(ctx, job.APIKey, job.CatalogID, domain.CatalogFailure{
		Error:      reason,
		SourceURL:  job.SourceRef,
		RetryCount: job.AttemptsMade,
	})
	observability.CatalogWebhook("report_import_failure", err)
	if err != nil {
		slog.Warn("catalog notification failed",
			slog.String("job_id", job.ID),
			slog.String("call", "report_import_failure"),
			slog.Any("error", err))
	}
}

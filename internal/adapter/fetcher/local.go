package fetcher

import (
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"

	"github.com/tangleworks/vidimport/internal/domain"
)

// Local passes a pre-staged resumable-upload file straight through. No
// network I/O; the file already lives in the temp area.
type Local struct {
	MaxBytes int64
}

// NewLocal constructs the passthrough fetcher.
func NewLocal(maxBytes int64) *Local { return &Local{MaxBytes: maxBytes} }

// Fetch verifies the staged file and reports immediate completion.
func (l *Local) Fetch(ctx domain.Context, req domain.FetchRequest) (domain.FetchResult, error) {
	tracer := otel.Tracer("fetcher.local")
	_, span := tracer.Start(ctx, "fetcher.Local.Fetch")
	defer span.End()

	fi, err := os.Stat(req.SourceRef)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.FetchResult{}, fmt.Errorf("op=fetcher.local: %w: file not found: %s", domain.ErrSourceNotFound, req.SourceRef)
		}
		return domain.FetchResult{}, fmt.Errorf("op=fetcher.local: %w: %v", domain.ErrInternal, err)
	}
	if fi.IsDir() {
		return domain.FetchResult{}, fmt.Errorf("op=fetcher.local: %w: %s is a directory", domain.ErrSourceInvalid, req.SourceRef)
	}
	if l.MaxBytes > 0 && fi.Size() > l.MaxBytes {
		return domain.FetchResult{}, fmt.Errorf("op=fetcher.local: %w: %d bytes", domain.ErrSizeExceeded, fi.Size())
	}

	if req.TrackTemp != nil {
		req.TrackTemp(req.SourceRef)
	}
	name := req.FileName
	if name == "" {
		name = filepath.Base(req.SourceRef)
	}
	if req.Progress != nil {
		req.Progress(domain.Progress{
			Stage:      domain.StageDownloading,
			Percentage: 100,
			Message:    "Using pre-staged upload",
		})
	}
	return domain.FetchResult{LocalPath: req.SourceRef, FileName: name, Size: fi.Size()}, nil
}

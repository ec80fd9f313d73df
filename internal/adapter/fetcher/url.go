package fetcher

import (
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/tangleworks/vidimport/internal/domain"
	"github.com/tangleworks/vidimport/pkg/tempfiles"
	"github.com/tangleworks/vidimport/pkg/urlx"
)

const urlMaxRedirects = 5

// URLConfig tunes the direct-URL fetcher.
type URLConfig struct {
	MaxBytes int64
	Timeout  time.Duration
	// MaxAttempts is the in-fetcher retry budget for one pipeline attempt.
	MaxAttempts      int
	RetryInitialWait time.Duration
}

// URL streams a direct GET to disk. Declared Content-Length is checked
// against the global cap before the body is read; the stream is checked
// again while it flows.
type URL struct {
	cfg        URLConfig
	httpClient *http.Client
}

// NewURL constructs the direct-URL fetcher.
func NewURL(cfg URLConfig) *URL {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &URL{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= urlMaxRedirects {
					return fmt.Errorf("%w: more than %d redirects", domain.ErrSourceUnavailable, urlMaxRedirects)
				}
				return nil
			},
		},
	}
}

// Fetch downloads req.SourceRef into the temp directory.
func (u *URL) Fetch(ctx domain.Context, req domain.FetchRequest) (domain.FetchResult, error) {
	tracer := otel.Tracer("fetcher.url")
	ctx, span := tracer.Start(ctx, "fetcher.URL.Fetch")
	defer span.End()

	var res domain.FetchResult
	attempt := func() error {
		r, err := u.attempt(ctx, req)
		if err != nil {
			if !domain.Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		res = r
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	if u.cfg.RetryInitialWait > 0 {
		bo.InitialInterval = u.cfg.RetryInitialWait
	}
	retries := uint64(u.cfg.MaxAttempts - 1)
	if err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx)); err != nil {
		return domain.FetchResult{}, fmt.Errorf("op=fetcher.url: %w", err)
	}
	return res, nil
}

func (u *URL) attempt(ctx domain.Context, req domain.FetchRequest) (domain.FetchResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.SourceRef, nil)
	if err != nil {
		return domain.FetchResult{}, fmt.Errorf("%w: %v", domain.ErrSourceInvalid, err)
	}
	httpReq.Header.Set("User-Agent", browserUA)

	resp, err := u.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return domain.FetchResult{}, ctx.Err()
		}
		return domain.FetchResult{}, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return domain.FetchResult{}, err
	}
	if u.cfg.MaxBytes > 0 && resp.ContentLength > u.cfg.MaxBytes {
		return domain.FetchResult{}, fmt.Errorf("%w: declared %d bytes", domain.ErrSizeExceeded, resp.ContentLength)
	}

	name := req.FileName
	if name == "" {
		name = urlx.FileNameFromDisposition(resp.Header.Get("Content-Disposition"))
	}
	if name == "" {
		name = urlx.FileNameFromURL(req.SourceRef)
	}
	if name == "" {
		name = "download"
	}

	path := tempPath(req.TempDir, name)
	if req.TrackTemp != nil {
		req.TrackTemp(path)
	}

	report := func(pct float64, _ int64) {
		if req.Progress != nil {
			req.Progress(domain.Progress{
				Stage:      domain.StageDownloading,
				Percentage: pct,
				Message:    fmt.Sprintf("Downloading %s", name),
			})
		}
	}
	size, err := saveStream(ctx, resp.Body, path, resp.ContentLength, u.cfg.MaxBytes, report)
	if err != nil {
		_ = tempfiles.Remove(path)
		return domain.FetchResult{}, err
	}
	return domain.FetchResult{LocalPath: path, FileName: name, Size: size}, nil
}

// classifyStatus maps an HTTP status to the error taxonomy. 2xx is nil.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return fmt.Errorf("%w: status %d", domain.ErrSourceNotFound, status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", domain.ErrSourceDenied, status)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", domain.ErrSourceQuota, status)
	default:
		return fmt.Errorf("%w: status %d", domain.ErrSourceUnavailable, status)
	}
}

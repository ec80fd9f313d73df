// Package origin streams finished objects to the storage origin behind
// the CDN.
//
// Uploads are a single PUT assembled as file-reader, progress transform,
// HTTP body. The read buffer is capped so memory stays bounded no matter
// how large the file is.
package origin

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/tangleworks/vidimport/internal/domain"
	"github.com/tangleworks/vidimport/internal/service/progress"
	"github.com/tangleworks/vidimport/pkg/urlx"
)

const maxRedirects = 3

// Config carries the origin endpoint settings.
type Config struct {
	BaseURL   string
	Zone      string
	AccessKey string
	CDNBase   string
	// UploadTimeout bounds one PUT including retries of the body read.
	UploadTimeout time.Duration
	// BufferSize is the per-read cap in bytes; values above 8 KiB are
	// clamped by the caller's config.
	BufferSize int
	// MaxAttempts is the total number of PUT tries.
	MaxAttempts int
	// VerifyTimeout bounds the CDN HEAD probe.
	VerifyTimeout time.Duration
	// RetryInitialWait overrides the first backoff interval; zero keeps
	// the library default.
	RetryInitialWait time.Duration
}

// Client implements domain.Origin.
type Client struct {
	cfg          Config
	httpClient   *http.Client
	verifyClient *http.Client
}

// New constructs a Client with redirect-capped HTTP clients.
func New(cfg Config) *Client {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 8 * 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 10 * time.Second
	}
	transport := otelhttp.NewTransport(http.DefaultTransport)
	redirectCap := func(_ *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return http.ErrUseLastResponse
		}
		return nil
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:       cfg.UploadTimeout,
			Transport:     transport,
			CheckRedirect: redirectCap,
		},
		verifyClient: &http.Client{
			Timeout:       cfg.VerifyTimeout,
			Transport:     transport,
			CheckRedirect: redirectCap,
		},
	}
}

func (c *Client) objectURL(objectName string) string {
	return urlx.NormalizeBase(c.cfg.BaseURL) + "/" + c.cfg.Zone + "/" + objectName
}

// Upload streams the file at localPath to objectName and returns the
// public CDN URL. The progress callback fires at most once per MiB plus
// a final 100%.
func (c *Client) Upload(ctx domain.Context, localPath, objectName string, size int64, cb domain.ByteProgress) (string, error) {
	tracer := otel.Tracer("origin.client")
	ctx, span := tracer.Start(ctx, "origin.Upload")
	defer span.End()

	op := func() error {
		f, err := os.Open(localPath)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: open %s: %v", domain.ErrInternal, localPath, err))
		}
		defer func() { _ = f.Close() }()

		body := &progressReader{
			r:     f,
			limit: c.cfg.BufferSize,
			total: size,
			gate:  progress.NewByteGate(progress.DefaultByteInterval),
			cb:    cb,
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(objectName), body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrInternal, err))
		}
		req.ContentLength = size
		req.Header.Set("AccessKey", c.cfg.AccessKey)
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrOriginNetwork, err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("%w: status %d: %s", domain.ErrOriginAPI, resp.StatusCode, snippet)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	if c.cfg.RetryInitialWait > 0 {
		bo.InitialInterval = c.cfg.RetryInitialWait
	}
	retries := uint64(0)
	if c.cfg.MaxAttempts > 1 {
		retries = uint64(c.cfg.MaxAttempts - 1)
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx)); err != nil {
		return "", fmt.Errorf("op=origin.upload: %w", err)
	}
	if cb != nil {
		cb(size, size)
	}
	return urlx.JoinPublic(c.cfg.CDNBase, objectName), nil
}

// Delete removes an object. A 404 means it is already gone and is not
// an error.
func (c *Client) Delete(ctx domain.Context, objectName string) error {
	tracer := otel.Tracer("origin.client")
	ctx, span := tracer.Start(ctx, "origin.Delete")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(objectName), nil)
	if err != nil {
		return fmt.Errorf("op=origin.delete: %w", err)
	}
	req.Header.Set("AccessKey", c.cfg.AccessKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=origin.delete: %w: %v", domain.ErrOriginNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("op=origin.delete: %w: status %d", domain.ErrOriginAPI, resp.StatusCode)
}

// Exists probes an object with HEAD. 200 and 404 are both valid
// answers; anything else is unknown.
func (c *Client) Exists(ctx domain.Context, objectName string) (domain.Existence, error) {
	tracer := otel.Tracer("origin.client")
	ctx, span := tracer.Start(ctx, "origin.Exists")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.objectURL(objectName), nil)
	if err != nil {
		return domain.ExistsUnknown, fmt.Errorf("op=origin.exists: %w", err)
	}
	req.Header.Set("AccessKey", c.cfg.AccessKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ExistsUnknown, fmt.Errorf("op=origin.exists: %w: %v", domain.ErrOriginNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch resp.StatusCode {
	case http.StatusOK:
		return domain.ExistsYes, nil
	case http.StatusNotFound:
		return domain.ExistsNo, nil
	default:
		return domain.ExistsUnknown, fmt.Errorf("op=origin.exists: %w: status %d", domain.ErrOriginAPI, resp.StatusCode)
	}
}

// VerifyCDN probes the public URL of an object. Callers treat failure
// as advisory.
func (c *Client) VerifyCDN(ctx domain.Context, objectName string) error {
	tracer := otel.Tracer("origin.client")
	ctx, span := tracer.Start(ctx, "origin.VerifyCDN")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, urlx.JoinPublic(c.cfg.CDNBase, objectName), nil)
	if err != nil {
		return fmt.Errorf("op=origin.verify_cdn: %w", err)
	}
	resp, err := c.verifyClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=origin.verify_cdn: %w: %v", domain.ErrOriginNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("op=origin.verify_cdn: %w: status %d", domain.ErrOriginAPI, resp.StatusCode)
	}
	return nil
}

// progressReader caps per-read size and reports throttled byte progress.
type progressReader struct {
	r           io.Reader
	limit       int
	total       int64
	transferred int64
	gate        *progress.ByteGate
	cb          domain.ByteProgress
}

func (p *progressReader) Read(b []byte) (int, error) {
	if len(b) > p.limit {
		b = b[:p.limit]
	}
	n, err := p.r.Read(b)
	if n > 0 {
		p.transferred += int64(n)
		if p.cb != nil && p.gate.Allow(p.transferred, p.total) {
			p.cb(p.transferred, p.total)
		}
	}
	return n, err
}

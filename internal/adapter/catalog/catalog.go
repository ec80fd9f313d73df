// Package catalog wraps the external catalog service's webhook API.
//
// The catalog learns only of terminal outcomes. Every call here is
// fire-and-forget from the pipeline's point of view: callers log errors
// and move on, a webhook failure never changes a job's fate.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/tangleworks/vidimport/internal/domain"
)

// Config carries the catalog endpoint settings.
type Config struct {
	BaseURL string
	// APIKey is the fallback bearer token when the job carries none.
	APIKey  string
	Timeout time.Duration
}

// Client implements domain.Catalog over the webhook HTTP API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New constructs a Client. A zero timeout defaults to 10s.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// CreateVideo registers a brand-new catalog record for an imported job.
func (c *Client) CreateVideo(ctx domain.Context, apiKey string, req domain.CatalogCreate) error {
	return c.post(ctx, "catalog.CreateVideo", http.MethodPost, "/user/videos", apiKey, req)
}

// UpdateSourceLink reports a first-attempt success for an existing record.
func (c *Client) UpdateSourceLink(ctx domain.Context, apiKey, catalogID string, req domain.CatalogSourceLink) error {
	return c.post(ctx, "catalog.UpdateSourceLink", http.MethodPut, "/user/videos/"+catalogID+"/source-link", apiKey, req)
}

// ReportImportSuccess reports a success that needed at least one retry.
func (c *Client) ReportImportSuccess(ctx domain.Context, apiKey, catalogID string, req domain.CatalogSourceLink) error {
	req.IsRetry = true
	return c.post(ctx, "catalog.ReportImportSuccess", http.MethodPost, "/user/videos/"+catalogID+"/import-success", apiKey, req)
}

// ReportImportFailure reports a terminal failure for an existing record.
func (c *Client) ReportImportFailure(ctx domain.Context, apiKey, catalogID string, req domain.CatalogFailure) error {
	return c.post(ctx, "catalog.ReportImportFailure", http.MethodPost, "/user/videos/"+catalogID+"/import-failed", apiKey, req)
}

func (c *Client) post(ctx domain.Context, op, method, path, apiKey string, payload any) error {
	tracer := otel.Tracer("catalog.client")
	ctx, span := tracer.Start(ctx, op)
	defer span.End()

	if c.cfg.BaseURL == "" {
		return fmt.Errorf("op=%s: %w: catalog url not configured", op, domain.ErrInvalidArgument)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	if apiKey == "" {
		apiKey = c.cfg.APIKey
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("op=%s: status %d: %s", op, resp.StatusCode, snippet)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

package fetcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/oauth2"

	"github.com/tangleworks/vidimport/internal/domain"
	"github.com/tangleworks/vidimport/pkg/tempfiles"
	"github.com/tangleworks/vidimport/pkg/urlx"
)

// Share-link shapes: /file/d/<id>, open?id=<id>, uc?id=<id>,
// uc?export=download&id=<id>.
var driveIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/file/d/([A-Za-z0-9_-]{10,})`),
	regexp.MustCompile(`[?&]id=([A-Za-z0-9_-]{10,})`),
}

var (
	confirmTokenRe = regexp.MustCompile(`confirm=([0-9A-Za-z_-]+)`)
	downloadHrefRe = regexp.MustCompile(`href="(/uc\?export=download[^"]+)"`)
)

// DriveConfig tunes the cloud-drive fetcher. Auth mode is chosen in
// priority order: refresh token, API key, unauthenticated.
type DriveConfig struct {
	APIKey       string
	ClientID     string
	ClientSecret string
	RefreshToken string
	MaxBytes     int64
	Timeout      time.Duration
	// APIBase and PublicBase default to the Google endpoints; tests
	// point them at fakes.
	APIBase    string
	PublicBase string
	TokenURL   string
}

// Drive fetches files shared through the cloud drive.
type Drive struct {
	cfg        DriveConfig
	httpClient *http.Client
}

// NewDrive constructs the cloud-drive fetcher.
func NewDrive(cfg DriveConfig) *Drive {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://www.googleapis.com/drive/v3"
	}
	if cfg.PublicBase == "" {
		cfg.PublicBase = "https://drive.google.com"
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = "https://oauth2.googleapis.com/token"
	}
	return &Drive{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// ExtractFileID pulls the file id out of a share URL.
func ExtractFileID(ref string) (string, error) {
	for _, re := range driveIDPatterns {
		if m := re.FindStringSubmatch(ref); m != nil {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("%w: unrecognized drive url %q", domain.ErrSourceInvalid, ref)
}

type driveMeta struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     string `json:"size"`
}

func (m driveMeta) sizeBytes() int64 {
	n, _ := strconv.ParseInt(m.Size, 10, 64)
	return n
}

// Fetch downloads the shared file behind req.SourceRef.
func (d *Drive) Fetch(ctx domain.Context, req domain.FetchRequest) (domain.FetchResult, error) {
	tracer := otel.Tracer("fetcher.drive")
	ctx, span := tracer.Start(ctx, "fetcher.Drive.Fetch")
	defer span.End()

	fileID, err := ExtractFileID(req.SourceRef)
	if err != nil {
		return domain.FetchResult{}, fmt.Errorf("op=fetcher.drive: %w", err)
	}

	switch {
	case d.oauthEnabled():
		return d.fetchAuthed(ctx, req, fileID, d.oauthClient(ctx), "")
	case d.cfg.APIKey != "":
		return d.fetchAuthed(ctx, req, fileID, d.httpClient, d.cfg.APIKey)
	default:
		return d.fetchPublic(ctx, req, fileID)
	}
}

func (d *Drive) oauthEnabled() bool {
	return d.cfg.ClientID != "" && d.cfg.ClientSecret != "" && d.cfg.RefreshToken != ""
}

func (d *Drive) oauthClient(ctx domain.Context) *http.Client {
	conf := &oauth2.Config{
		ClientID:     d.cfg.ClientID,
		ClientSecret: d.cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: d.cfg.TokenURL},
	}
	ts := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: d.cfg.RefreshToken})
	c := oauth2.NewClient(ctx, ts)
	c.Timeout = d.cfg.Timeout
	return c
}

// fetchAuthed covers both the refresh-token and the API-key modes:
// metadata first for name/size/mime gating, then the media stream. In
// refresh-token mode a per-file quota error triggers the copy bypass.
func (d *Drive) fetchAuthed(ctx domain.Context, req domain.FetchRequest, fileID string, client *http.Client, apiKey string) (domain.FetchResult, error) {
	meta, err := d.metadata(ctx, client, fileID, apiKey)
	if err != nil {
		return domain.FetchResult{}, fmt.Errorf("op=fetcher.drive: %w", err)
	}
	if err := d.gate(meta); err != nil {
		return domain.FetchResult{}, fmt.Errorf("op=fetcher.drive: %w", err)
	}

	name := req.FileName
	if name == "" {
		name = meta.Name
	}

	res, err := d.downloadMedia(ctx, req, client, fileID, apiKey, name, meta.sizeBytes())
	if err == nil {
		return res, nil
	}
	// Quota bypass: copy into the authenticated account, download the
	// copy, delete it whatever happens.
	if d.oauthEnabled() && apiKey == "" && isQuota(err) {
		slog.Info("drive quota hit, trying copy bypass", slog.String("file_id", fileID))
		copyID, cerr := d.copyFile(ctx, client, fileID)
		if cerr != nil {
			return domain.FetchResult{}, fmt.Errorf("op=fetcher.drive: %w", err)
		}
		defer func() {
			if derr := d.deleteFile(ctx, client, copyID); derr != nil {
				slog.Warn("drive copy cleanup failed", slog.String("copy_id", copyID), slog.Any("error", derr))
			}
		}()
		res, err = d.downloadMedia(ctx, req, client, copyID, "", name, meta.sizeBytes())
	}
	if err != nil {
		return domain.FetchResult{}, fmt.Errorf("op=fetcher.drive: %w", err)
	}
	return res, nil
}

func isQuota(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "quota")
}

func (d *Drive) metadata(ctx domain.Context, client *http.Client, fileID, apiKey string) (driveMeta, error) {
	u := d.cfg.APIBase + "/files/" + fileID + "?fields=id,name,size,mimeType&supportsAllDrives=true"
	if apiKey != "" {
		u += "&key=" + url.QueryEscape(apiKey)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return driveMeta{}, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return driveMeta{}, ctx.Err()
		}
		return driveMeta{}, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := classifyDriveStatus(resp); err != nil {
		return driveMeta{}, err
	}
	var m driveMeta
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return driveMeta{}, fmt.Errorf("%w: metadata decode: %v", domain.ErrSourceUnavailable, err)
	}
	return m, nil
}

// gate refuses files that are too large or not a video family.
func (d *Drive) gate(meta driveMeta) error {
	if d.cfg.MaxBytes > 0 && meta.sizeBytes() > d.cfg.MaxBytes {
		return fmt.Errorf("%w: declared %d bytes", domain.ErrSizeExceeded, meta.sizeBytes())
	}
	if meta.MimeType != "" && !strings.HasPrefix(meta.MimeType, "video/") {
		return fmt.Errorf("%w: file is not a video (%s)", domain.ErrSourceDenied, meta.MimeType)
	}
	return nil
}

func (d *Drive) downloadMedia(ctx domain.Context, req domain.FetchRequest, client *http.Client, fileID, apiKey, name string, declaredSize int64) (domain.FetchResult, error) {
	u := d.cfg.APIBase + "/files/" + fileID + "?alt=media&supportsAllDrives=true"
	if apiKey != "" {
		u += "&key=" + url.QueryEscape(apiKey)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.FetchResult{}, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return domain.FetchResult{}, ctx.Err()
		}
		return domain.FetchResult{}, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := classifyDriveStatus(resp); err != nil {
		return domain.FetchResult{}, err
	}

	total := resp.ContentLength
	if total <= 0 {
		total = declaredSize
	}
	return d.save(ctx, req, resp.Body, name, total)
}

func (d *Drive) copyFile(ctx domain.Context, client *http.Client, fileID string) (string, error) {
	body := bytes.NewReader([]byte(`{}`))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.APIBase+"/files/"+fileID+"/copy?supportsAllDrives=true", body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := classifyDriveStatus(resp); err != nil {
		return "", err
	}
	var m driveMeta
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return "", fmt.Errorf("%w: copy decode: %v", domain.ErrSourceUnavailable, err)
	}
	return m.ID, nil
}

func (d *Drive) deleteFile(ctx domain.Context, client *http.Client, fileID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, d.cfg.APIBase+"/files/"+fileID+"?supportsAllDrives=true", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// fetchPublic follows the unauthenticated share flow, scraping the
// "confirm large file" interstitial when it appears. Metadata is not
// available here, so the video check sniffs the downloaded bytes.
func (d *Drive) fetchPublic(ctx domain.Context, req domain.FetchRequest, fileID string) (domain.FetchResult, error) {
	jar, _ := cookiejar.New(nil)
	client := &http.Client{Timeout: d.cfg.Timeout, Jar: jar, Transport: d.httpClient.Transport}

	target := d.cfg.PublicBase + "/uc?export=download&id=" + url.QueryEscape(fileID)
	for hop := 0; hop < 2; hop++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return domain.FetchResult{}, fmt.Errorf("op=fetcher.drive: %w: %v", domain.ErrInternal, err)
		}
		httpReq.Header.Set("User-Agent", browserUA)
		resp, err := client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return domain.FetchResult{}, ctx.Err()
			}
			return domain.FetchResult{}, fmt.Errorf("op=fetcher.drive: %w: %v", domain.ErrSourceUnavailable, err)
		}
		if err := classifyDriveStatus(resp); err != nil {
			_ = resp.Body.Close()
			return domain.FetchResult{}, fmt.Errorf("op=fetcher.drive: %w", err)
		}

		if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
			page, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			_ = resp.Body.Close()
			next := confirmTarget(d.cfg.PublicBase, fileID, string(page))
			if next == "" || hop == 1 {
				return domain.FetchResult{}, fmt.Errorf("op=fetcher.drive: %w: no download link on interstitial", domain.ErrSourceDenied)
			}
			target = next
			continue
		}

		name := req.FileName
		if name == "" {
			name = nameFromDisposition(resp.Header.Get("Content-Disposition"), fileID)
		}
		res, err := d.save(ctx, req, resp.Body, name, resp.ContentLength)
		_ = resp.Body.Close()
		if err != nil {
			return domain.FetchResult{}, fmt.Errorf("op=fetcher.drive: %w", err)
		}
		// No metadata in public mode: sniff the payload instead.
		if mt, merr := mimetype.DetectFile(res.LocalPath); merr == nil && !strings.HasPrefix(mt.String(), "video/") {
			_ = tempfiles.Remove(res.LocalPath)
			return domain.FetchResult{}, fmt.Errorf("op=fetcher.drive: %w: file is not a video (%s)", domain.ErrSourceDenied, mt.String())
		}
		return res, nil
	}
	return domain.FetchResult{}, fmt.Errorf("op=fetcher.drive: %w", domain.ErrSourceUnavailable)
}

// confirmTarget extracts the second-hop URL from an interstitial page:
// either a confirm token or an alternate download href.
func confirmTarget(base, fileID, page string) string {
	if m := confirmTokenRe.FindStringSubmatch(page); m != nil {
		return base + "/uc?export=download&confirm=" + m[1] + "&id=" + url.QueryEscape(fileID)
	}
	if m := downloadHrefRe.FindStringSubmatch(page); m != nil {
		return base + strings.ReplaceAll(m[1], "&amp;", "&")
	}
	return ""
}

func nameFromDisposition(header, fallback string) string {
	if n := urlx.FileNameFromDisposition(header); n != "" {
		return n
	}
	return fallback + ".mp4"
}

func (d *Drive) save(ctx domain.Context, req domain.FetchRequest, body io.Reader, name string, total int64) (domain.FetchResult, error) {
	if d.cfg.MaxBytes > 0 && total > d.cfg.MaxBytes {
		return domain.FetchResult{}, fmt.Errorf("%w: declared %d bytes", domain.ErrSizeExceeded, total)
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
				Message:    fmt.Sprintf("Downloading %s from drive", name),
			})
		}
	}
	size, err := saveStream(ctx, body, path, total, d.cfg.MaxBytes, report)
	if err != nil {
		_ = tempfiles.Remove(path)
		return domain.FetchResult{}, err
	}
	return domain.FetchResult{LocalPath: path, FileName: name, Size: size}, nil
}

// classifyDriveStatus normalizes drive API failures: 403 is
// access-denied unless the body mentions quota, 404 is not-found.
func classifyDriveStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	text := strings.ToLower(string(snippet))
	switch {
	case resp.StatusCode == http.StatusForbidden && strings.Contains(text, "quota"):
		return fmt.Errorf("%w: %s", domain.ErrSourceQuota, snippet)
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: status %d", domain.ErrSourceDenied, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: status %d", domain.ErrSourceNotFound, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", domain.ErrSourceQuota, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", domain.ErrSourceUnavailable, resp.StatusCode)
	}
}

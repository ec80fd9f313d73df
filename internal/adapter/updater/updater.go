// Package updater keeps the external downloader binary fresh.
//
// Before a platform download the fetcher asks EnsureFresh to consult the
// admin control plane. When auto-update is on and the configured
// frequency has elapsed, the wanted version is resolved upstream (stable
// follows release tags, nightly the tracked branch head) and the binary
// updates itself. Every failure is logged and swallowed: downloads
// always proceed with the current binary.
package updater

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/tangleworks/vidimport/internal/adapter/fetcher"
	"github.com/tangleworks/vidimport/internal/domain"
)

const (
	upstreamOwner       = "yt-dlp"
	upstreamRepo        = "yt-dlp"
	upstreamNightlyRepo = "yt-dlp-nightly-builds"
	trackedBranch       = "master"
)

// Settings is the control plane's update policy record.
type Settings struct {
	Channel         string    `json:"channel"`
	AutoUpdate      bool      `json:"autoUpdate"`
	UpdateFrequency int64     `json:"updateFrequency"` // milliseconds
	CurrentVersion  string    `json:"currentVersion"`
	LastChecked     time.Time `json:"lastChecked"`
}

// Config carries the updater endpoints and defaults.
type Config struct {
	AdminURL       string
	InternalSecret string
	// Defaults used when the control plane has no settings record.
	Channel         string
	AutoUpdate      bool
	UpdateFrequency time.Duration
}

// Updater implements domain.BinaryUpdater.
type Updater struct {
	cfg        Config
	runner     fetcher.Runner
	httpClient *http.Client
	gh         *github.Client

	mu          sync.Mutex
	lastAttempt time.Time
}

// New constructs an Updater. ghClient may be nil, in which case an
// unauthenticated client is used.
func New(cfg Config, runner fetcher.Runner, ghClient *github.Client) *Updater {
	if cfg.UpdateFrequency <= 0 {
		cfg.UpdateFrequency = 24 * time.Hour
	}
	if ghClient == nil {
		ghClient = github.NewClient(nil)
	}
	return &Updater{
		cfg:        cfg,
		runner:     runner,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		gh:         ghClient,
	}
}

// EnsureFresh runs one update cycle if policy and frequency allow it.
func (u *Updater) EnsureFresh(ctx domain.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	settings := u.loadSettings(ctx)
	if !settings.AutoUpdate {
		return nil
	}
	freq := time.Duration(settings.UpdateFrequency) * time.Millisecond
	if freq <= 0 {
		freq = u.cfg.UpdateFrequency
	}
	since := time.Since(settings.LastChecked)
	if localSince := time.Since(u.lastAttempt); localSince < since {
		since = localSince
	}
	if since < freq {
		return nil
	}
	u.lastAttempt = time.Now()

	wanted, err := u.resolveWanted(ctx, settings.Channel)
	if err != nil {
		return fmt.Errorf("op=updater.ensure_fresh: %w", err)
	}
	if wanted == settings.CurrentVersion && wanted != "" {
		u.storeSettings(ctx, Settings{
			Channel:         settings.Channel,
			AutoUpdate:      settings.AutoUpdate,
			UpdateFrequency: settings.UpdateFrequency,
			CurrentVersion:  settings.CurrentVersion,
			LastChecked:     time.Now().UTC(),
		})
		return nil
	}

	slog.Info("updating downloader binary",
		slog.String("channel", settings.Channel),
		slog.String("from", settings.CurrentVersion),
		slog.String("to", wanted))
	if err := u.runner.Run(ctx, 2*time.Minute, []string{"--update-to", wanted}, func(line string) {
		slog.Debug("downloader self-update", slog.String("line", line))
	}); err != nil {
		return fmt.Errorf("op=updater.ensure_fresh: self-update: %w", err)
	}

	u.storeSettings(ctx, Settings{
		Channel:         settings.Channel,
		AutoUpdate:      settings.AutoUpdate,
		UpdateFrequency: settings.UpdateFrequency,
		CurrentVersion:  wanted,
		LastChecked:     time.Now().UTC(),
	})
	return nil
}

// resolveWanted maps the channel to a concrete version: stable follows
// the newest release tag, nightly the latest commit on the tracked
// branch of the nightly repository.
func (u *Updater) resolveWanted(ctx context.Context, channel string) (string, error) {
	switch strings.ToLower(channel) {
	case "", "stable":
		rel, _, err := u.gh.Repositories.GetLatestRelease(ctx, upstreamOwner, upstreamRepo)
		if err != nil {
			return "", fmt.Errorf("latest release: %w", err)
		}
		return "stable@" + rel.GetTagName(), nil
	case "nightly":
		br, _, err := u.gh.Repositories.GetBranch(ctx, upstreamOwner, upstreamNightlyRepo, trackedBranch, 1)
		if err != nil {
			return "", fmt.Errorf("branch head: %w", err)
		}
		return "nightly@" + br.GetCommit().GetSHA(), nil
	default:
		return "", fmt.Errorf("%w: unknown channel %q", domain.ErrInvalidArgument, channel)
	}
}

// loadSettings reads the control plane record, falling back to the
// configured defaults when the admin API has none.
func (u *Updater) loadSettings(ctx domain.Context) Settings {
	fallback := Settings{
		Channel:         u.cfg.Channel,
		AutoUpdate:      u.cfg.AutoUpdate,
		UpdateFrequency: u.cfg.UpdateFrequency.Milliseconds(),
	}
	if u.cfg.AdminURL == "" {
		return fallback
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(u.cfg.AdminURL, "/")+"/api/settings", nil)
	if err != nil {
		return fallback
	}
	req.Header.Set("x-internal-secret", u.cfg.InternalSecret)
	resp, err := u.httpClient.Do(req)
	if err != nil {
		slog.Warn("updater settings fetch failed", slog.Any("error", err))
		return fallback
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fallback
	}
	var s Settings
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		slog.Warn("updater settings decode failed", slog.Any("error", err))
		return fallback
	}
	if s.Channel == "" {
		s.Channel = fallback.Channel
	}
	return s
}

// storeSettings writes the record back; failures only cost the next
// cycle an extra check.
func (u *Updater) storeSettings(ctx domain.Context, s Settings) {
	if u.cfg.AdminURL == "" {
		return
	}
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, strings.TrimRight(u.cfg.AdminURL, "/")+"/api/settings", bytes.NewReader(b))
	if err != nil {
		return
	}
	req.Header.Set("x-internal-secret", u.cfg.InternalSecret)
	req.Header.Set("Content-Type", "application/json")
	resp, err := u.httpClient.Do(req)
	if err != nil {
		slog.Warn("updater settings store failed", slog.Any("error", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
}

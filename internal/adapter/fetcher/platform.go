package fetcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tangleworks/vidimport/internal/domain"
	"github.com/tangleworks/vidimport/pkg/tempfiles"
)

// MinVideoBytes is the smallest file the platform fetcher accepts; a
// smaller result is a failed download regardless of the exit code.
const MinVideoBytes int64 = 5 << 20

// formatSelector caps height, prefers higher bitrate and excludes HDR
// and experimental codecs from the muxed pick.
const formatSelector = "bestvideo[height<=1080][dynamic_range!=HDR][vcodec!*=av01]+bestaudio/best[height<=1080]"

var (
	childPctRe   = regexp.MustCompile(`(\d+\.\d+)%`)
	resolutionRe = regexp.MustCompile(`\b(\d{3,4})x(\d{3,4})\b`)
	fpsRe        = regexp.MustCompile(`\b(\d{2,3})fps\b`)
	codecTokens  = []string{"vp09", "avc1", "av01", "opus", "mp4a", "aac"}
)

// Runner executes the external downloader binary with line-buffered
// output. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, args []string, onLine func(string)) error
}

// ExecRunner runs the real binary. The child gets SIGTERM on cancel and
// SIGKILL after a short grace.
type ExecRunner struct {
	Binary string
}

// Run spawns the binary and feeds merged stdout/stderr line by line
// into onLine.
func (r ExecRunner) Run(ctx context.Context, timeout time.Duration, args []string, onLine func(string)) error {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.Binary, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 10 * time.Second

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return fmt.Errorf("op=fetcher.runner: %w", err)
	}

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			onLine(sc.Text())
		}
	}()

	err := cmd.Wait()
	_ = pw.Close()
	<-scanDone

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return fmt.Errorf("%w: after %s", domain.ErrChildTimeout, timeout)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// PlatformConfig tunes the platform-id fetcher.
type PlatformConfig struct {
	MaxBytes        int64
	DownloadTimeout time.Duration
	ProbeTimeout    time.Duration
}

// Platform downloads by platform id through the external downloader
// binary, rotating egress identities when the source throttles.
type Platform struct {
	cfg     PlatformConfig
	runner  Runner
	pool    domain.EgressPool
	updater domain.BinaryUpdater
}

// NewPlatform constructs the platform fetcher. updater may be nil.
func NewPlatform(cfg PlatformConfig, runner Runner, pool domain.EgressPool, updater domain.BinaryUpdater) *Platform {
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 30 * time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &Platform{cfg: cfg, runner: runner, pool: pool, updater: updater}
}

// Fetch downloads req.SourceRef through the first healthy egress
// identity. Every identity try is recorded as one EgressAttempt.
func (p *Platform) Fetch(ctx domain.Context, req domain.FetchRequest) (domain.FetchResult, error) {
	tracer := otel.Tracer("fetcher.platform")
	ctx, span := tracer.Start(ctx, "fetcher.Platform.Fetch")
	defer span.End()

	if p.updater != nil {
		if err := p.updater.EnsureFresh(ctx); err != nil {
			slog.Warn("downloader update hook failed, using current binary", slog.Any("error", err))
		}
	}

	quality := p.probe(ctx, req.SourceRef)

	identities := p.pool.Identities(ctx)
	if len(identities) == 0 {
		identities = []domain.EgressIdentity{{ID: "hardcoded-direct"}}
	}
	span.SetAttributes(attribute.Int("egress.identities", len(identities)))

	var attempts []domain.EgressAttempt
	var lastErr error
	for i, ident := range identities {
		if err := ctx.Err(); err != nil {
			return domain.FetchResult{}, err
		}
		attempt := domain.EgressAttempt{
			IdentityURL:   ident.URL,
			AttemptNumber: i + 1,
			StartedAt:     time.Now().UTC(),
		}

		res, err := p.tryIdentity(ctx, req, ident, i, len(identities), quality)

		ended := time.Now().UTC()
		attempt.EndedAt = &ended
		attempt.ResponseMS = ended.Sub(attempt.StartedAt).Milliseconds()
		attempt.Succeeded = err == nil
		if err != nil {
			attempt.Error = err.Error()
		}
		attempts = append(attempts, attempt)
		if req.EgressLog != nil {
			req.EgressLog(attempts)
		}
		p.pool.ReportResult(ctx, ident, err == nil, attempt.ResponseMS)

		if err == nil {
			res.Egress = attempts
			res.Quality = quality
			return res, nil
		}
		if errors.Is(err, domain.ErrSizeExceeded) || ctx.Err() != nil {
			return domain.FetchResult{}, fmt.Errorf("op=fetcher.platform: %w", err)
		}
		slog.Warn("egress identity failed",
			slog.String("identity", ident.ID),
			slog.Int("attempt", i+1),
			slog.Any("error", err))
		lastErr = err
	}
	return domain.FetchResult{}, fmt.Errorf("op=fetcher.platform: %w: last: %v", domain.ErrEgressExhausted, lastErr)
}

// probe asks the binary which format it would pick. Best-effort: a
// probe failure only costs the selected-quality metadata.
func (p *Platform) probe(ctx domain.Context, ref string) *domain.SelectedQuality {
	args := []string{
		"--no-playlist", "--no-warnings",
		"-f", formatSelector,
		"--print", "%(format_id)s|%(resolution)s|%(fps)s|%(vcodec)s|%(acodec)s|%(format_note)s",
		"--simulate",
		ref,
	}
	var line string
	err := p.runner.Run(ctx, p.cfg.ProbeTimeout, args, func(l string) {
		if line == "" && strings.Count(l, "|") == 5 {
			line = l
		}
	})
	if err != nil || line == "" {
		slog.Debug("format pre-probe failed", slog.Any("error", err))
		return &domain.SelectedQuality{}
	}
	return parseProbeLine(line)
}

// parseProbeLine decodes `format_id|resolution|fps|vcodec|acodec|note`.
func parseProbeLine(line string) *domain.SelectedQuality {
	parts := strings.Split(line, "|")
	q := &domain.SelectedQuality{}
	clean := func(s string) string {
		s = strings.TrimSpace(s)
		if s == "NA" || s == "none" {
			return ""
		}
		return s
	}
	q.FormatID = clean(parts[0])
	q.Resolution = normalizeResolution(clean(parts[1]))
	if f := clean(parts[2]); f != "" {
		if n, err := strconv.ParseFloat(f, 64); err == nil {
			q.FPS = int(n)
		}
	}
	q.VideoCodec = clean(parts[3])
	q.AudioCodec = clean(parts[4])
	q.Note = clean(parts[5])
	return q
}

// normalizeResolution turns "1920x1080" into "1080p"; everything else
// passes through.
func normalizeResolution(r string) string {
	if m := resolutionRe.FindStringSubmatch(r); m != nil {
		return m[2] + "p"
	}
	return r
}

func (p *Platform) tryIdentity(ctx domain.Context, req domain.FetchRequest, ident domain.EgressIdentity, idx, total int, quality *domain.SelectedQuality) (domain.FetchResult, error) {
	prefix := tempPath(req.TempDir, "")
	if req.TrackTemp != nil {
		// The child names its own output; track the nonce prefix so
		// cleanup catches the file and every fragment.
		req.TrackTemp(prefix)
	}

	args := []string{
		"--no-playlist", "--no-warnings", "--newline",
		"-f", formatSelector,
		"-o", prefix + "%(title)s.%(ext)s",
	}
	if ident.URL != "" {
		args = append(args, "--proxy", ident.URL)
	}
	args = append(args, req.SourceRef)

	base := 10 + float64(idx)/float64(total)*15
	var tail []string
	onLine := func(line string) {
		if len(tail) >= 20 {
			tail = tail[1:]
		}
		tail = append(tail, line)
		harvestQuality(quality, line)
		if m := childPctRe.FindStringSubmatch(line); m != nil {
			pct, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				return
			}
			overall := base + pct*0.75
			if overall > 89 {
				overall = 89
			}
			if req.Progress != nil {
				req.Progress(domain.Progress{
					Stage:      domain.StageDownloading,
					Percentage: overall,
					Message:    fmt.Sprintf("Downloading via identity %d/%d", idx+1, total),
					Quality:    quality,
				})
			}
		}
	}

	runErr := p.runner.Run(ctx, p.cfg.DownloadTimeout, args, onLine)
	if runErr != nil {
		_ = tempfiles.Remove(prefix)
		if errors.Is(runErr, domain.ErrChildTimeout) || ctx.Err() != nil {
			return domain.FetchResult{}, runErr
		}
		return domain.FetchResult{}, fmt.Errorf("%w: %v", domain.ClassifyChildOutput(strings.Join(tail, "\n")), runErr)
	}

	finished, err := tempfiles.Finished(prefix)
	if err != nil || len(finished) == 0 {
		_ = tempfiles.Remove(prefix)
		return domain.FetchResult{}, fmt.Errorf("%w: downloader produced no output file", domain.ErrSourceUnavailable)
	}
	path := finished[0]
	fi, err := os.Stat(path)
	if err != nil {
		_ = tempfiles.Remove(prefix)
		return domain.FetchResult{}, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	if fi.Size() < MinVideoBytes {
		_ = tempfiles.Remove(prefix)
		return domain.FetchResult{}, fmt.Errorf("%w: output only %d bytes", domain.ErrSourceUnavailable, fi.Size())
	}
	if p.cfg.MaxBytes > 0 && fi.Size() > p.cfg.MaxBytes {
		_ = tempfiles.Remove(prefix)
		return domain.FetchResult{}, fmt.Errorf("%w: output %d bytes", domain.ErrSizeExceeded, fi.Size())
	}

	name := req.FileName
	if name == "" {
		name = strings.TrimPrefix(path, prefix)
	}
	return domain.FetchResult{LocalPath: path, FileName: name, Size: fi.Size()}, nil
}

// harvestQuality fills probe gaps from resolution, fps and codec tokens
// seen in child output. Probe values always win.
func harvestQuality(q *domain.SelectedQuality, line string) {
	if q == nil {
		return
	}
	obs := domain.SelectedQuality{}
	if m := resolutionRe.FindStringSubmatch(line); m != nil {
		obs.Resolution = m[2] + "p"
	}
	if m := fpsRe.FindStringSubmatch(line); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			obs.FPS = n
		}
	}
	for _, tok := range codecTokens {
		if !strings.Contains(line, tok) {
			continue
		}
		switch tok {
		case "opus", "mp4a", "aac":
			obs.AudioCodec = tok
		default:
			obs.VideoCodec = tok
		}
	}
	q.Merge(obs)
}

// Package fetcher implements the four source-fetch strategies behind a
// uniform contract: direct URL, cloud drive, platform id via the
// external downloader binary, and local passthrough.
//
// Every fetcher writes into the process-wide temp directory under a
// nonce-prefixed name so concurrent workers never collide, and registers
// the path with the recovery mirror before the first byte lands.
package fetcher

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/tangleworks/vidimport/internal/domain"
	"github.com/tangleworks/vidimport/internal/service/progress"
	"github.com/tangleworks/vidimport/pkg/urlx"
)

// browserUA is sent on direct downloads; several sources refuse
// obviously non-browser agents.
const browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// Set maps each source kind to its fetcher.
type Set map[domain.SourceKind]domain.Fetcher

// For picks the fetcher for a kind.
func (s Set) For(kind domain.SourceKind) (domain.Fetcher, error) {
	f, ok := s[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported source kind %q", domain.ErrSourceInvalid, kind)
	}
	return f, nil
}

// nonce returns the 8-char collision-avoidance prefix for temp and
// object names.
func nonce() string { return uuid.NewString()[:8] }

// tempPath builds a nonce-prefixed path for name under dir.
func tempPath(dir, name string) string {
	return filepath.Join(dir, nonce()+"-"+urlx.SanitizeFileName(name))
}

// saveStream copies r into path with the 0.1% download progress
// granularity and the global size cap enforced mid-stream. The partial
// file is removed on any error.
func saveStream(ctx domain.Context, r io.Reader, path string, total, maxBytes int64, report func(pct float64, written int64)) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}

	gate := progress.NewPercentGate(progress.DefaultPercentStep)
	var written int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return 0, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if maxBytes > 0 && written+int64(n) > maxBytes {
				_ = f.Close()
				_ = os.Remove(path)
				return 0, fmt.Errorf("%w: stream passed %d bytes", domain.ErrSizeExceeded, maxBytes)
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return 0, fmt.Errorf("%w: %v", domain.ErrInternal, werr)
			}
			written += int64(n)
			if report != nil && total > 0 {
				pct := float64(written) / float64(total) * 100
				if gate.Allow(pct) {
					report(pct, written)
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = f.Close()
			_ = os.Remove(path)
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, rerr)
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return 0, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	if report != nil {
		report(100, written)
	}
	return written, nil
}

// Package config defines retry and timeout derivations.
package config

import (
	"time"

	"github.com/tangleworks/vidimport/internal/domain"
)

// Fixed pipeline timeouts that are not env-tunable.
const (
	// ChildDownloadTimeout is the hard ceiling for one downloader child run.
	ChildDownloadTimeout = 30 * time.Minute
	// ProbeTimeout bounds the pre-probe child invocation.
	ProbeTimeout = 5 * time.Second
	// CDNVerifyTimeout bounds the post-upload CDN probe.
	CDNVerifyTimeout = 10 * time.Second
	// CatalogTimeout bounds each catalog webhook call.
	CatalogTimeout = 10 * time.Second
)

// RetryPolicy returns the backoff policy between job attempts.
// In test environments delays shrink so suites run fast.
func (c Config) RetryPolicy() domain.RetryPolicy {
	if c.IsTest() {
		return domain.RetryPolicy{
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     300 * time.Millisecond,
			Multiplier:   2.0,
		}
	}
	return domain.RetryPolicy{
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Multiplier:   c.RetryMultiplier,
	}
}

// JobTimeout is the lease/lock duration for one attempt.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutMS) * time.Millisecond
}

// DownloadTimeout bounds a single HTTP download request.
func (c Config) DownloadTimeout() time.Duration {
	return time.Duration(c.DownloadTimeoutMS) * time.Millisecond
}

// UploadTimeout is twice the download timeout; uploads traverse the
// slower leg of most links.
func (c Config) UploadTimeout() time.Duration { return 2 * c.DownloadTimeout() }

// MaxFileBytes is the global size cap in bytes.
func (c Config) MaxFileBytes() int64 { return c.MaxFileSizeMB * 1024 * 1024 }

// StreamBufferBytes is the upload read-buffer size, capped at 8 KiB so
// RAM stays bounded regardless of file size.
func (c Config) StreamBufferBytes() int {
	b := c.StreamBufferKB * 1024
	if b <= 0 || b > 8*1024 {
		return 8 * 1024
	}
	return b
}

// HeapLimitBytes is the watchdog's reference heap size.
func (c Config) HeapLimitBytes() uint64 { return uint64(c.MaxHeapMB) * 1024 * 1024 }

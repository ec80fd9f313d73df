// Package domain defines the entities, ports and error taxonomy of the
// import pipeline.
package domain

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Error taxonomy (sentinels). Call sites wrap these with detail via
// fmt.Errorf("%w: ...", ErrX); classification walks the chain.
var (
	ErrSourceInvalid     = errors.New("invalid source")
	ErrSourceDenied      = errors.New("source access denied")
	ErrSourceNotFound    = errors.New("source not found")
	ErrSourceQuota       = errors.New("source quota exceeded")
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrEgressExhausted   = errors.New("all egress identities failed")
	ErrSizeExceeded      = errors.New("file size exceeds limit")
	ErrOriginAPI         = errors.New("origin api error")
	ErrOriginNetwork     = errors.New("origin network error")
	ErrChildTimeout      = errors.New("downloader timed out")
	ErrManualKill        = errors.New("manually killed")
	ErrPermanent         = errors.New("permanent failure")

	// Store-level sentinels.
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInternal        = errors.New("internal error")
)

// KindOf maps an error chain to its taxonomy kind identifier, used for
// metrics labels and catalog failure payloads.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSourceInvalid):
		return "source-invalid"
	case errors.Is(err, ErrSourceDenied):
		return "source-denied"
	case errors.Is(err, ErrSourceNotFound):
		return "source-not-found"
	case errors.Is(err, ErrSourceQuota):
		return "source-quota"
	case errors.Is(err, ErrSourceUnavailable):
		return "source-unavailable"
	case errors.Is(err, ErrEgressExhausted):
		return "egress-exhausted"
	case errors.Is(err, ErrSizeExceeded):
		return "size-exceeded"
	case errors.Is(err, ErrOriginAPI):
		return "origin-api-error"
	case errors.Is(err, ErrOriginNetwork):
		return "origin-network-error"
	case errors.Is(err, ErrChildTimeout):
		return "child-timeout"
	case errors.Is(err, ErrManualKill):
		return "manual-kill"
	case errors.Is(err, ErrPermanent):
		return "permanent-failure"
	default:
		return "unknown"
	}
}

// Retryable reports whether an error chain should re-arm the job after
// backoff. Unknown errors default to retryable so transient conditions
// that were never classified still get their attempts.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrSourceInvalid),
		errors.Is(err, ErrSourceDenied),
		errors.Is(err, ErrSourceNotFound),
		errors.Is(err, ErrSizeExceeded),
		errors.Is(err, ErrManualKill),
		errors.Is(err, ErrPermanent),
		errors.Is(err, ErrInvalidArgument):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Non-retryable substrings observed in downloader child output. Free-form
// text classification applies only there; everything in-process carries a
// sentinel.
var permanentSubstrings = []string{
	"file not found",
	"file is not a video",
	"access denied",
	"unauthorized",
	"private video",
	"video unavailable",
}

// ClassifyChildOutput maps downloader stderr/stdout text to a taxonomy
// sentinel. Unknown text is treated as a transient source failure.
func ClassifyChildOutput(text string) error {
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "file not found"), strings.Contains(t, "does not exist"):
		return ErrSourceNotFound
	case strings.Contains(t, "invalid") && strings.Contains(t, "url"):
		return ErrSourceInvalid
	case strings.Contains(t, "quota"), strings.Contains(t, "too many requests"), strings.Contains(t, "rate limit"):
		return ErrSourceQuota
	default:
		for _, s := range permanentSubstrings {
			if strings.Contains(t, s) {
				return ErrPermanent
			}
		}
		return ErrSourceUnavailable
	}
}

// RetryPolicy defines the re-arm delay for retryable failures.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy matches the queue defaults: 5s base doubling per
// attempt, capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{InitialDelay: 5 * time.Second, MaxDelay: 30 * time.Second, Multiplier: 2.0}
}

// Delay returns the backoff before retry number n (1-based): the first
// retry waits InitialDelay, each further retry multiplies, capped at
// MaxDelay.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.InitialDelay)
	for i := 1; i < n; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

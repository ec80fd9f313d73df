package domain

import (
	"context"
	"time"
)

// SourceKind selects the fetch strategy for a job.
type SourceKind string

const (
	SourceURL      SourceKind = "url"
	SourceDrive    SourceKind = "drive"
	SourcePlatform SourceKind = "platform"
	SourceLocal    SourceKind = "local"
)

// ValidSourceKind reports whether k is one of the four supported kinds.
func ValidSourceKind(k SourceKind) bool {
	switch k {
	case SourceURL, SourceDrive, SourcePlatform, SourceLocal:
		return true
	}
	return false
}

type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobDelayed   JobStatus = "delayed"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether s is a final state.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

// JobSpec is the immutable input of one import submission.
// RequestID doubles as the job id so resubmissions are idempotent.
type JobSpec struct {
	RequestID   string     `json:"request_id" validate:"required"`
	SourceKind  SourceKind `json:"source_kind" validate:"required,oneof=url drive platform local"`
	SourceRef   string     `json:"source_ref" validate:"required"`
	FileName    string     `json:"file_name,omitempty"`
	CatalogID   string     `json:"catalog_id,omitempty"`
	APIKey      string     `json:"api_key,omitempty"`
	MaxAttempts int        `json:"max_attempts,omitempty"`
}

type ProgressStage string

const (
	StageDownloading ProgressStage = "downloading"
	StageUploading   ProgressStage = "uploading"
	StageCleanup     ProgressStage = "cleanup"
)

// Progress is a snapshot of how far one attempt has come.
// Percentage is non-decreasing within an attempt and resets on retry.
type Progress struct {
	Stage          ProgressStage    `json:"stage"`
	Percentage     float64          `json:"percentage"`
	Message        string           `json:"message,omitempty"`
	EgressAttempts []EgressAttempt  `json:"egress_attempts,omitempty"`
	Quality        *SelectedQuality `json:"selected_quality,omitempty"`
}

// EgressAttempt records one try through an egress identity.
type EgressAttempt struct {
	IdentityURL   string     `json:"identity_url"`
	AttemptNumber int        `json:"attempt_number"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Succeeded     bool       `json:"succeeded"`
	ResponseMS    int64      `json:"response_ms,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// SelectedQuality describes the format the platform downloader picked.
// The pre-probe line is authoritative; stdout observations only fill
// fields the probe left empty.
type SelectedQuality struct {
	FormatID   string `json:"format_id,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	FPS        int    `json:"fps,omitempty"`
	VideoCodec string `json:"vcodec,omitempty"`
	AudioCodec string `json:"acodec,omitempty"`
	Note       string `json:"note,omitempty"`
}

// Merge fills empty fields of q from o without overwriting probe values.
func (q *SelectedQuality) Merge(o SelectedQuality) {
	if q.FormatID == "" {
		q.FormatID = o.FormatID
	}
	if q.Resolution == "" {
		q.Resolution = o.Resolution
	}
	if q.FPS == 0 {
		q.FPS = o.FPS
	}
	if q.VideoCodec == "" {
		q.VideoCodec = o.VideoCodec
	}
	if q.AudioCodec == "" {
		q.AudioCodec = o.AudioCodec
	}
	if q.Note == "" {
		q.Note = o.Note
	}
}

// ImportResult is the return value of a completed job.
type ImportResult struct {
	CDNURL         string          `json:"cdn_url"`
	FileName       string          `json:"file_name"`
	Size           int64           `json:"size"`
	AttemptsMade   int             `json:"attempts_made"`
	EgressAttempts []EgressAttempt `json:"egress_attempts,omitempty"`
}

// Job is one import with its mutable server state.
// ReturnValue and FailureReason are mutually exclusive and only set in
// terminal states.
type Job struct {
	ID            string        `json:"id"`
	SourceKind    SourceKind    `json:"source_kind"`
	SourceRef     string        `json:"source_ref"`
	FileName      string        `json:"file_name,omitempty"`
	CatalogID     string        `json:"catalog_id,omitempty"`
	APIKey        string        `json:"-"`
	Status        JobStatus     `json:"status"`
	AttemptsMade  int           `json:"attempts_made"`
	MaxAttempts   int           `json:"max_attempts"`
	Progress      Progress      `json:"progress"`
	ReturnValue   *ImportResult `json:"return_value,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
}

// Spec reconstructs the immutable inputs of j.
func (j Job) Spec() JobSpec {
	return JobSpec{
		RequestID:   j.ID,
		SourceKind:  j.SourceKind,
		SourceRef:   j.SourceRef,
		FileName:    j.FileName,
		CatalogID:   j.CatalogID,
		APIKey:      j.APIKey,
		MaxAttempts: j.MaxAttempts,
	}
}

// JobCounts holds per-status queue depths.
type JobCounts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Delayed   int `json:"delayed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// ListFilter narrows and pages a job listing. Zero Statuses means all.
// Listing is newest-first by enqueue time.
type ListFilter struct {
	Statuses []JobStatus
	Page     int
	Limit    int
}

// RecoveryState mirrors one active job out-of-band so a crashed process
// can be cleaned up after. Expires after an hour without a heartbeat.
type RecoveryState struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Spec      JobSpec   `json:"spec"`
	Progress  Progress  `json:"progress"`
	TempFiles []string  `json:"temp_files,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// Corrupt marks a record that failed to decode; the sweep removes
	// these unconditionally. Never persisted.
	Corrupt bool `json:"-"`
}

// Recovery mirror statuses beyond the queue's own. A job marked stalled
// at shutdown is re-inspected by the next startup sweep.
const (
	RecoveryActive  = "active"
	RecoveryStalled = "stalled"
	RecoveryFailed  = "failed"
)

// EgressIdentity is one outbound proxy the platform fetcher can route
// through. Identities with an id prefixed "hardcoded-" are local
// fallbacks and never reported on.
type EgressIdentity struct {
	ID          string  `json:"id"`
	URL         string  `json:"url"`
	Priority    int     `json:"priority"`
	SuccessRate float64 `json:"successRate"`
}

// Fallback reports whether the identity is a local fallback entry.
func (e EgressIdentity) Fallback() bool {
	return len(e.ID) >= 10 && e.ID[:10] == "hardcoded-"
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context

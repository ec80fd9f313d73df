package domain

import "time"

// ProgressFn receives progress snapshots for one job. Implementations
// must not block; throttling happens on the producer side.
type ProgressFn func(Progress)

// EgressLogFn receives the egress attempt trail as it grows. The slice
// holds every attempt of the current pipeline attempt in order.
type EgressLogFn func([]EgressAttempt)

// FetchRequest is the uniform input of every source fetcher.
type FetchRequest struct {
	JobID     string
	SourceRef string
	FileName  string
	TempDir   string
	Progress  ProgressFn
	EgressLog EgressLogFn
	// TrackTemp registers a temp path with the recovery mirror before
	// any byte is written to it.
	TrackTemp func(path string)
}

// FetchResult is the uniform output: a fully downloaded local file.
type FetchResult struct {
	LocalPath string
	FileName  string
	Size      int64
	Quality   *SelectedQuality
	Egress    []EgressAttempt
}

// Fetcher turns a source reference into a local file.
type Fetcher interface {
	Fetch(ctx Context, req FetchRequest) (FetchResult, error)
}

// ByteProgress reports transferred bytes against a total. total may be
// zero when unknown.
type ByteProgress func(transferred, total int64)

// Existence is the three-valued answer of Origin.Exists.
type Existence int

const (
	ExistsUnknown Existence = iota
	ExistsYes
	ExistsNo
)

// Origin stores finished objects and serves them through the CDN.
type Origin interface {
	// Upload streams the file at localPath to objectName and returns
	// the public CDN URL.
	Upload(ctx Context, localPath, objectName string, size int64, progress ByteProgress) (string, error)
	Delete(ctx Context, objectName string) error
	Exists(ctx Context, objectName string) (Existence, error)
	// VerifyCDN probes the public URL. Best-effort: callers log a
	// failure but never fail the job on it.
	VerifyCDN(ctx Context, objectName string) error
}

// Catalog webhook payloads (§ outbound catalog API).

type CatalogCreate struct {
	Name        string `json:"name"`
	SourceLink  string `json:"source_link"`
	ImportJobID string `json:"import_job_id"`
}

type CatalogSourceLink struct {
	SourceLink  string `json:"source_link"`
	ImportJobID string `json:"import_job_id"`
	IsRetry     bool   `json:"is_retry,omitempty"`
}

type CatalogFailure struct {
	Error      string `json:"error"`
	SourceURL  string `json:"source_url"`
	RetryCount int    `json:"retry_count"`
}

// Catalog notifies the external catalog of terminal outcomes. Failures
// of these calls never affect the job itself.
type Catalog interface {
	CreateVideo(ctx Context, apiKey string, req CatalogCreate) error
	UpdateSourceLink(ctx Context, apiKey, catalogID string, req CatalogSourceLink) error
	ReportImportSuccess(ctx Context, apiKey, catalogID string, req CatalogSourceLink) error
	ReportImportFailure(ctx Context, apiKey, catalogID string, req CatalogFailure) error
}

// RecoveryStore is the out-of-band job mirror used for crash recovery.
type RecoveryStore interface {
	Open(ctx Context, st RecoveryState) error
	Heartbeat(ctx Context, jobID string) error
	SetStatus(ctx Context, jobID, status string) error
	SetProgress(ctx Context, jobID string, p Progress) error
	AddTempFile(ctx Context, jobID, path string) error
	Get(ctx Context, jobID string) (RecoveryState, error)
	// ListStale returns records whose timestamp is older than olderThan.
	ListStale(ctx Context, olderThan time.Duration) ([]RecoveryState, error)
	// ListAll returns every recovery record, corrupt ones as zero-value
	// states carrying only their job id.
	ListAll(ctx Context) ([]RecoveryState, error)
	Remove(ctx Context, jobID string) error
}

// JobStore is the durable queue surface offered to the front door and
// to supervision. Submit is idempotent by request id; all state
// transitions persist before they are acknowledged.
type JobStore interface {
	Submit(ctx Context, spec JobSpec) (Job, error)
	Get(ctx Context, id string) (Job, error)
	// List pages newest-first; the second return is the total match count.
	List(ctx Context, f ListFilter) ([]Job, int, error)
	Counts(ctx Context) (JobCounts, error)
	Logs(ctx Context, id string) ([]string, error)
	// Retry re-queues a non-active, non-completed job.
	Retry(ctx Context, id string) error
	// Kill forces a running job to terminal failure; the worker observes
	// the cancellation at its next suspension point.
	Kill(ctx Context, id string) error
	Delete(ctx Context, id string) error
	Pause(ctx Context) error
	Resume(ctx Context) error
	// Drain removes all waiting jobs.
	Drain(ctx Context) error
	// Obliterate removes every job regardless of state.
	Obliterate(ctx Context) error
}

// EgressPool hands out the current best-sorted identity list and takes
// health reports back.
type EgressPool interface {
	Identities(ctx Context) []EgressIdentity
	ReportResult(ctx Context, identity EgressIdentity, success bool, responseMS int64)
}

// BinaryUpdater refreshes the external downloader binary before a
// platform download. Errors are logged and the download proceeds with
// the current binary.
type BinaryUpdater interface {
	EnsureFresh(ctx Context) error
}

package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	ImportJobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_jobs_enqueued_total",
			Help: "Total number of import jobs enqueued",
		},
		[]string{"source"},
	)
	ImportJobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "import_jobs_processing",
			Help: "Number of import jobs currently processing",
		},
		[]string{"source"},
	)
	ImportJobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_jobs_completed_total",
			Help: "Total number of import jobs completed",
		},
		[]string{"source"},
	)
	ImportJobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_jobs_failed_total",
			Help: "Total number of import job failures by error kind",
		},
		[]string{"source", "kind"},
	)

	DownloadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "import_download_duration_seconds",
			Help:    "Source download duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"source"},
	)
	UploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "import_upload_duration_seconds",
			Help:    "Origin upload duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		},
	)
	BytesDownloadedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_bytes_downloaded_total",
			Help: "Total bytes fetched from sources",
		},
		[]string{"source"},
	)
	BytesUploadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "import_bytes_uploaded_total",
			Help: "Total bytes streamed to the origin",
		},
	)

	EgressAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_egress_attempts_total",
			Help: "Platform download attempts per egress identity outcome",
		},
		[]string{"outcome"},
	)
	CatalogWebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_catalog_webhooks_total",
			Help: "Catalog webhook calls by operation and outcome",
		},
		[]string{"call", "outcome"},
	)
	RecoveryActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_recovery_actions_total",
			Help: "Startup/stall recovery sweep actions",
		},
		[]string{"action"},
	)
	HeapBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "import_heap_bytes",
			Help: "Sampled heap allocation reported by the memory watchdog",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ImportJobsEnqueuedTotal)
	prometheus.MustRegister(ImportJobsProcessing)
	prometheus.MustRegister(ImportJobsCompletedTotal)
	prometheus.MustRegister(ImportJobsFailedTotal)
	prometheus.MustRegister(DownloadDuration)
	prometheus.MustRegister(UploadDuration)
	prometheus.MustRegister(BytesDownloadedTotal)
	prometheus.MustRegister(BytesUploadedTotal)
	prometheus.MustRegister(EgressAttemptsTotal)
	prometheus.MustRegister(CatalogWebhooksTotal)
	prometheus.MustRegister(RecoveryActionsTotal)
	prometheus.MustRegister(HeapBytes)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueJob(source string) {
	ImportJobsEnqueuedTotal.WithLabelValues(source).Inc()
}

func StartProcessingJob(source string) {
	ImportJobsProcessing.WithLabelValues(source).Inc()
}

func CompleteJob(source string) {
	ImportJobsProcessing.WithLabelValues(source).Dec()
	ImportJobsCompletedTotal.WithLabelValues(source).Inc()
}

func FailJob(source, kind string) {
	ImportJobsProcessing.WithLabelValues(source).Dec()
	ImportJobsFailedTotal.WithLabelValues(source, kind).Inc()
}

// ObserveDownload records one finished source fetch.
func ObserveDownload(source string, seconds float64, bytes int64) {
	DownloadDuration.WithLabelValues(source).Observe(seconds)
	if bytes > 0 {
		BytesDownloadedTotal.WithLabelValues(source).Add(float64(bytes))
	}
}

// ObserveUpload records one finished origin upload.
func ObserveUpload(seconds float64, bytes int64) {
	UploadDuration.Observe(seconds)
	if bytes > 0 {
		BytesUploadedTotal.Add(float64(bytes))
	}
}

func EgressAttempt(success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	EgressAttemptsTotal.WithLabelValues(outcome).Inc()
}

func CatalogWebhook(call string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	CatalogWebhooksTotal.WithLabelValues(call, outcome).Inc()
}

func RecoveryAction(action string) {
	RecoveryActionsTotal.WithLabelValues(action).Inc()
}

func SetHeapBytes(v uint64) {
	HeapBytes.Set(float64(v))
}

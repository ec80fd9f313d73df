package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPMetricsMiddleware_Basic(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	mw := HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(204) }))
	mw.ServeHTTP(rec, r)
	if rec.Result().StatusCode != 204 {
		t.Fatalf("want 204")
	}
}

func TestJobMetricsHelpers(t *testing.T) {
	InitMetrics()
	EnqueueJob("url")
	StartProcessingJob("url")
	CompleteJob("url")
	StartProcessingJob("platform")
	FailJob("platform", "egress-exhausted")
	ObserveDownload("url", 1.5, 1024)
	ObserveUpload(2.5, 2048)
	EgressAttempt(true)
	EgressAttempt(false)
	CatalogWebhook("create_video", nil)
	CatalogWebhook("report_import_failure", errors.New("boom"))
	RecoveryAction("retried")
	SetHeapBytes(1 << 20)
}

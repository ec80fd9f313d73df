// Package app wires the operational surface of the import worker: the
// ops HTTP listener, the startup recovery sweep, the janitor and the
// memory watchdog.
package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tangleworks/vidimport/internal/adapter/observability"
)

// ReadinessCheck is one named dependency probe.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type checkResult struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details,omitempty"`
}

// BuildRouter constructs the ops handler: liveness, readiness and
// prometheus metrics. The front door lives elsewhere; nothing here is
// authenticated.
func BuildRouter(checks []ReadinessCheck) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(observability.HTTPMetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()

		results := make([]checkResult, 0, len(checks))
		allOK := true
		for _, c := range checks {
			res := checkResult{Name: c.Name, OK: true}
			if err := c.Check(ctx); err != nil {
				res.OK = false
				res.Details = err.Error()
				allOK = false
			}
			results = append(results, res)
		}
		w.Header().Set("Content-Type", "application/json")
		if !allOK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ready":  allOK,
			"checks": results,
		})
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}

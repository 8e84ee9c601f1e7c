// Package statusapi exposes the optional, ambient HTTP surface of SPEC_FULL
// §6.1: /healthz and /status/<job_id>, serving a job's progress.Snapshot as
// JSON. Grounded in the teacher's internal/handlers (HealthHandler's
// span-then-encode shape, routes.go's RegisterRoutes) and kept entirely
// separate from the ingestion core — the coordinator runs identically
// whether or not this server is started.
package statusapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/massingest/engine/internal/logging"
	"github.com/massingest/engine/internal/progress"
)

// JobLookup resolves a job id to its live progress snapshot. The coordinator
// package's *progress.Monitor satisfies this directly via its Snapshot
// method once adapted to the single-job case this server runs against.
type JobLookup func(jobID string) (progress.Snapshot, bool)

// Handler serves the status endpoints for one running job.
type Handler struct {
	Lookup JobLookup
}

// HealthHandler responds to liveness probes.
type HealthHandler struct{}

// Handle implements GET /healthz.
func (HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx, span := logging.StartSpan(r.Context(), "HealthHandler.Handle")
	defer span.End()
	r = r.WithContext(ctx)

	logger := logging.FromContext(ctx)
	if r.Method != http.MethodGet {
		logger.Warn("method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		logger.Error("encode health response", "error", err)
	}
}

// Status implements GET /status/<job_id>, returning the job's current
// progress.Snapshot as JSON, or 404 if the id is unrecognized.
func (h Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx, span := logging.StartSpan(r.Context(), "Handler.Status")
	defer span.End()
	r = r.WithContext(ctx)
	logger := logging.FromContext(ctx)

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/status/")
	if jobID == "" || h.Lookup == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	snap, ok := h.Lookup(jobID)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		logger.Error("encode status response", "error", err)
	}
}

// RegisterRoutes wires the status endpoints into mux.
func RegisterRoutes(mux *http.ServeMux, lookup JobLookup) {
	health := HealthHandler{}
	status := Handler{Lookup: lookup}

	mux.HandleFunc("/healthz", health.Handle)
	mux.HandleFunc("/status/", status.Status)
}

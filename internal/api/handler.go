// Package api provides the HTTP API handlers and routing for the jobs service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fastsdk/internal/apperrors"
	"fastsdk/internal/catalog"
	"fastsdk/internal/health"
	"fastsdk/internal/job"
	"fastsdk/internal/orchestrator"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// maxRequestBodySize limits request bodies. Inline payloads may be large;
// the orchestrator moves them to storage before dispatch.
const maxRequestBodySize = 64 << 20 // 64 MB

// JobService is the orchestrator surface the API uses.
type JobService interface {
	Submit(ctx context.Context, serviceRef, endpointRef string, params job.Params, opts ...orchestrator.SubmitOption) (*orchestrator.Handle, error)
	Handle(jobID string) (*orchestrator.Handle, error)
	Get(jobID string) (*job.Job, error)
	List(state job.State) []*job.Job
	Cancel(ctx context.Context, jobID string) error
}

// ServiceCatalog lists the callable services.
type ServiceCatalog interface {
	Services() []catalog.Service
}

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	jobs    JobService
	catalog ServiceCatalog
	health  *health.Checker
	maxWait time.Duration
}

// NewHandler creates a new API handler
func NewHandler(jobs JobService, services ServiceCatalog, healthChecker *health.Checker, maxWait time.Duration) *Handler {
	if maxWait <= 0 {
		maxWait = time.Minute
	}
	return &Handler{
		jobs:    jobs,
		catalog: services,
		health:  healthChecker,
		maxWait: maxWait,
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.TimeoutSeconds < 0 {
		h.writeError(w, http.StatusBadRequest, "timeoutSeconds must not be negative")
		return
	}

	var opts []orchestrator.SubmitOption
	if req.ID != "" {
		opts = append(opts, orchestrator.WithJobID(req.ID))
	}
	if req.TimeoutSeconds > 0 {
		opts = append(opts, orchestrator.WithTimeout(time.Duration(req.TimeoutSeconds)*time.Second))
	}

	handle, err := h.jobs.Submit(r.Context(), req.Service, req.Endpoint, req.Params, opts...)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	state, err := handle.Status()
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, job.Response{ID: handle.ID(), Status: string(state)})
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	state := job.State(r.URL.Query().Get("status"))
	if state != "" && !state.Valid() {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", state))
		return
	}

	jobs := h.jobs.List(state)
	resp := job.ListResponse{Jobs: make([]job.Status, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, job.NewStatus(j))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	snap, err := h.jobs.Get(jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, job.NewStatus(snap))
}

// GetResult handles GET /v1/jobs/{jobId}/result?wait=30s
// It waits up to wait for the job to settle. A settled job is returned with
// 200; one still running when the wait ends with 202.
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	wait, err := h.parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	handle, err := h.jobs.Handle(jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if wait > 0 {
		// The job's own error is part of the status written below.
		if _, err := handle.Result(r.Context(), wait); errors.Is(err, apperrors.ErrNotFound) {
			h.handleError(w, r, err)
			return
		}
		if r.Context().Err() != nil {
			return
		}
	}

	snap, err := handle.Snapshot()
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	status := http.StatusOK
	if !snap.Done() {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, job.NewStatus(snap))
}

// DeleteJob handles DELETE /v1/jobs/{jobId}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.jobs.Cancel(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListServices handles GET /v1/services
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	var services []catalog.Service
	if h.catalog != nil {
		services = h.catalog.Services()
	}
	if services == nil {
		services = []catalog.Service{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"services": services})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if a required dependency is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// parseWait accepts a Go duration ("30s") or a number of seconds.
func (h *Handler) parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.ParseFloat(raw, 64)
		if convErr != nil {
			return 0, fmt.Errorf("invalid wait %q", raw)
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d < 0 {
		return 0, fmt.Errorf("wait must not be negative")
	}
	return min(d, h.maxWait), nil
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path, "requestId", RequestID(r.Context()))
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status, "requestId", RequestID(r.Context()))
	}
	h.writeError(w, status, err.Error())
}

// Package api provides the HTTP handlers and routing for the gov-sync service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/hitzu/luca-home-assessment/internal/apperrors"
	"github.com/hitzu/luca-home-assessment/internal/govapi"
	"github.com/hitzu/luca-home-assessment/internal/govsync"
	"github.com/hitzu/luca-home-assessment/internal/health"
)

// maxRequestBodySize limits request bodies to 1MB.
const maxRequestBodySize = 1 << 20

// SyncService is the orchestrator the handlers delegate to.
type SyncService interface {
	StartJob(ctx context.Context, tenantRaw, periodID string) (*govsync.JobView, error)
	GetJob(ctx context.Context, tenantRaw string, jobID int64) (*govsync.JobView, error)
	ProcessJob(ctx context.Context, tenantRaw string, jobID int64) (*govsync.JobView, error)
	CircuitStatus(tenantRaw string) (govapi.CircuitStatus, error)
	SendBatch(ctx context.Context, tenantRaw, periodID string, students []govapi.StudentPayload) (*govapi.BatchResult, error)
}

// StartJobRequest is the body of POST /tenants/{tenantId}/gov-sync/jobs.
type StartJobRequest struct {
	PeriodID string `json:"periodId"`
}

// SendBatchRequest is the body of POST /tenants/{tenantId}/gov-sync/dev/send-batch.
type SendBatchRequest struct {
	PeriodID string                  `json:"periodId"`
	Students []govapi.StudentPayload `json:"students"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Field string `json:"field,omitempty"`
}

// Handler contains HTTP handlers for the gov-sync API
type Handler struct {
	svc     SyncService
	health  *health.Checker
	limiter *TenantLimiter
}

// NewHandler creates a new API handler. limiter may be nil.
func NewHandler(svc SyncService, healthChecker *health.Checker, limiter *TenantLimiter) *Handler {
	return &Handler{
		svc:     svc,
		health:  healthChecker,
		limiter: limiter,
	}
}

// StartJob handles POST /tenants/{tenantId}/gov-sync/jobs
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	var req StartJobRequest
	if !h.decode(w, r, &req) {
		return
	}

	view, err := h.svc.StartJob(r.Context(), r.PathValue("tenantId"), req.PeriodID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	w.Header().Set("Location", r.URL.Path+"/"+strconv.FormatInt(view.JobID, 10))
	h.writeJSON(w, http.StatusCreated, view)
}

// GetJob handles GET /tenants/{tenantId}/gov-sync/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := govsync.ParseJobID(r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	view, err := h.svc.GetJob(r.Context(), r.PathValue("tenantId"), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// ProcessJob handles POST /tenants/{tenantId}/gov-sync/jobs/{jobId}/process.
// An open circuit answers 503 with Retry-After.
func (h *Handler) ProcessJob(w http.ResponseWriter, r *http.Request) {
	tenantRaw := r.PathValue("tenantId")
	jobID, err := govsync.ParseJobID(r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if h.limiter != nil {
		tenant, err := govsync.ParseTenantID(tenantRaw)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		if wait, ok := h.limiter.Allow(tenant.String()); !ok {
			setRetryAfter(w, wait)
			h.writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
				Error: "too many process requests for tenant " + tenant.String(),
				Code:  "RATE_LIMITED",
			})
			return
		}
	}

	view, err := h.svc.ProcessJob(r.Context(), tenantRaw, jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// Circuit handles GET /tenants/{tenantId}/gov-sync/circuit
func (h *Handler) Circuit(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.CircuitStatus(r.PathValue("tenantId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// SendBatch handles POST /tenants/{tenantId}/gov-sync/dev/send-batch.
// It calls the gov API client directly, outside of any job.
func (h *Handler) SendBatch(w http.ResponseWriter, r *http.Request) {
	var req SendBatchRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.svc.SendBatch(r.Context(), r.PathValue("tenantId"), req.PeriodID, req.Students)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// Livez handles GET /livez. It does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz. Returns 503 when the store is unreachable
// or the service is shutting down.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, response)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body: " + err.Error()})
		return false
	}
	return true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// handleError maps service errors to status codes. Unavailable errors
// carry a Retry-After header when the service knows how long to wait.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Request failed", "error", err, "path", r.URL.Path, "status", status)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	if wait, ok := apperrors.RetryAfter(err); ok {
		setRetryAfter(w, wait)
	}

	resp := ErrorResponse{Error: err.Error(), Code: apperrors.CodeOf(err)}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		resp.Field = appErr.Field
	}
	if status == http.StatusInternalServerError {
		resp = ErrorResponse{Error: "Internal server error"}
	}
	h.writeJSON(w, status, resp)
}

// setRetryAfter writes d as whole seconds, rounded up and at least 1.
func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
}

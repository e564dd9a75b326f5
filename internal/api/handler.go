package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/merchantops/refundgate/internal/domain"
	"github.com/merchantops/refundgate/internal/refund"
	"github.com/merchantops/refundgate/internal/repository"
)

// DecisionHeader surfaces the decision outcome on warn-mode executions that
// proceed anyway.
const DecisionHeader = "X-Refund-Decision"

// Handler holds dependencies for API handlers.
type Handler struct {
	svc     *refund.Service
	repo    domain.Repository
	cache   domain.Cache
	version string
}

// NewHandler creates a new API handler.
func NewHandler(svc *refund.Service, repo domain.Repository, cache domain.Cache, version string) *Handler {
	return &Handler{
		svc:     svc,
		repo:    repo,
		cache:   cache,
		version: version,
	}
}

// EvaluateRefund handles POST /refunds/evaluate: run the decision pipeline
// without executing anything.
func (h *Handler) EvaluateRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	actor := GetActor(ctx)

	var req domain.RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	res, err := h.svc.Evaluate(ctx, tenantID, actor, &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// ExecuteResponse is the response for POST /refunds.
type ExecuteResponse struct {
	Status     string               `json:"status"`
	Decision   *domain.Decision     `json:"decision"`
	ApprovalID string               `json:"approvalId,omitempty"`
	Refund     *domain.RefundResult `json:"refund,omitempty"`
	TraceID    string               `json:"traceId,omitempty"`
}

// ExecuteRefund handles POST /refunds. A DENY under enforce mode maps to 422
// with the full decision; a captured approval maps to 202 with its ID.
func (h *Handler) ExecuteRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	actor := GetActor(ctx)

	var req domain.RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	res, err := h.svc.Execute(ctx, tenantID, actor, &req)
	if err != nil {
		if errors.Is(err, domain.ErrPolicyDenied) && res != nil {
			writeJSON(w, http.StatusUnprocessableEntity, ExecuteResponse{
				Status:   res.Status,
				Decision: res.Decision,
				TraceID:  GetTraceID(ctx),
			})
			return
		}
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Status == refund.StatusPendingApproval {
		status = http.StatusAccepted
	}
	if res.Surface && res.Decision != nil {
		w.Header().Set(DecisionHeader, res.Decision.Outcome)
	}

	writeJSON(w, status, ExecuteResponse{
		Status:     res.Status,
		Decision:   res.Decision,
		ApprovalID: res.ApprovalID,
		Refund:     res.Refund,
		TraceID:    GetTraceID(ctx),
	})
}

// PreviewBatchRequest is the request body for POST /refunds/preview-batch.
type PreviewBatchRequest struct {
	Items []*domain.RefundRequest `json:"items"`
}

// MaxPreviewBatchSize bounds one preview request.
const MaxPreviewBatchSize = 100

// PreviewBatch handles POST /refunds/preview-batch: evaluate each candidate
// over the bounded pool, never executing any of them.
func (h *Handler) PreviewBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	actor := GetActor(ctx)

	var req PreviewBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "items must not be empty",
		})
		return
	}
	if len(req.Items) > MaxPreviewBatchSize {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "too many items, max " + strconv.Itoa(MaxPreviewBatchSize),
		})
		return
	}

	results := h.svc.PreviewBatch(ctx, tenantID, actor, req.Items)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// GetActiveRuleSet handles GET /rulesets/active. A tenant running on the
// built-in defaults gets a 404 so clients can tell "no ruleset" apart from
// an empty one.
func (h *Handler) GetActiveRuleSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	rs, err := h.svc.ActiveRuleSet(ctx, tenantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if rs == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no active ruleset, built-in defaults apply",
		})
		return
	}

	writeJSON(w, http.StatusOK, rs)
}

// PublishRuleSet handles POST /rulesets: validate the payload, publish it as
// the next version, and invalidate the cache.
func (h *Handler) PublishRuleSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	actor := GetActor(ctx)

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	rs, err := h.svc.PublishRuleSet(ctx, tenantID, raw, actor.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	slog.Info("ruleset published", "tenant_id", tenantID, "ruleset_id", rs.ID, "version", rs.Version)
	writeJSON(w, http.StatusCreated, rs)
}

// DeactivateRuleSet handles DELETE /rulesets/active: drop back to the
// platform default (or the built-in defaults).
func (h *Handler) DeactivateRuleSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if err := h.svc.DeactivateRuleSet(ctx, tenantID); err != nil {
		h.writeError(w, r, err)
		return
	}

	slog.Info("ruleset deactivated", "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "deactivated",
	})
}

// ListRuleSetVersions handles GET /rulesets/versions?limit=N, newest first.
func (h *Handler) ListRuleSetVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	limit := parseLimit(r, 20)
	versions, err := h.svc.RuleSetVersions(ctx, tenantID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"versions": versions,
		"count":    len(versions),
	})
}

// ListApprovals handles GET /approvals?status=PENDING&limit=N.
func (h *Handler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	status := r.URL.Query().Get("status")
	limit := parseLimit(r, 50)

	approvals, err := h.svc.ListApprovals(ctx, tenantID, status, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approvals": approvals,
		"count":     len(approvals),
	})
}

// GetApproval handles GET /approvals/{id}.
func (h *Handler) GetApproval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	pa, err := h.svc.Approval(ctx, tenantID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, pa)
}

// ApproveRefund handles POST /approvals/{id}/approve: the frozen payload is
// executed under the resolving supervisor's identity.
func (h *Handler) ApproveRefund(w http.ResponseWriter, r *http.Request) {
	h.resolveApproval(w, r, true)
}

// DenyRefund handles POST /approvals/{id}/deny.
func (h *Handler) DenyRefund(w http.ResponseWriter, r *http.Request) {
	h.resolveApproval(w, r, false)
}

func (h *Handler) resolveApproval(w http.ResponseWriter, r *http.Request, approve bool) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	actor := GetActor(ctx)
	id := chi.URLParam(r, "id")

	res, err := h.svc.ResolveApproval(ctx, tenantID, id, approve, actor)
	if err != nil {
		if errors.Is(err, domain.ErrPolicyDenied) && res != nil {
			// The frozen payload re-denied on execution, e.g. the ruleset
			// tightened while the approval sat pending.
			writeJSON(w, http.StatusUnprocessableEntity, ExecuteResponse{
				Status:   res.Status,
				Decision: res.Decision,
				TraceID:  GetTraceID(ctx),
			})
			return
		}
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ExecuteResponse{
		Status:     res.Status,
		Decision:   res.Decision,
		ApprovalID: id,
		Refund:     res.Refund,
		TraceID:    GetTraceID(ctx),
	})
}

// GetLedgerEntry handles GET /ledger/{customerKey}.
func (h *Handler) GetLedgerEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	customerKey := chi.URLParam(r, "customerKey")

	if customerKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "customer key is required",
		})
		return
	}

	entry, err := h.svc.LedgerEntry(ctx, tenantID, customerKey)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeError maps the domain error taxonomy to HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, repository.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrCustomerNotFound),
		errors.Is(err, domain.ErrTenantNotFound),
		errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrTenantMismatch),
		errors.Is(err, domain.ErrApprovalRequired):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrApprovalResolved):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrConfigUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrRefundExecutionFailed):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"tenant_id", GetTenantID(r.Context()),
			"error", err,
		)
		writeJSON(w, status, map[string]string{
			"error": "internal server error",
		})
		return
	}

	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

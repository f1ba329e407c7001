package governance

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/careerfolio/portal/internal/api"
	"github.com/careerfolio/portal/internal/auth"
	"github.com/careerfolio/portal/internal/governance/audit"
	"github.com/careerfolio/portal/internal/governance/usage"
	"github.com/careerfolio/portal/internal/scheduler"
)

// UsageReader is the part of usage.Monitor the handlers read from.
type UsageReader interface {
	Overview(ctx context.Context, userID uuid.UUID) (*usage.Overview, error)
	ListViolations(ctx context.Context, userID uuid.UUID, limit int) ([]usage.ViolationRecord, error)
	SubmitAppeal(ctx context.Context, userID, restrictionID uuid.UUID, reason string) (*usage.Restriction, error)
}

// AuditLister lists a user's audit trail.
type AuditLister interface {
	ListByUser(ctx context.Context, userID uuid.UUID, params audit.ListParams) ([]audit.AuditLog, int64, error)
}

// UserResetter clears one user's counters for a feature.
type UserResetter interface {
	ResetUserFeatureCounters(ctx context.Context, userID uuid.UUID, feature usage.Feature) (*usage.UserResetResult, error)
}

// JobRunner runs and reports the maintenance jobs.
type JobRunner interface {
	RunNow(ctx context.Context, name string) (int64, error)
	Status() scheduler.Status
}

// AppealRequest is the body of an appeal submission.
type AppealRequest struct {
	Reason string `json:"reason" validate:"required,min=10,max=2000"`
}

// UsageResponse is returned by the usage endpoints.
type UsageResponse struct {
	*usage.Overview
	NextResets usage.ResetSchedule `json:"next_resets"`
}

// ScheduleResponse is returned by the admin schedule endpoint.
type ScheduleResponse struct {
	Scheduler  scheduler.Status    `json:"scheduler"`
	NextResets usage.ResetSchedule `json:"next_resets"`
}

// Handler provides HTTP handlers for governance endpoints.
type Handler struct {
	usage    UsageReader
	audit    AuditLister
	resetter UserResetter
	jobs     JobRunner
	now      func() time.Time
	validate *validator.Validate
}

// NewHandler creates a new governance Handler.
func NewHandler(usageSvc UsageReader, auditRepo AuditLister, resetter UserResetter, jobs JobRunner) *Handler {
	return &Handler{
		usage:    usageSvc,
		audit:    auditRepo,
		resetter: resetter,
		jobs:     jobs,
		now:      time.Now,
		validate: validator.New(),
	}
}

// GetUsage returns the authenticated user's usage, restrictions and limits.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	h.writeUsage(w, r, userID)
}

// ListViolations returns the authenticated user's recent violations.
func (h *Handler) ListViolations(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	h.writeViolations(w, r, userID)
}

// SubmitAppeal files an appeal against one of the caller's restrictions.
func (h *Handler) SubmitAppeal(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	restrictionID, err := uuid.Parse(chi.URLParam(r, "restrictionID"))
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid restriction id"))
		return
	}

	var req AppealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	res, err := h.usage.SubmitAppeal(r.Context(), userID, restrictionID, req.Reason)
	switch {
	case errors.Is(err, usage.ErrNotFound):
		api.HandleError(w, api.NewNotFoundError("restriction not found"))
		return
	case errors.Is(err, usage.ErrAppealNotAllowed):
		api.HandleError(w, api.NewConflictError("restriction cannot be appealed"))
		return
	case err != nil:
		slog.Error("submitting appeal", "error", err, "restriction_id", restrictionID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, res)
}

// ListAuditLogs returns paginated audit logs for the authenticated user.
func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	params := parseAuditParams(r)

	logs, total, err := h.audit.ListByUser(r.Context(), userID, params)
	if err != nil {
		slog.Error("listing audit logs", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONPaginated(w, http.StatusOK, logs, total, params.Page, params.PageSize)
}

// GetUserUsage returns another user's usage. Admin only.
func (h *Handler) GetUserUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}
	h.writeUsage(w, r, userID)
}

// ListUserViolations returns another user's violations. Admin only.
func (h *Handler) ListUserViolations(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}
	h.writeViolations(w, r, userID)
}

// ResetUserFeature clears a user's counters and restrictions for one feature. Admin only.
func (h *Handler) ResetUserFeature(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	feature, err := usage.ParseFeature(chi.URLParam(r, "feature"))
	if err != nil {
		api.HandleError(w, api.NewBadRequestError(err.Error()))
		return
	}

	result, err := h.resetter.ResetUserFeatureCounters(r.Context(), userID, feature)
	if err != nil {
		slog.Error("resetting user feature", "error", err, "user_id", userID, "feature", feature)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, result)
}

// RunReset triggers a maintenance job by name or alias. Admin only.
func (h *Handler) RunReset(w http.ResponseWriter, r *http.Request) {
	name := scheduler.ResolveJob(chi.URLParam(r, "job"))

	n, err := h.jobs.RunNow(r.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		api.HandleError(w, api.NewNotFoundError("unknown job"))
		return
	case err != nil:
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, map[string]any{"job": name, "affected": n})
}

// GetSchedule reports the maintenance jobs and the next period boundaries. Admin only.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, ScheduleResponse{
		Scheduler:  h.jobs.Status(),
		NextResets: usage.NextResets(h.now().UTC()),
	})
}

func (h *Handler) writeUsage(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	overview, err := h.usage.Overview(r.Context(), userID)
	if err != nil {
		slog.Error("loading usage overview", "error", err, "user_id", userID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, UsageResponse{
		Overview:   overview,
		NextResets: usage.NextResets(h.now().UTC()),
	})
}

func (h *Handler) writeViolations(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	violations, err := h.usage.ListViolations(r.Context(), userID, limit)
	if err != nil {
		slog.Error("listing violations", "error", err, "user_id", userID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, violations)
}

func callerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return uuid.Nil, false
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		api.HandleError(w, api.ErrUnauthorized)
		return uuid.Nil, false
	}
	return userID, true
}

func pathUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid user id"))
		return uuid.Nil, false
	}
	return userID, true
}

func parseAuditParams(r *http.Request) audit.ListParams {
	params := audit.DefaultListParams()

	if et := r.URL.Query().Get("event_type"); et != "" {
		params.EventType = et
	}
	if sev := r.URL.Query().Get("severity"); sev != "" {
		params.Severity = sev
	}
	if f := r.URL.Query().Get("feature"); f != "" {
		params.Feature = f
	}
	if p := r.URL.Query().Get("page"); p != "" {
		if page, err := strconv.Atoi(p); err == nil && page > 0 {
			params.Page = page
		}
	}
	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if pageSize, err := strconv.Atoi(ps); err == nil && pageSize > 0 && pageSize <= 100 {
			params.PageSize = pageSize
		}
	}
	if from := r.URL.Query().Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			params.From = &t
		}
	}
	if to := r.URL.Query().Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			params.To = &t
		}
	}

	return params
}

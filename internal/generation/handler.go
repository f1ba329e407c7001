// Package generation hands allowed AI feature requests to the external LLM workers.
package generation

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/careerfolio/portal/internal/api"
	"github.com/careerfolio/portal/internal/auth"
	"github.com/careerfolio/portal/internal/governance/usage"
	"github.com/careerfolio/portal/internal/metrics"
	inats "github.com/careerfolio/portal/internal/nats"
)

// TaskPublisher queues generation tasks. *nats.Publisher satisfies it.
type TaskPublisher interface {
	PublishGenerationTask(ctx context.Context, task inats.GenerationTask) error
}

// Request is the body accepted by every AI feature endpoint.
type Request struct {
	Input   string         `json:"input" validate:"required,max=20000"`
	Options map[string]any `json:"options,omitempty"`
}

// Accepted is returned once a task has been queued.
type Accepted struct {
	RequestID string        `json:"request_id"`
	Feature   usage.Feature `json:"feature"`
	Status    string        `json:"status"`
}

type Handler struct {
	publisher TaskPublisher
	validate  *validator.Validate
	now       func() time.Time
}

// NewHandler creates a generation Handler. A nil publisher makes every request fail with 503.
func NewHandler(publisher TaskPublisher) *Handler {
	return &Handler{
		publisher: publisher,
		validate:  validator.New(),
		now:       time.Now,
	}
}

// Submit validates the request and queues it on portal.tasks.<feature>.
// The route's {feature} has already been checked by the usage gate.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	feature, err := usage.ParseFeature(chi.URLParam(r, "feature"))
	if err != nil {
		api.HandleError(w, api.NewNotFoundError(err.Error()))
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	if h.publisher == nil {
		api.HandleError(w, api.ErrPublisherDisabled)
		return
	}

	task := inats.GenerationTask{
		RequestID: uuid.NewString(),
		UserID:    userID,
		Feature:   string(feature),
		Input:     req.Input,
		Options:   req.Options,
		CreatedAt: h.now().UTC(),
	}
	if err := h.publisher.PublishGenerationTask(r.Context(), task); err != nil {
		slog.Error("publishing generation task", "error", err, "feature", feature, "user_id", userID)
		api.HandleError(w, api.ErrPublisherDisabled)
		return
	}
	metrics.GenerationTasksPublished.WithLabelValues(string(feature)).Inc()

	slog.Debug("generation task queued", "request_id", task.RequestID, "feature", feature)
	api.JSON(w, http.StatusAccepted, Accepted{
		RequestID: task.RequestID,
		Feature:   feature,
		Status:    "queued",
	})
}

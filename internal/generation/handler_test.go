package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careerfolio/portal/internal/auth"
	inats "github.com/careerfolio/portal/internal/nats"
)

type recordingPublisher struct {
	tasks []inats.GenerationTask
	err   error
}

func (p *recordingPublisher) PublishGenerationTask(_ context.Context, task inats.GenerationTask) error {
	if p.err != nil {
		return p.err
	}
	p.tasks = append(p.tasks, task)
	return nil
}

func newRouter(h *Handler, userID uuid.UUID) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := &auth.AccessClaims{UserID: userID.String(), Role: auth.RoleApplicant}
			next.ServeHTTP(w, r.WithContext(auth.WithUserClaims(r.Context(), claims)))
		})
	})
	r.Post("/ai/{feature}", h.Submit)
	return r
}

func TestSubmit_QueuesTask(t *testing.T) {
	pub := &recordingPublisher{}
	userID := uuid.New()
	router := newRouter(NewHandler(pub), userID)

	body := `{"input":"Registered nurse, 6 years ICU","options":{"tone":"formal"}}`
	req := httptest.NewRequest(http.MethodPost, "/ai/cover_letter", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, pub.tasks, 1)

	task := pub.tasks[0]
	assert.Equal(t, userID, task.UserID)
	assert.Equal(t, "cover_letter", task.Feature)
	assert.Equal(t, "Registered nurse, 6 years ICU", task.Input)
	assert.Equal(t, "formal", task.Options["tone"])
	assert.False(t, task.CreatedAt.IsZero())

	var resp struct {
		Data Accepted `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, task.RequestID, resp.Data.RequestID)
	assert.Equal(t, "queued", resp.Data.Status)
}

func TestSubmit_Rejections(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		pub  TaskPublisher
		want int
	}{
		{"unknown feature", "/ai/essay_writer", `{"input":"x"}`, &recordingPublisher{}, http.StatusNotFound},
		{"malformed body", "/ai/cover_letter", `{`, &recordingPublisher{}, http.StatusBadRequest},
		{"missing input", "/ai/cover_letter", `{"input":""}`, &recordingPublisher{}, http.StatusBadRequest},
		{"no publisher", "/ai/cover_letter", `{"input":"x"}`, nil, http.StatusServiceUnavailable},
		{"publish failure", "/ai/cover_letter", `{"input":"x"}`, &recordingPublisher{err: errors.New("nats down")}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(NewHandler(tt.pub), uuid.New())
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestSubmit_RequiresClaims(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(&recordingPublisher{}).Submit(rec, httptest.NewRequest(http.MethodPost, "/ai/cover_letter", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandleError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{"app error", NewConflictError("restriction cannot be appealed"), http.StatusConflict, `{"error":"restriction cannot be appealed"}`},
		{"wrapped app error", errors.Join(errors.New("ctx"), ErrForbidden), http.StatusForbidden, `{"error":"forbidden"}`},
		{"plain error hidden", errors.New("pq: relation does not exist"), http.StatusInternalServerError, `{"error":"internal server error"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HandleError(rec, tt.err)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.JSONEq(t, tt.body, rec.Body.String())
		})
	}
}

func TestJSONPaginated(t *testing.T) {
	rec := httptest.NewRecorder()
	JSONPaginated(rec, http.StatusOK, []string{"a"}, 41, 3, 20)

	assert.JSONEq(t, `{"data":["a"],"total_count":41,"page":3,"page_size":20}`, rec.Body.String())
}

func TestWriteJSON_NoEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusTooManyRequests, map[string]string{"error": "usage_limit_exceeded"})

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"usage_limit_exceeded"}`, rec.Body.String())
}

package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler() *ErrorHandler {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewErrorHandler(logger)
}

func TestHandleError(t *testing.T) {
	handler := newTestHandler()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   ErrorType
	}{
		{"app error", NewNotFoundError("session"), http.StatusNotFound, ErrorTypeNotFound},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, ErrorTypeInternal},
		{"seek error", NewSeekError("input is not seekable", nil).WithStage(StageInput), http.StatusUnprocessableEntity, ErrorTypeSeek},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/x", nil)
			req.Header.Set("X-Request-ID", "req-1")
			rec := httptest.NewRecorder()

			handler.HandleError(rec, req, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantType, body.Error.Type)
			assert.Equal(t, "req-1", body.TraceID)
		})
	}
}

func TestMiddlewareRecoversPanics(t *testing.T) {
	handler := newTestHandler()
	h := handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("renderer exploded")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/x/stop", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), string(ErrorTypeInternal))
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	handler := newTestHandler()

	rec := httptest.NewRecorder()
	handler.HandleNotFound(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.HandleMethodNotAllowed(rec, httptest.NewRequest(http.MethodDelete, "/version", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

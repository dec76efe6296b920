package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	apperrors "github.com/CyberFlameGO/envkey/internal/errors"
)

func recordError(t *testing.T, err error) (*httptest.ResponseRecorder, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	HandleErrorGin(c, err, nil)
	return w, w.Body.String()
}

func TestHandleErrorGin(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		errorCode  string
	}{
		{
			name:       "invalid input",
			err:        apperrors.Wrap(apperrors.ErrInvalidInput, "name must not be blank"),
			statusCode: http.StatusBadRequest,
			errorCode:  "invalid_input",
		},
		{
			name:       "unauthorized",
			err:        apperrors.Wrap(apperrors.ErrUnauthorized, "action not permitted"),
			statusCode: http.StatusUnauthorized,
			errorCode:  "unauthorized",
		},
		{
			name:       "quota exceeded",
			err:        apperrors.Wrap(apperrors.ErrQuotaExceeded, "license allows 3 active server envkeys"),
			statusCode: http.StatusPaymentRequired,
			errorCode:  "quota_exceeded",
		},
		{
			name:       "not found",
			err:        apperrors.ErrNotFound,
			statusCode: http.StatusNotFound,
			errorCode:  "not_found",
		},
		{
			name:       "conflicting action",
			err:        apperrors.ErrConflictingAction,
			statusCode: http.StatusConflict,
			errorCode:  "conflicting_action",
		},
		{
			name:       "conflict",
			err:        apperrors.ErrConflict,
			statusCode: http.StatusConflict,
			errorCode:  "conflict",
		},
		{
			name:       "invalid state",
			err:        apperrors.Wrap(apperrors.ErrInvalidState, "envkey is already revoked"),
			statusCode: http.StatusUnprocessableEntity,
			errorCode:  "invalid_state",
		},
		{
			name:       "device locked",
			err:        apperrors.ErrLocked,
			statusCode: http.StatusLocked,
			errorCode:  "device_locked",
		},
		{
			name:       "transaction failed",
			err:        apperrors.Wrap(apperrors.ErrTransactionFailed, "deadlock detected"),
			statusCode: http.StatusInternalServerError,
			errorCode:  "transaction_failed",
		},
		{
			name:       "unknown error",
			err:        apperrors.New("something exploded"),
			statusCode: http.StatusInternalServerError,
			errorCode:  "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := recordError(t, tt.err)
			assert.Equal(t, tt.statusCode, w.Code)
			assert.Contains(t, body, tt.errorCode)
		})
	}

	t.Run("nil error writes nothing", func(t *testing.T) {
		gin.SetMode(gin.TestMode)
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		HandleErrorGin(c, nil, nil)
		assert.Empty(t, w.Body.String())
	})

	t.Run("unauthorized message stays opaque", func(t *testing.T) {
		_, body := recordError(t, apperrors.Wrap(apperrors.ErrUnauthorized, "user u1 lacks admin on app-1"))
		assert.NotContains(t, body, "app-1")
		assert.Contains(t, body, "action not permitted")
	})

	t.Run("internal errors hide details", func(t *testing.T) {
		_, body := recordError(t, apperrors.New("pq: connection reset"))
		assert.NotContains(t, body, "pq:")
	})
}

func TestHandleBadRequestGin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	HandleBadRequestGin(c, apperrors.New("unexpected end of JSON input"), nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "bad_request")
}

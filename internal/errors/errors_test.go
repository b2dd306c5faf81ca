package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulwarkhq/bulwark/internal/server/middleware"
)

func TestHTTPStatusFromCode(t *testing.T) {
	tests := map[string]int{
		CodeInvalidInput:       http.StatusBadRequest,
		CodeUnauthorized:       http.StatusUnauthorized,
		CodeForbidden:          http.StatusForbidden,
		CodeConflict:           http.StatusConflict,
		CodeRequestTooLarge:    http.StatusRequestEntityTooLarge,
		CodeTooManyRequests:    http.StatusTooManyRequests,
		CodeChallengeRequired:  http.StatusTooManyRequests,
		CodeBadGateway:         http.StatusBadGateway,
		CodeServiceUnavailable: http.StatusServiceUnavailable,
		CodeDatabase:           http.StatusInternalServerError,
		"SOMETHING_ELSE":       http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, HTTPStatusFromCode(code), code)
	}
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusFromEnvelope(nil))
}

func TestEnsureEnvelope(t *testing.T) {
	env := NewConflictError("exists")
	assert.Same(t, env, EnsureEnvelope(env))

	wrapped := EnsureEnvelope(stderrors.New("boom"))
	assert.Equal(t, CodeInternal, wrapped.Code)
	assert.Equal(t, "boom", wrapped.Context["wrapped_error"])
	assert.Equal(t, errors.SeverityHigh, wrapped.Severity)

	assert.Equal(t, CodeInternal, EnsureEnvelope(nil).Code)
}

func TestWrapUsesRequestID(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDContextKey, "req-42")

	env := WrapDatabaseError(ctx, stderrors.New("disk full"), "journal write failed")
	assert.Equal(t, CodeDatabase, env.Code)
	assert.Equal(t, "req-42", env.CorrelationID)
	assert.Equal(t, "disk full", env.Context["wrapped_error"])
}

func TestEnsureCorrelationIDFallback(t *testing.T) {
	env := EnsureCorrelationID(NewNotFoundError("missing"), context.Background())
	assert.Contains(t, env.CorrelationID, "fallback-")
	assert.Nil(t, EnsureCorrelationID(nil, context.Background()))
}

func TestRespondWithEnvelopeRefusalDetails(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	req = req.WithContext(context.WithValue(req.Context(), middleware.RequestIDContextKey, "req-7"))
	rec := httptest.NewRecorder()

	RespondWithEnvelope(rec, req, NewForbiddenError("request blocked", map[string]interface{}{
		"reason": "High failure rate",
		"score":  0.92,
		"action": "block",
	}))

	require.Equal(t, http.StatusForbidden, rec.Code)
	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeForbidden, body.Error.Code)
	assert.Equal(t, "req-7", body.Error.RequestID)
	assert.Equal(t, "High failure rate", body.Error.Details["reason"])
	assert.Equal(t, 0.92, body.Error.Details["score"])
}

func TestResponseDetailsPrefersDetails(t *testing.T) {
	env := NewTooManyRequestsError("slow down", map[string]interface{}{"reason": "detail"})
	env, err := env.WithContext(map[string]interface{}{"reason": "context", "extra": 1})
	require.NoError(t, err)

	details := ResponseDetails(env)
	assert.Equal(t, "detail", details["reason"])
	assert.Equal(t, 1, details["extra"])
	assert.Nil(t, ResponseDetails(NewInternalError("x")))
}

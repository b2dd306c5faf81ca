package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"Valid", "s3cret", "Bearer s3cret", http.StatusNoContent},
		{"SchemeCaseInsensitive", "s3cret", "bearer s3cret", http.StatusNoContent},
		{"WrongToken", "s3cret", "Bearer nope", http.StatusUnauthorized},
		{"MissingHeader", "s3cret", "", http.StatusUnauthorized},
		{"BasicScheme", "s3cret", "Basic s3cret", http.StatusUnauthorized},
		{"EmptyConfiguredToken", "", "Bearer ", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/rules", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			BearerAuth(tt.token)(ok).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestBearerAuth_ErrorBody(t *testing.T) {
	rec := httptest.NewRecorder()
	BearerAuth("s3cret")(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/snapshot", nil))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "UNAUTHORIZED", body.Error.Code)
}

func TestRecovery(t *testing.T) {
	handler := RequestID(Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("backend exploded")
	})))

	req := httptest.NewRequest(http.MethodGet, "/checkout", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	rec := httptest.NewRecorder()
	require.NotPanics(t, func() { handler.ServeHTTP(rec, req) })

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
	assert.Equal(t, "req-1", body.Error.RequestID)
	assert.Equal(t, "/checkout", body.Error.Details["path"])
}

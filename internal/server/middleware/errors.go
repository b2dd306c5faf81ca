package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/bulwarkhq/bulwark/internal/metrics"
	"github.com/bulwarkhq/bulwark/internal/observability"
)

// Recovery turns a panic in a handler into a 500 envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			stack := string(debug.Stack())
			panicErr := errors.NewErrorEnvelope("INTERNAL_ERROR", fmt.Sprintf("panic: %v", rec)).
				WithCorrelationID(GetRequestID(r.Context()))
			panicErr, _ = panicErr.WithContext(map[string]interface{}{
				"method": r.Method,
				"path":   r.URL.Path,
			})
			panicErr, _ = panicErr.WithSeverity(errors.SeverityCritical)

			metrics.RecordPanic()
			if observability.ServerLogger != nil {
				observability.ServerLogger.Error("Recovered from handler panic",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("request_id", panicErr.CorrelationID),
					zap.Any("panic", rec),
					zap.String("stack", stack))
			}

			writeErrorResponse(w, panicErr, http.StatusInternalServerError)
		}()

		next.ServeHTTP(w, r)
	})
}

// ErrorResponse mirrors the error body written by internal/errors. It is
// duplicated here because that package imports this one.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

func writeErrorResponse(w http.ResponseWriter, envelope *errors.ErrorEnvelope, statusCode int) {
	response := ErrorResponse{
		Error: ErrorDetail{
			Code:      envelope.Code,
			Message:   envelope.Message,
			Details:   envelope.Context,
			RequestID: envelope.CorrelationID,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bulwarkhq/bulwark/internal/observability"
)

// responseWriter wraps http.ResponseWriter to capture status code and response size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RouteGroup collapses a request into a low-cardinality endpoint label.
// Proxied traffic is labeled "ingress" whatever its path.
func RouteGroup(r *http.Request) string {
	pattern := ""
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		pattern = rctx.RoutePattern()
	}
	if pattern == "/*" {
		return "ingress"
	}
	if pattern != "" {
		return pattern
	}

	path := r.URL.Path
	switch {
	case path == "/health" || strings.HasPrefix(path, "/health/"):
		return "/health/*"
	case path == "/version", path == "/metrics":
		return path
	case strings.HasPrefix(path, "/admin/"):
		return "/admin/*"
	default:
		return "ingress"
	}
}

// RequestMetrics middleware captures HTTP request metrics following Prometheus standards
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if observability.TelemetrySystem == nil && observability.ServerLogger == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := RouteGroup(r)
		requestSize := max(r.ContentLength, 0)

		emitRequestMetrics(r.Method, endpoint, wrapped.statusCode, duration, requestSize, wrapped.bytesWritten)

		if observability.ServerLogger != nil {
			observability.ServerLogger.Debug("HTTP request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("endpoint", endpoint),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", duration),
				zap.Int64("request_size", requestSize),
				zap.Int64("response_size", wrapped.bytesWritten),
				zap.String("requestID", GetRequestID(r.Context())),
			)
		}
	})
}

func emitRequestMetrics(method, endpoint string, status int, duration time.Duration, requestSize, responseSize int64) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}

	labels := map[string]string{
		"method":   method,
		"endpoint": endpoint,
		"status":   strconv.Itoa(status),
	}
	sizeLabels := map[string]string{
		"method":   method,
		"endpoint": endpoint,
	}

	_ = sys.Counter("http_requests_total", 1, labels)
	_ = sys.Histogram("http_request_duration_ms", duration, labels)
	_ = sys.Gauge("http_request_size_bytes", float64(requestSize), sizeLabels)
	_ = sys.Gauge("http_response_size_bytes", float64(responseSize), sizeLabels)

	if status < 400 {
		return
	}
	errorType := "client_error"
	if status >= 500 {
		errorType = "server_error"
	}
	_ = sys.Counter("http_errors_total", 1, map[string]string{
		"method":     method,
		"endpoint":   endpoint,
		"status":     strconv.Itoa(status),
		"error_type": errorType,
	})
}

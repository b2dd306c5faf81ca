package metrics

import (
	"strconv"

	"github.com/bulwarkhq/bulwark/internal/observability"
)

// Error metric names. Refusals are counted here too, by code, so a spike in
// FORBIDDEN or TOO_MANY_REQUESTS shows up next to real failures.
const (
	ErrorsTotal   = "errors_total"
	PanicsTotal   = "panics_total"
	ErrorsByRoute = "errors_by_route"
)

// RecordError counts an error response by envelope code and HTTP status.
func RecordError(errorCode string, httpStatus int) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}
	_ = sys.Counter(ErrorsTotal, 1, map[string]string{
		"error_code":  errorCode,
		"http_status": strconv.Itoa(httpStatus),
	})
}

// RecordPanic counts a recovered handler panic.
func RecordPanic() {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Counter(PanicsTotal, 1, nil)
	}
}

// RecordErrorByRoute counts an error against a route pattern, or "ingress"
// for proxied traffic. Raw paths are never used as labels.
func RecordErrorByRoute(route string, errorCode string) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}
	_ = sys.Counter(ErrorsByRoute, 1, map[string]string{
		"route":      route,
		"error_code": errorCode,
	})
}

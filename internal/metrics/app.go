package metrics

import (
	"sync/atomic"
	"time"

	"github.com/bulwarkhq/bulwark/internal/observability"
)

// Admission and mitigation metrics following Prometheus conventions
var (
	// Admission metrics
	AdmissionDecisionsTotal = "admission_decisions_total"

	// Mitigation metrics
	RecommendationsTotal = "mitigation_recommendations_total"
	RuleChangesTotal     = "mitigation_rule_changes_total"
	ActiveRules          = "mitigation_active_rules"

	// Backend metrics
	BackendHealthy          = "backend_healthy"
	BackendSelectionTotal   = "backend_selection_total"
	BackendUnavailableTotal = "backend_unavailable_total"
	BackendErrorsTotal      = "backend_errors_total"

	// Detector metrics
	DetectorTrackers = "detector_trackers"

	// Health check metrics
	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"

	// Server lifecycle metrics
	ServerStartTime = "app_server_start_time_seconds"
	ServerUptime    = "app_server_uptime_seconds"
)

var serverStart atomic.Int64

// RecordAdmission records one admission outcome: admit, deny, rate_limited,
// challenge or unavailable.
func RecordAdmission(outcome string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			AdmissionDecisionsTotal,
			1,
			map[string]string{
				"action": outcome,
			},
		)
	}
}

// RecordRecommendation records a recommendation emitted by the detector
func RecordRecommendation(action, check, tier string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			RecommendationsTotal,
			1,
			map[string]string{
				"action": action,
				"check":  check,
				"tier":   tier,
			},
		)
	}
}

// RecordRuleChange records a rule-table change (created, replaced, removed, expired)
func RecordRuleChange(kind, action string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			RuleChangesTotal,
			1,
			map[string]string{
				"kind":   kind,
				"action": action,
			},
		)
	}
}

// SetActiveRules sets the current number of live mitigation rules
func SetActiveRules(count int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ActiveRules,
			float64(count),
			nil,
		)
	}
}

// SetBackendHealthy records a backend's health as 1 or 0
func SetBackendHealthy(backend string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			BackendHealthy,
			value,
			map[string]string{
				"backend": backend,
			},
		)
	}
}

// RecordBackendSelection records that a backend was chosen for a request
func RecordBackendSelection(backend string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			BackendSelectionTotal,
			1,
			map[string]string{
				"backend": backend,
			},
		)
	}
}

// RecordBackendUnavailable records a request refused because no backend could serve it
func RecordBackendUnavailable() {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			BackendUnavailableTotal,
			1,
			nil,
		)
	}
}

// RecordBackendError records a failed backend call
func RecordBackendError(backend string, errorType string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			BackendErrorsTotal,
			1,
			map[string]string{
				"backend":    backend,
				"error_type": errorType,
			},
		)
	}
}

// SetDetectorTrackers sets the number of live per-source trackers
func SetDetectorTrackers(count int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			DetectorTrackers,
			float64(count),
			nil,
		)
	}
}

// RecordHealthCheck records a health check execution
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			HealthCheckTotal,
			1,
			map[string]string{
				"check":  checkName,
				"status": status,
			},
		)

		_ = observability.TelemetrySystem.Histogram(
			HealthCheckDuration,
			duration,
			map[string]string{
				"check": checkName,
			},
		)
	}
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	serverStart.Store(timestamp)
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerStartTime,
			float64(timestamp),
			nil,
		)
	}
}

// RefreshServerUptime sets the uptime gauge from the recorded start time.
// It does nothing before SetServerStartTime.
func RefreshServerUptime(now time.Time) {
	start := serverStart.Load()
	if start == 0 || observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Gauge(
		ServerUptime,
		float64(now.Unix()-start),
		nil,
	)
}

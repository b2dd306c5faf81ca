package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fulmenhq/gofulmen/errors"

	apperrors "github.com/bulwarkhq/bulwark/internal/errors"
)

// ErrDegraded marks a check result that should not fail readiness. Checkers
// return an error wrapping it when they are working but impaired.
var ErrDegraded = stderrors.New("degraded")

// HealthResponse represents the aggregate health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProbeResponse represents individual probe response
type ProbeResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthChecker defines interface for health checkable components
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// CheckerFunc adapts a function to HealthChecker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) CheckHealth(ctx context.Context) error {
	return f(ctx)
}

// HealthManager manages health checks and probe states
type HealthManager struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
	version  string
	started  atomic.Bool
}

// NewHealthManager creates a new health manager
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		checkers: make(map[string]HealthChecker),
		version:  version,
	}
}

// RegisterChecker registers a health checker
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = checker
}

// MarkStarted flips the startup probe to passing. It is called once the
// listener is accepting and the engine loops are running.
func (hm *HealthManager) MarkStarted() {
	hm.started.Store(true)
}

// Started reports whether MarkStarted has been called.
func (hm *HealthManager) Started() bool {
	return hm.started.Load()
}

// runHealthChecks executes all registered health checks
func (hm *HealthManager) runHealthChecks(ctx context.Context) map[string]string {
	hm.mu.RLock()
	checkers := make(map[string]HealthChecker, len(hm.checkers))
	for name, checker := range hm.checkers {
		checkers[name] = checker
	}
	hm.mu.RUnlock()

	checks := make(map[string]string, len(checkers))
	for name, checker := range checkers {
		if ctx.Err() != nil {
			checks[name] = "timeout"
			continue
		}
		err := checker.CheckHealth(ctx)
		switch {
		case err == nil:
			checks[name] = "healthy"
		case stderrors.Is(err, ErrDegraded):
			checks[name] = "degraded"
		case stderrors.Is(err, context.DeadlineExceeded):
			checks[name] = "timeout"
		default:
			checks[name] = "unhealthy"
		}
	}

	return checks
}

// determineOverallStatus determines overall health status
func (hm *HealthManager) determineOverallStatus(checks map[string]string) string {
	degraded := false
	for _, status := range checks {
		if status == "unhealthy" {
			return "unhealthy"
		}
		if status == "degraded" || status == "timeout" {
			degraded = true
		}
	}
	if degraded {
		return "degraded"
	}
	return "healthy"
}

// HealthHandler handles aggregate health check requests
func (hm *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := hm.runHealthChecks(ctx)
	status := hm.determineOverallStatus(checks)
	if status == "unhealthy" {
		envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", "aggregate health check failed")
		apperrors.RespondWithError(w, r, enrichHealthEnvelope(envelope, "", status, checks))
		return
	}

	writeJSON(w, HealthResponse{
		Status:    status,
		Version:   hm.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	})
}

// LivenessHandler reports that the process is serving HTTP. It runs no
// checks: a dead backend pool must not get the proxy restarted.
func (hm *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ProbeResponse{Status: "healthy", Timestamp: time.Now().UTC()})
}

// ReadinessHandler reports whether requests can currently be admitted and
// served.
func (hm *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !hm.Started() {
		hm.probeFailed(w, r, "ready", "starting", nil)
		return
	}
	hm.probe(w, r, "ready", 5*time.Second)
}

// StartupHandler passes once initialization has completed.
func (hm *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	if !hm.Started() {
		hm.probeFailed(w, r, "startup", "starting", nil)
		return
	}
	writeJSON(w, ProbeResponse{Status: "healthy", Timestamp: time.Now().UTC()})
}

func (hm *HealthManager) probe(w http.ResponseWriter, r *http.Request, name string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	checks := hm.runHealthChecks(ctx)
	status := hm.determineOverallStatus(checks)
	if status == "unhealthy" {
		hm.probeFailed(w, r, name, status, checks)
		return
	}
	writeJSON(w, ProbeResponse{Status: status, Timestamp: time.Now().UTC()})
}

func (hm *HealthManager) probeFailed(w http.ResponseWriter, r *http.Request, probe, status string, checks map[string]string) {
	envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", probe+" probe failed")
	apperrors.RespondWithError(w, r, enrichHealthEnvelope(envelope, probe, status, checks))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func enrichHealthEnvelope(envelope *errors.ErrorEnvelope, probe, status string, checks map[string]string) *errors.ErrorEnvelope {
	if envelope == nil {
		return nil
	}

	details := map[string]interface{}{
		"status": status,
	}
	if len(checks) > 0 {
		details["checks"] = checks
	}
	if probe != "" {
		details["probe"] = probe
	}
	envelope = envelope.WithDetails(details)

	contextData := map[string]interface{}{
		"status": status,
	}
	if probe != "" {
		contextData["probe"] = probe
	}

	var unhealthy []string
	for name, result := range checks {
		if result != "healthy" {
			unhealthy = append(unhealthy, name)
		}
	}
	if len(unhealthy) > 0 {
		contextData["unhealthy_checks"] = unhealthy
	}

	envelope, _ = envelope.WithContext(contextData)
	return envelope
}

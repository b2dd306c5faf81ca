package core

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBackendNotRunning is returned when a backend is administratively stopped.
	ErrBackendNotRunning = errors.New("backend is not running")

	// ErrBackendAtCapacity is returned when a backend has no free connection slots.
	ErrBackendAtCapacity = errors.New("backend at maximum capacity")
)

// HealthStatus is the self-reported status of a backend.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthError     HealthStatus = "error"
)

// BackendMetrics is a point-in-time load report from a backend.
type BackendMetrics struct {
	Load              float64       `json:"load" yaml:"load"`
	ActiveConnections int           `json:"active_connections" yaml:"active_connections"`
	TotalRequests     int64         `json:"total_requests" yaml:"total_requests"`
	ErrorCount        int64         `json:"error_count" yaml:"error_count"`
	AvgResponseTime   time.Duration `json:"avg_response_time" yaml:"avg_response_time"`
	Running           bool          `json:"is_running" yaml:"is_running"`
}

// HealthReport is the result of a backend health probe.
type HealthReport struct {
	Status          HealthStatus  `json:"status" yaml:"status"`
	Load            float64       `json:"load" yaml:"load"`
	AvgResponseTime time.Duration `json:"avg_response_time" yaml:"avg_response_time"`
	ErrorRate       float64       `json:"error_rate" yaml:"error_rate"`
	Message         string        `json:"message,omitempty" yaml:"message,omitempty"`
}

// BackendRequest is the subset of an admitted request forwarded to a backend.
type BackendRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   map[string][]string
	Body     []byte
	ClientIP string
}

// BackendResponse is what a backend produced for a request.
type BackendResponse struct {
	StatusCode int
	Header     map[string][]string
	Body       []byte
}

// Backend is a pool member that can serve admitted requests.
//
// Metrics must not block on the network: selection reads it while holding
// the selector lock.
type Backend interface {
	Name() string
	Metrics(ctx context.Context) (BackendMetrics, error)
	HealthCheck(ctx context.Context) (HealthReport, error)
	Handle(ctx context.Context, req BackendRequest) (BackendResponse, error)
}

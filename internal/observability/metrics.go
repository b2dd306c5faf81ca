package observability

import (
	"fmt"
	"net"
	"strconv"

	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/fulmenhq/gofulmen/telemetry/exporters"
)

var (
	// TelemetrySystem is the global telemetry system
	TelemetrySystem *telemetry.System

	// PrometheusExporter is the prometheus metrics exporter
	PrometheusExporter *exporters.PrometheusExporter

	// metricsPort is the port the exporter actually bound to
	metricsPort int
)

// DefaultMetricsPort is used when the exporter's bound port cannot be read.
const DefaultMetricsPort = 9090

// MetricsOptions configures the Prometheus exporter.
type MetricsOptions struct {
	// Namespace prefixes every series, e.g. bulwark_admissions_total.
	Namespace string
	// Host defaults to all interfaces.
	Host string
	// Port 0 picks a free port.
	Port int
}

// InitMetrics starts the Prometheus exporter and installs the global
// telemetry system that feeds it.
func InitMetrics(opts MetricsOptions) error {
	if opts.Namespace == "" {
		return fmt.Errorf("metrics namespace is required")
	}
	requestedPort := max(opts.Port, 0)
	metricsPort = requestedPort

	exporter := exporters.NewPrometheusExporter(opts.Namespace, net.JoinHostPort(opts.Host, strconv.Itoa(requestedPort)))
	if err := exporter.Start(); err != nil {
		return fmt.Errorf("start prometheus exporter: %w", err)
	}

	if actualPort, err := resolvePort(exporter.GetAddr()); err == nil {
		metricsPort = actualPort
	} else if requestedPort == 0 {
		metricsPort = DefaultMetricsPort
	}

	sys, err := telemetry.NewSystem(&telemetry.Config{
		Enabled: true,
		Emitter: exporter,
	})
	if err != nil {
		_ = exporter.Stop()
		return err
	}

	PrometheusExporter = exporter
	TelemetrySystem = sys
	return nil
}

// ShutdownMetrics stops the exporter and clears the globals.
func ShutdownMetrics() error {
	exporter := PrometheusExporter
	PrometheusExporter = nil
	TelemetrySystem = nil
	metricsPort = 0
	if exporter == nil {
		return nil
	}
	return exporter.Stop()
}

// GetMetricsPort returns the port the Prometheus exporter is listening on
func GetMetricsPort() int {
	return metricsPort
}

// MetricsURL is the loopback scrape URL of the running exporter, or empty
// when none is installed.
func MetricsURL() string {
	if PrometheusExporter == nil {
		return ""
	}
	port := metricsPort
	if port == 0 {
		port = DefaultMetricsPort
	}
	return fmt.Sprintf("http://127.0.0.1:%d/metrics", port)
}

func resolvePort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}

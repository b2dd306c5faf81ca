package server

import (
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/bulwarkhq/bulwark/internal/errors"
	"github.com/bulwarkhq/bulwark/internal/metrics"
	"github.com/bulwarkhq/bulwark/internal/observability"
)

var metricsProxyClient = &http.Client{
	Timeout: 5 * time.Second,
}

// MetricsHandler proxies the Prometheus exporter so /metrics can be scraped
// on the main listener.
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	metricsURL := observability.MetricsURL()
	if metricsURL == "" {
		HandleError(w, r, apperrors.NewServiceUnavailableError("Metrics exporter not initialized"))
		return
	}

	metrics.RefreshServerUptime(time.Now())

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, metricsURL, nil)
	if err != nil {
		HandleError(w, r, apperrors.WrapInternal(r.Context(), err, "Unable to construct metrics request"))
		return
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := metricsProxyClient.Do(req)
	if err != nil {
		envelope := apperrors.WrapBadGateway(r.Context(), err, "Prometheus exporter unavailable").
			WithDetails(map[string]interface{}{"metrics_url": metricsURL})
		HandleError(w, r, envelope)
		return
	}
	defer func() {
		if err := resp.Body.Close(); err != nil && observability.ServerLogger != nil {
			observability.ServerLogger.Warn("Failed to close metrics response body", zap.Error(err))
		}
	}()

	for key, values := range resp.Header {
		if isHopHeader(key) {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	if resp.Header.Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil && observability.ServerLogger != nil {
		observability.ServerLogger.Warn("Failed to write metrics response", zap.Error(err))
	}
}

